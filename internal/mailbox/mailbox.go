package mailbox

import (
	"context"
	"io"
	"log/slog"
	"time"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/delivery"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"aaronromeo.com/mailwatch/internal/ledger"
	"aaronromeo.com/mailwatch/pkg/utils"
	"github.com/pkg/errors"
)

type Option func(*Mailbox)

// Mailbox binds a mailbox configuration to its delivery function, its
// delivered-UID ledger and a logger carrying the mailbox context.
type Mailbox struct {
	cfg       config.Mailbox
	logger    *slog.Logger
	deliverer delivery.Deliverer
	ledger    ledger.Ledger
	now       func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		m.logger = logger
	}
}

func WithDeliverer(deliverer delivery.Deliverer) Option {
	return func(m *Mailbox) {
		m.deliverer = deliverer
	}
}

// WithLedger makes the mailbox skip UIDs it has already delivered.
func WithLedger(l ledger.Ledger) Option {
	return func(m *Mailbox) {
		m.ledger = l
	}
}

func New(cfg config.Mailbox, opts ...Option) (*Mailbox, error) {
	m := &Mailbox{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m.logger = m.logger.With(slog.String("context", cfg.Label()))

	if m.deliverer == nil {
		deliverer, err := delivery.New(cfg.Delivery, m.logger)
		if err != nil {
			return nil, errors.Wrapf(err, "mailbox %s", cfg.Label())
		}
		m.deliverer = deliverer
	}
	return m, nil
}

func (m *Mailbox) Config() config.Mailbox {
	return m.cfg
}

func (m *Mailbox) Logger() *slog.Logger {
	return m.logger
}

func (m *Mailbox) Label() string {
	return m.cfg.Label()
}

// ShouldDeliver is the membership predicate consulted before fetching. UIDs
// already in the ledger are skipped. A ledger read failure lets the message
// through.
func (m *Mailbox) ShouldDeliver(uid uint32) bool {
	if m.ledger == nil {
		return true
	}
	delivered, err := m.ledger.Delivered(m.Label(), uid)
	if err != nil {
		m.logger.Warn("Ledger lookup failed",
			slog.String("action", "Ledger lookup failed"),
			slog.Any("uid", uid),
			slog.Any("error", utils.WrapError(err)),
		)
		return true
	}
	return !delivered
}

// Deliver hands msg to the delivery function. A delivery failure is reported
// as false; the error return is reserved for faults that must stop the watcher.
func (m *Mailbox) Deliver(ctx context.Context, msg base.Message) (bool, error) {
	if err := m.deliverer.Deliver(ctx, m.Label(), msg); err != nil {
		m.logger.WarnContext(ctx, "Delivery failed",
			slog.String("action", "Delivery failed"),
			slog.Any("uid", msg.UID),
			slog.Any("error", err),
		)
		return false, nil
	}

	if m.ledger != nil {
		if err := m.ledger.Record(m.Label(), msg.UID, m.now()); err != nil {
			m.logger.ErrorContext(ctx, "Recording delivery failed",
				slog.String("action", "Recording delivery failed"),
				slog.Any("uid", msg.UID),
				slog.Any("error", utils.WrapError(err)),
			)
		}
	}
	return true, nil
}
