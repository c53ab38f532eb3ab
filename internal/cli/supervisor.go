package cli

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/ledger"
	"aaronromeo.com/mailwatch/internal/mailbox"
	"aaronromeo.com/mailwatch/internal/status"
	"aaronromeo.com/mailwatch/internal/watcher"
	"aaronromeo.com/mailwatch/pkg/utils"
	"github.com/pkg/errors"
)

const shutdownTimeout = 5 * time.Second

type SupervisorOption func(*Supervisor)

// Supervisor runs one watcher per configured mailbox and tears them all down
// when its context ends or any watcher fails.
type Supervisor struct {
	cfg       config.Config
	logger    *slog.Logger
	connector watcher.Connector

	mu       sync.Mutex
	watchers []*watcher.Watcher
}

func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithConnector overrides how each watcher builds its connection.
func WithConnector(connector watcher.Connector) SupervisorOption {
	return func(s *Supervisor) {
		s.connector = connector
	}
}

func NewSupervisor(cfg config.Config, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return s
}

// Run starts every watcher and the status endpoint, then blocks until ctx
// is done or a watcher fails. Watchers are always quit before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var l *ledger.BoltLedger
	if path := s.cfg.Ledger.Path; path != "" {
		var err error
		l, err = ledger.NewBoltLedger(path)
		if err != nil {
			return errors.Wrapf(err, "opening ledger %s", path)
		}
		defer func() {
			if err := l.Close(); err != nil {
				s.logger.Error("Closing ledger", slog.Any("error", utils.WrapError(err)))
			}
		}()
	}

	defer s.quitAll()
	for _, cfg := range s.cfg.Mailboxes {
		w, err := s.newWatcher(cfg, l, cancel)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.watchers = append(s.watchers, w)
		s.mu.Unlock()

		if err := w.Run(ctx); err != nil {
			return errors.Wrapf(err, "starting watcher %s", cfg.Label())
		}
	}

	if addr := s.cfg.Status.Addr; addr != "" {
		srv := status.New(s, s.logger)
		go func() {
			if err := srv.ListenAndServe(addr); err != nil {
				cancel(errors.Wrap(err, "status server"))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("Stopping status server", slog.Any("error", utils.WrapError(err)))
			}
		}()
	}

	s.logger.Info("Watching mailboxes", slog.Int("count", len(s.cfg.Mailboxes)))
	<-ctx.Done()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) newWatcher(cfg config.Mailbox, l *ledger.BoltLedger, cancel context.CancelCauseFunc) (*watcher.Watcher, error) {
	mbOpts := []mailbox.Option{mailbox.WithLogger(s.logger)}
	if l != nil {
		mbOpts = append(mbOpts, mailbox.WithLedger(l))
	}
	mb, err := mailbox.New(cfg, mbOpts...)
	if err != nil {
		return nil, err
	}

	wOpts := []watcher.Option{
		watcher.WithFatalHandler(func(err error) {
			mb.Logger().Error("Watcher stopped", slog.Any("error", utils.WrapError(err)))
			cancel(errors.Wrapf(err, "watcher %s", cfg.Label()))
		}),
	}
	if s.connector != nil {
		wOpts = append(wOpts, watcher.WithConnector(s.connector))
	}
	return watcher.New(mb, wOpts...)
}

func (s *Supervisor) quitAll() {
	s.mu.Lock()
	watchers := append([]*watcher.Watcher(nil), s.watchers...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *watcher.Watcher) {
			defer wg.Done()
			w.Quit()
		}(w)
	}
	wg.Wait()
	s.logger.Info("All watchers stopped")
}

// Statuses reports every watcher, in config order.
func (s *Supervisor) Statuses() []watcher.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]watcher.Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}
