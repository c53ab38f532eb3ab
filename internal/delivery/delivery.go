package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Deliverer hands a fetched message to its destination. A returned error is
// an expected failure: the message stays in the mailbox.
type Deliverer interface {
	Deliver(ctx context.Context, mailbox string, msg base.Message) error
}

// Metadata are the headers forwarded alongside the raw message.
type Metadata struct {
	Subject   string   `json:"subject"`
	From      []string `json:"from"`
	To        []string `json:"to"`
	MessageID string   `json:"message_id"`
}

// New builds the deliverer configured for the mailbox.
func New(cfg config.Delivery, logger *slog.Logger) (Deliverer, error) {
	switch cfg.Method {
	case config.DeliveryWebhook:
		webhook, err := NewWebhook(
			WithURL(cfg.URL),
			WithHeaders(cfg.Headers),
			WithTimeout(cfg.Timeout.Std()),
			WithRate(cfg.Rate, cfg.Burst),
		)
		if err != nil {
			return nil, err
		}
		return webhook, nil
	case config.DeliveryS3:
		archive, err := NewS3(cfg)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case config.DeliveryLogger, "":
		return NewLogger(logger), nil
	default:
		return nil, errors.Errorf("unsupported delivery method %q", cfg.Method)
	}
}

// ParseMetadata reads the message headers. Unparseable headers yield empty
// metadata rather than an error.
func ParseMetadata(body []byte) Metadata {
	entity, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Metadata{}
	}
	if entity == nil {
		return Metadata{}
	}

	header := mail.Header{Header: entity.Header}
	meta := Metadata{}
	if subject, err := header.Subject(); err == nil {
		meta.Subject = subject
	} else {
		meta.Subject = header.Get("Subject")
	}
	if id, err := header.MessageID(); err == nil {
		meta.MessageID = id
	}
	meta.From = addresses(header, "From")
	meta.To = addresses(header, "To")
	return meta
}

func addresses(header mail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil {
		if raw := strings.TrimSpace(header.Get(key)); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}
