package delivery

import (
	"context"
	"io"
	"log/slog"

	"aaronromeo.com/mailwatch/internal/imap/base"
)

// Logger only logs the message metadata. Every message counts as delivered.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Logger{logger: logger}
}

func (l *Logger) Deliver(ctx context.Context, mailbox string, msg base.Message) error {
	meta := ParseMetadata(msg.Body)
	l.logger.InfoContext(ctx, "Delivered message",
		slog.String("action", "Delivered message"),
		slog.String("mailbox", mailbox),
		slog.Any("uid", msg.UID),
		slog.String("subject", meta.Subject),
		slog.Any("from", meta.From),
		slog.String("message_id", meta.MessageID),
		slog.Int("size", len(msg.Body)),
	)
	return nil
}
