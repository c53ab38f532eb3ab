package watcher

import (
	"context"
	"log/slog"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/connection"
	"aaronromeo.com/mailwatch/internal/imap/base"
)

// Mailbox is the configuration and delivery side of a watched mailbox.
type Mailbox interface {
	Config() config.Mailbox
	Logger() *slog.Logger
	ShouldDeliver(uid uint32) bool
	Deliver(ctx context.Context, msg base.Message) (bool, error)
}

// Conn is the session state machine a Watcher drives.
type Conn interface {
	Setup(ctx context.Context) error
	Wait(ctx context.Context) error
	Move(ctx context.Context, msg base.Message) error
	Quit()
	OnNewMessage(handler connection.Handler)
	LoggedIn() bool
	Idling() bool
	Disconnected() bool
}

type Connector func(mb Mailbox) (Conn, error)
