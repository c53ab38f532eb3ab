package connection

import (
	"context"
	"time"

	"aaronromeo.com/mailwatch/internal/imap/base"
)

// Session is one authenticated-or-not protocol session. The IMAP
// implementation is sessionmanager.IMAPConnector.
type Session interface {
	StartTLS() error
	Login(username, password string) error
	Select(folder string) error
	List(name string) (bool, error)
	Create(name string) error
	UIDSearch(query string) ([]uint32, error)
	UIDFetch(uids []uint32) ([]base.Message, error)
	Idle(ctx context.Context, timeout time.Duration, handler func(base.Response)) error
	IdleDone()
	Store(seqNum uint32, op base.StoreOp, flags []string) error
	Expunge() error
	UIDMove(uid uint32, destination string) error
	Disconnected() bool
	Close() error
}

// Dialer opens a new session transport.
type Dialer func() (Session, error)

// Handler receives each fetched message and reports whether it was delivered.
type Handler func(ctx context.Context, msg base.Message) (bool, error)

// Filter vetoes delivery of a UID before it is fetched.
type Filter func(uid uint32) bool
