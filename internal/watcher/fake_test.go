package watcher

import (
	"context"
	"log/slog"
	"sync"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/connection"
	"aaronromeo.com/mailwatch/internal/imap/base"
)

type fakeConn struct {
	mu sync.Mutex

	setupErr error
	moveErr  error
	// wait overrides the default Wait, which blocks until Quit or ctx.
	wait func(ctx context.Context) error

	handler connection.Handler
	setups  int
	waits   int
	quits   int
	moved   []uint32

	quit     chan struct{}
	quitOnce sync.Once
	waiting  chan struct{}
	waitOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		quit:    make(chan struct{}),
		waiting: make(chan struct{}),
	}
}

func (f *fakeConn) Setup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	return f.setupErr
}

func (f *fakeConn) Wait(ctx context.Context) error {
	f.mu.Lock()
	f.waits++
	wait := f.wait
	f.mu.Unlock()
	f.waitOnce.Do(func() { close(f.waiting) })

	if wait != nil {
		return wait(ctx)
	}
	select {
	case <-f.quit:
	case <-ctx.Done():
	}
	return nil
}

func (f *fakeConn) Move(_ context.Context, msg base.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moved = append(f.moved, msg.UID)
	return nil
}

func (f *fakeConn) Quit() {
	f.mu.Lock()
	f.quits++
	f.mu.Unlock()
	f.quitOnce.Do(func() { close(f.quit) })
}

func (f *fakeConn) OnNewMessage(handler connection.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeConn) LoggedIn() bool     { return true }
func (f *fakeConn) Idling() bool       { return false }
func (f *fakeConn) Disconnected() bool { return false }

func (f *fakeConn) Handler() connection.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeConn) counts() (setups, waits, quits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setups, f.waits, f.quits
}

func (f *fakeConn) Moved() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.moved...)
}

type fakeMailbox struct {
	mu sync.Mutex

	cfg        config.Mailbox
	logger     *slog.Logger
	delivered  bool
	deliverErr error
	seen       []uint32
}

func (m *fakeMailbox) Config() config.Mailbox    { return m.cfg }
func (m *fakeMailbox) Logger() *slog.Logger      { return m.logger }
func (m *fakeMailbox) ShouldDeliver(uint32) bool { return true }

func (m *fakeMailbox) Deliver(_ context.Context, msg base.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, msg.UID)
	return m.delivered, m.deliverErr
}
