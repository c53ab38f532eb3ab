package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aaronromeo.com/mailwatch/internal/imap/base"
)

// fakeSession records every call made against it.
type fakeSession struct {
	mu sync.Mutex

	calls    []string
	unseen   []uint32
	messages map[uint32]base.Message
	folders  map[string]bool

	fetched [][]uint32
	stored  []uint32
	moved   []uint32

	loginErr  error
	searchErr error
	idleErr   error
	storeErr  error
	moveErr   error

	// idleResponses are handed to the idle handler before Idle blocks.
	idleResponses []base.Response
	// idleBlocks makes Idle wait for IdleDone, ctx or close.
	idleBlocks  bool
	idleStarted chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once

	idleDoneCalls int
	closed        bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		messages:    map[uint32]base.Message{},
		folders:     map[string]bool{},
		idleStarted: make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

func (f *fakeSession) withMessages(uids ...uint32) *fakeSession {
	for _, uid := range uids {
		f.unseen = append(f.unseen, uid)
		f.messages[uid] = base.Message{UID: uid, SeqNum: uid, Body: []byte(fmt.Sprintf("Subject: %d\r\n\r\nbody", uid))}
	}
	return f
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeSession) StartTLS() error {
	f.record("starttls")
	return nil
}

func (f *fakeSession) Login(username, password string) error {
	f.record("login")
	return f.loginErr
}

func (f *fakeSession) Select(folder string) error {
	f.record("select " + folder)
	return nil
}

func (f *fakeSession) List(name string) (bool, error) {
	f.record("list " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders[name], nil
}

func (f *fakeSession) Create(name string) error {
	f.record("create " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[name] = true
	return nil
}

func (f *fakeSession) UIDSearch(query string) ([]uint32, error) {
	f.record("search " + query)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.unseen...), nil
}

func (f *fakeSession) UIDFetch(uids []uint32) ([]base.Message, error) {
	f.record("fetch")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, append([]uint32(nil), uids...))

	messages := make([]base.Message, 0, len(uids))
	for _, uid := range uids {
		if msg, ok := f.messages[uid]; ok {
			messages = append(messages, msg)
		}
	}
	// fetched messages are seen
	remaining := f.unseen[:0]
	for _, uid := range f.unseen {
		if !contains(uids, uid) {
			remaining = append(remaining, uid)
		}
	}
	f.unseen = remaining
	return messages, nil
}

func (f *fakeSession) Idle(ctx context.Context, timeout time.Duration, handler func(base.Response)) error {
	f.record("idle")
	if f.idleErr != nil {
		return f.idleErr
	}
	for _, response := range f.idleResponses {
		handler(response)
	}
	if !f.idleBlocks {
		return nil
	}

	f.startOnce.Do(func() { close(f.idleStarted) })
	select {
	case <-f.stop:
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return nil
}

func (f *fakeSession) IdleDone() {
	f.record("idle done")
	f.mu.Lock()
	f.idleDoneCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *fakeSession) Store(seqNum uint32, op base.StoreOp, flags []string) error {
	f.record(fmt.Sprintf("store %d %s %v", seqNum, op, flags))
	if f.storeErr != nil {
		return f.storeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, seqNum)
	return nil
}

func (f *fakeSession) Expunge() error {
	f.record("expunge")
	return nil
}

func (f *fakeSession) UIDMove(uid uint32, destination string) error {
	f.record(fmt.Sprintf("move %d %s", uid, destination))
	if f.moveErr != nil {
		return f.moveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved = append(f.moved, uid)
	return nil
}

func (f *fakeSession) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) Close() error {
	f.record("close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stop) })
	return nil
}

// fakeDialer hands out the given sessions in order, then fails.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
	onDial   func()
}

func (d *fakeDialer) Dial() (Session, error) {
	if d.onDial != nil {
		d.onDial()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.sessions) {
		d.dials++
		return nil, fmt.Errorf("connection refused")
	}
	sess := d.sessions[d.dials]
	d.dials++
	return sess, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func contains(uids []uint32, uid uint32) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}
