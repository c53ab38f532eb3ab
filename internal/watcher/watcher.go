package watcher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"aaronromeo.com/mailwatch/internal/connection"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"aaronromeo.com/mailwatch/pkg/utils"
	"github.com/pkg/errors"
)

var ErrAlreadyStarted = errors.New("watcher already started")

type Option func(*Watcher)

// Watcher owns one Connection and the worker goroutine that keeps calling
// its Wait cycle until Quit.
type Watcher struct {
	mailbox   Mailbox
	logger    *slog.Logger
	connector Connector
	fatal     func(error)

	running atomic.Bool

	mu      sync.Mutex
	conn    Conn
	started bool
	quit    bool
	done    chan struct{}
}

// Status is a point-in-time view of a watcher for the status endpoint.
type Status struct {
	Mailbox      string `json:"mailbox"`
	Folder       string `json:"folder"`
	Running      bool   `json:"running"`
	LoggedIn     bool   `json:"logged_in"`
	Idling       bool   `json:"idling"`
	Disconnected bool   `json:"disconnected"`
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

func WithConnector(connector Connector) Option {
	return func(w *Watcher) {
		w.connector = connector
	}
}

// WithFatalHandler replaces the default reaction to an unrecoverable worker
// error, which is to log it and exit the process.
func WithFatalHandler(fatal func(error)) Option {
	return func(w *Watcher) {
		w.fatal = fatal
	}
}

func New(mb Mailbox, opts ...Option) (*Watcher, error) {
	if mb == nil {
		return nil, errors.New("requires mailbox")
	}

	w := &Watcher{mailbox: mb}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = mb.Logger()
	}
	if w.connector == nil {
		w.connector = DefaultConnector
	}
	if w.fatal == nil {
		w.fatal = func(err error) {
			w.logger.Error("Watcher stopped", slog.Any("error", utils.WrapError(err)))
			os.Exit(1)
		}
	}
	return w, nil
}

// DefaultConnector builds an IMAP connection that consults the mailbox
// before fetching each UID.
func DefaultConnector(mb Mailbox) (Conn, error) {
	conn, err := connection.New(mb.Config(),
		connection.WithLogger(mb.Logger()),
		connection.WithFilter(mb.ShouldDeliver),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run sets the connection up, registers delivery and starts the worker. It
// returns once the worker is running. A watcher runs at most once and never
// after Quit.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		return connection.ErrClosed
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "Setting up watcher", slog.String("action", "Setting up watcher"))
	w.running.Store(true)

	conn, err := w.connection(ctx)
	if err != nil {
		w.running.Store(false)
		close(done)
		return err
	}
	conn.OnNewMessage(func(ctx context.Context, msg base.Message) (bool, error) {
		return w.deliver(ctx, conn, msg)
	})

	go w.work(ctx, conn, done)
	return nil
}

// connection builds and sets up the connection on first use.
func (w *Watcher) connection(ctx context.Context) (Conn, error) {
	w.mu.Lock()
	if w.conn != nil {
		conn := w.conn
		w.mu.Unlock()
		return conn, nil
	}
	w.mu.Unlock()

	conn, err := w.connector(w.mailbox)
	if err != nil {
		return nil, errors.Wrap(err, "building connection")
	}

	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		conn.Quit()
		return nil, connection.ErrClosed
	}
	w.conn = conn
	w.mu.Unlock()

	if err := conn.Setup(ctx); err != nil {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		quit := w.quit
		w.mu.Unlock()
		conn.Quit()

		if quit {
			return nil, connection.ErrClosed
		}
		return nil, errors.Wrap(err, "setting up connection")
	}
	return conn, nil
}

func (w *Watcher) deliver(ctx context.Context, conn Conn, msg base.Message) (bool, error) {
	delivered, err := w.mailbox.Deliver(ctx, msg)
	if err != nil {
		return false, err
	}
	if delivered && w.mailbox.Config().MoveAfterDelivery {
		if err := conn.Move(ctx, msg); err != nil {
			return delivered, errors.Wrap(err, "moving message")
		}
	}
	return delivered, nil
}

func (w *Watcher) work(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for w.running.Load() && ctx.Err() == nil {
		if err := conn.Wait(ctx); err != nil {
			if !w.running.Load() {
				return
			}
			w.fatal(err)
			return
		}
	}
}

// Quit stops the worker, interrupting an IDLE in flight, and returns once
// the worker has exited. It is safe to call before Run and more than once.
func (w *Watcher) Quit() {
	w.logger.Info("Quitting connection...", slog.String("action", "Quitting connection..."))
	w.running.Store(false)

	w.mu.Lock()
	w.quit = true
	conn := w.conn
	w.conn = nil
	done := w.done
	w.mu.Unlock()

	if conn != nil {
		conn.Quit()
	}
	if done != nil {
		<-done
	}
}

func (w *Watcher) Running() bool {
	return w.running.Load()
}

func (w *Watcher) Status() Status {
	cfg := w.mailbox.Config()
	status := Status{
		Mailbox:      cfg.Label(),
		Folder:       cfg.Name,
		Running:      w.Running(),
		Disconnected: true,
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		status.LoggedIn = conn.LoggedIn()
		status.Idling = conn.Idling()
		status.Disconnected = conn.Disconnected()
	}
	return status
}
