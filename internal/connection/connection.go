package connection

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"aaronromeo.com/mailwatch/internal/imap/sessionmanager"
	"aaronromeo.com/mailwatch/internal/telemetry"
	"aaronromeo.com/mailwatch/pkg/utils"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FolderPrefix namespaces the folders messages are moved into.
const FolderPrefix = "Appmanager"

type Option func(*Connection)

// Connection drives one mailbox session through
// Fresh -> (TLS) -> Authenticated -> Selected <-> Idling, resetting to Fresh
// on any session fault.
//
// Setup, Wait and Move run on the watcher's worker goroutine. Quit may be
// called from any goroutine, including while the worker is blocked in IDLE.
type Connection struct {
	cfg         config.Mailbox
	logger      *slog.Logger
	dial        Dialer
	filter      Filter
	instruments *telemetry.Instruments
	tracer      trace.Tracer

	mu        sync.Mutex
	sess      Session
	loggedIn  bool
	idling    bool
	closed    bool
	onMessage Handler
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

func WithDialer(dial Dialer) Option {
	return func(c *Connection) {
		c.dial = dial
	}
}

func WithFilter(filter Filter) Option {
	return func(c *Connection) {
		c.filter = filter
	}
}

func WithInstruments(instruments *telemetry.Instruments) Option {
	return func(c *Connection) {
		c.instruments = instruments
	}
}

func New(cfg config.Mailbox, opts ...Option) (*Connection, error) {
	c := &Connection{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.dial == nil {
		logger := c.logger
		c.dial = func() (Session, error) {
			sess, err := sessionmanager.Dial(cfg, sessionmanager.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	if c.instruments == nil {
		c.instruments = telemetry.DefaultInstruments()
	}
	c.tracer = otel.Tracer(telemetry.ScopeName + "/connection")

	if err := validateDeps(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validateDeps(c *Connection) error {
	if strings.TrimSpace(c.cfg.Name) == "" {
		return errors.New("requires mailbox name")
	}
	if c.cfg.MoveAfterDelivery && strings.TrimSpace(c.cfg.Stage) == "" {
		return errors.New("requires stage to move messages")
	}
	return nil
}

// OnNewMessage registers the delivery handler. Without one, Wait never
// searches or fetches.
func (c *Connection) OnNewMessage(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *Connection) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *Connection) Idling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idling
}

func (c *Connection) ReadyToIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn && !c.idling
}

// Disconnected reports whether there is no live session.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return true
	}
	return sess.Disconnected()
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Setup opens the session if needed, then negotiates STARTTLS when
// configured, logs in and selects the folder. Errors are returned as is.
func (c *Connection) Setup(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	if c.cfg.StartTLS {
		c.info(ctx, "Starting TLS session")
		if err := sess.StartTLS(); err != nil {
			return errors.Wrap(err, "starting TLS")
		}
	}

	c.info(ctx, "Logging into mailbox")
	if err := sess.Login(c.cfg.Email, c.cfg.Password); err != nil {
		return errors.Wrap(err, "logging in")
	}

	c.info(ctx, "Setting mailbox")
	if err := sess.Select(c.cfg.Name); err != nil {
		return errors.Wrapf(err, "selecting %s", c.cfg.Name)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// Wait drains pending messages, idles until a new message, the idle timeout
// or a termination request, then drains again. A session fault is logged and
// answered with one reset and setup; only the setup error is returned.
// Delivery errors are returned untouched.
func (c *Connection) Wait(ctx context.Context) error {
	err := c.cycle(ctx)
	if err == nil {
		return nil
	}
	if IsDeliveryError(err) {
		return err
	}
	if c.Closed() {
		return nil
	}

	c.logger.WarnContext(ctx, "Disconnected. Resetting...",
		slog.String("action", "Disconnected. Resetting..."),
		slog.Any("error", utils.WrapError(err)),
	)
	c.reset()
	c.instruments.Reconnected(ctx, c.cfg.Label())

	if err := c.Setup(ctx); err != nil {
		if c.Closed() {
			return nil
		}
		return err
	}
	return nil
}

func (c *Connection) cycle(ctx context.Context) error {
	if err := c.processMailbox(ctx); err != nil {
		return err
	}
	if err := c.idle(ctx); err != nil {
		return err
	}
	return c.processMailbox(ctx)
}

// Move files the message under Appmanager/<stage>, creating the folder on
// first use.
func (c *Connection) Move(ctx context.Context, msg base.Message) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	folder := c.destination()
	exists, err := sess.List(folder)
	if err != nil {
		return errors.Wrapf(err, "listing %s", folder)
	}
	if !exists {
		c.info(ctx, "Creating folder "+folder)
		if err := sess.Create(folder); err != nil {
			return errors.Wrapf(err, "creating %s", folder)
		}
	}

	c.info(ctx, "Moving msg to folder "+folder, slog.Any("uid", msg.UID))
	return sess.UIDMove(msg.UID, folder)
}

func (c *Connection) destination() string {
	return FolderPrefix + "/" + c.cfg.Stage
}

// Quit interrupts an IDLE in flight and tears the session down. The
// connection cannot be set up again afterwards.
func (c *Connection) Quit() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopIdling()
	c.reset()
}

func (c *Connection) stopIdling() {
	c.mu.Lock()
	sess, idling := c.sess, c.idling
	c.mu.Unlock()
	if idling && sess != nil {
		sess.IdleDone()
	}
}

// reset drops the session and returns to Fresh. Safe to call repeatedly.
func (c *Connection) reset() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.loggedIn = false
	c.idling = false
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("closing session", slog.Any("error", err))
		}
	}
}

// session returns the live session, dialing one if there is none.
func (c *Connection) session() (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.sess != nil {
		sess := c.sess
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	sess, err := c.dial()
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", c.cfg.Addr())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = sess.Close()
		return nil, ErrClosed
	}
	c.sess = sess
	return sess, nil
}

func (c *Connection) idle(ctx context.Context) error {
	c.mu.Lock()
	if !c.loggedIn || c.idling || c.sess == nil {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	c.idling = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.idling = false
		c.mu.Unlock()
	}()

	c.info(ctx, "Idling")
	err := sess.Idle(ctx, c.cfg.IdleTimeout.Std(), func(response base.Response) {
		if response.Name == base.ResponseExists {
			sess.IdleDone()
		}
	})
	if err != nil {
		return errors.Wrap(err, "idling")
	}
	c.instruments.IdleCycle(ctx, c.cfg.Label())
	return nil
}

func (c *Connection) handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage
}

func (c *Connection) processMailbox(ctx context.Context) (err error) {
	handler := c.handler()
	if handler == nil {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "processMailbox",
		trace.WithAttributes(attribute.String("mailbox", c.cfg.Label())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.info(ctx, "Processing started")

	sess, err := c.session()
	if err != nil {
		return err
	}

	uids, err := c.newMessageIDs(ctx, sess)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	messages, err := sess.UIDFetch(uids)
	if err != nil {
		return errors.Wrap(err, "fetching messages")
	}

	delivered := make([]base.Message, 0, len(messages))
	for _, msg := range messages {
		ok, err := handler(ctx, msg)
		if err != nil {
			c.instruments.Failed(ctx, c.cfg.Label())
			if IsDeliveryError(err) {
				return err
			}
			return NewDeliveryError(msg.UID, err)
		}
		if !ok {
			c.instruments.Failed(ctx, c.cfg.Label())
			continue
		}
		c.instruments.Delivered(ctx, c.cfg.Label())
		delivered = append(delivered, msg)
	}

	anyDeletions := false
	for _, msg := range delivered {
		deleted, err := c.afterDelivery(sess, msg)
		if err != nil {
			return err
		}
		anyDeletions = anyDeletions || deleted
	}

	if c.cfg.ExpungeDeleted && anyDeletions {
		if err := sess.Expunge(); err != nil {
			return errors.Wrap(err, "expunging")
		}
	}
	return nil
}

func (c *Connection) afterDelivery(sess Session, msg base.Message) (bool, error) {
	if !c.cfg.DeleteAfterDelivery {
		return false, nil
	}
	if err := sess.Store(msg.SeqNum, base.AddFlags, []string{base.DeletedFlag}); err != nil {
		return false, errors.Wrapf(err, "flagging message %d deleted", msg.UID)
	}
	return true, nil
}

// newMessageIDs searches for candidates, caps them at limit_max_unread and
// drops the ones the filter vetoes.
func (c *Connection) newMessageIDs(ctx context.Context, sess Session) ([]uint32, error) {
	unread, err := sess.UIDSearch(c.cfg.SearchCommand)
	if err != nil {
		return nil, errors.Wrap(err, "searching messages")
	}
	if limit := c.cfg.LimitMaxUnread; limit > 0 && len(unread) > limit {
		unread = unread[:limit]
	}

	toDeliver := make([]uint32, 0, len(unread))
	for _, uid := range unread {
		if c.filter == nil || c.filter(uid) {
			toDeliver = append(toDeliver, uid)
		}
	}

	c.info(ctx, "Getting new messages",
		slog.Group("unread", slog.Int("count", len(unread)), slog.Any("ids", unread)),
		slog.Group("to_be_delivered", slog.Int("count", len(toDeliver)), slog.Any("ids", toDeliver)),
	)
	return toDeliver, nil
}

func (c *Connection) info(ctx context.Context, action string, attrs ...any) {
	args := append([]any{slog.String("action", action)}, attrs...)
	c.logger.InfoContext(ctx, action, args...)
}
