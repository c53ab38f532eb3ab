package sessionmanager

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
)

// updatesBuffer bounds how many unilateral responses may queue while the
// forwarder is handing one to the idle callback.
const updatesBuffer = 16

var ErrNotConnected = errors.New("IMAP client is not connected")

type Option func(*IMAPConnector)

// Dialer opens the transport and returns a client that publishes unilateral
// server responses on updates.
type Dialer func(addr string, tlsConfig *tls.Config, updates chan imapclient.Update) (base.Client, error)

// IMAPConnector owns a single IMAP session. All methods except IdleDone and
// Close are expected to be called from one goroutine.
type IMAPConnector struct {
	Addr        string
	TLSConfig   *tls.Config
	ImplicitTLS bool
	Compress    bool

	dial        Dialer
	idleOptions *imapclient.IdleOptions
	logger      *slog.Logger

	mu            sync.Mutex
	client        base.Client
	idleHandler   func(base.Response)
	idleStop      func()
	idleCancelled bool
}

func WithAddr(a string) Option {
	return func(c *IMAPConnector) {
		c.Addr = a
	}
}

func WithTLSConfig(config *tls.Config) Option {
	return func(c *IMAPConnector) {
		c.TLSConfig = config
	}
}

// WithImplicitTLS selects a TLS handshake at dial time rather than a plain
// connection (which may later be upgraded with STARTTLS).
func WithImplicitTLS(enabled bool) Option {
	return func(c *IMAPConnector) {
		c.ImplicitTLS = enabled
	}
}

func WithCompress(enabled bool) Option {
	return func(c *IMAPConnector) {
		c.Compress = enabled
	}
}

func WithDialer(d Dialer) Option {
	return func(c *IMAPConnector) {
		c.dial = d
	}
}

func WithIdleOptions(opts *imapclient.IdleOptions) Option {
	return func(c *IMAPConnector) {
		c.idleOptions = opts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *IMAPConnector) {
		c.logger = logger
	}
}

func NewServerConnector(opts ...Option) *IMAPConnector {
	c := &IMAPConnector{}
	for _, opt := range opts {
		opt(c)
	}

	if c.dial == nil {
		if c.ImplicitTLS {
			c.dial = DialTLS
		} else {
			c.dial = DialPlain
		}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.idleOptions == nil {
		c.idleOptions = &imapclient.IdleOptions{}
	}

	return c
}

// Dial builds a connector for the mailbox configuration and opens its
// transport.
func Dial(cfg config.Mailbox, opts ...Option) (*IMAPConnector, error) {
	defaults := []Option{
		WithAddr(cfg.Addr()),
		WithImplicitTLS(cfg.UseSSL()),
		WithCompress(cfg.Compress),
		WithTLSConfig(&tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
		}),
	}
	c := NewServerConnector(append(defaults, opts...)...)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func DialTLS(addr string, tlsConfig *tls.Config, updates chan imapclient.Update) (base.Client, error) {
	c, err := imapclient.DialTLS(addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	c.Updates = updates
	return c, nil
}

func DialPlain(addr string, _ *tls.Config, updates chan imapclient.Update) (base.Client, error) {
	c, err := imapclient.Dial(addr)
	if err != nil {
		return nil, err
	}
	c.Updates = updates
	return c, nil
}

// Connect opens the transport. Authentication is left to Login.
func (c *IMAPConnector) Connect() error {
	if err := validateDeps(c); err != nil {
		return err
	}

	updates := make(chan imapclient.Update, updatesBuffer)
	client, err := c.dial(c.Addr, c.TLSConfig, updates)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", c.Addr)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	go c.forward(updates, client.LoggedOut())
	return nil
}

func (c *IMAPConnector) IMAPClient() base.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *IMAPConnector) StartTLS() error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	return client.StartTLS(c.TLSConfig)
}

func (c *IMAPConnector) Login(username, password string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if err := client.Login(username, password); err != nil {
		return err
	}
	if c.Compress {
		c.enableCompression(client)
	}
	return nil
}

// enableCompression turns on COMPRESS=DEFLATE when the server offers it.
// Failing to compress is not a session error.
func (c *IMAPConnector) enableCompression(client base.Client) {
	concrete, ok := client.(*imapclient.Client)
	if !ok {
		return
	}
	comp := compress.NewClient(concrete)
	supported, err := comp.SupportCompress(compress.Deflate)
	if err != nil || !supported {
		c.logger.Debug("server does not support compression", slog.Any("error", err))
		return
	}
	if err := comp.Compress(compress.Deflate); err != nil {
		c.logger.Warn("enabling compression failed", slog.Any("error", err))
		return
	}
	c.logger.Debug("compression enabled")
}

func (c *IMAPConnector) Select(folder string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if strings.TrimSpace(folder) == "" {
		return errors.New("mailbox is required")
	}
	_, err = client.Select(folder, false)
	return err
}

// List reports whether a folder matching name exists.
func (c *IMAPConnector) List(name string) (bool, error) {
	client, err := c.connected()
	if err != nil {
		return false, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- client.List("", name, mailboxes)
	}()

	found := false
	for range mailboxes {
		found = true
	}

	if err := <-done; err != nil {
		return false, err
	}
	return found, nil
}

func (c *IMAPConnector) Create(name string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	return client.Create(name)
}

// UIDSearch runs UID SEARCH with the given space separated search keys.
func (c *IMAPConnector) UIDSearch(query string) ([]uint32, error) {
	client, err := c.connected()
	if err != nil {
		return nil, err
	}
	criteria, err := ParseSearch(query)
	if err != nil {
		return nil, err
	}
	return client.UidSearch(criteria)
}

// UIDFetch fetches the full message for each UID. The server marks fetched
// messages as seen.
func (c *IMAPConnector) UIDFetch(uids []uint32) ([]base.Message, error) {
	client, err := c.connected()
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- client.UidFetch(seqset, items, messages)
	}()

	fetched := make([]base.Message, 0, len(uids))
	var readErr error
	for msg := range messages {
		if readErr != nil {
			continue
		}
		message := base.Message{UID: msg.Uid, SeqNum: msg.SeqNum}
		if body := msg.GetBody(section); body != nil {
			message.Body, readErr = io.ReadAll(body)
		}
		fetched = append(fetched, message)
	}

	if err := <-done; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, errors.Wrap(readErr, "reading message body")
	}
	return fetched, nil
}

// Idle blocks in IDLE until the timeout elapses, ctx is done, or IdleDone is
// called (by the handler or from another goroutine). Each unilateral
// response received meanwhile is passed to handler.
func (c *IMAPConnector) Idle(ctx context.Context, timeout time.Duration, handler func(base.Response)) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	var once sync.Once
	done := func() {
		once.Do(func() { close(stop) })
	}

	c.mu.Lock()
	if c.idleCancelled {
		c.idleCancelled = false
		c.mu.Unlock()
		return nil
	}
	c.idleStop = done
	c.idleHandler = handler
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.idleStop = nil
		c.idleHandler = nil
		c.mu.Unlock()
		done()
	}()

	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-expired:
			done()
		case <-ctx.Done():
			done()
		case <-stop:
		}
	}()

	return client.Idle(stop, c.idleOptions)
}

// IdleDone terminates the IDLE in flight. Called while not idling, it makes
// the next Idle return immediately.
func (c *IMAPConnector) IdleDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleStop != nil {
		c.idleStop()
		return
	}
	c.idleCancelled = true
}

func (c *IMAPConnector) Store(seqNum uint32, op base.StoreOp, flags []string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	values := make([]interface{}, 0, len(flags))
	for _, flag := range flags {
		values = append(values, flag)
	}
	return client.Store(seqset, imap.StoreItem(op), values, nil)
}

func (c *IMAPConnector) Expunge() error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	return client.Expunge(nil)
}

func (c *IMAPConnector) UIDMove(uid uint32, destination string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if strings.TrimSpace(destination) == "" {
		return errors.New("destination mailbox is required")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return client.UidMove(seqset, destination)
}

func (c *IMAPConnector) Disconnected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return true
	}
	select {
	case <-client.LoggedOut():
		return true
	default:
	}
	return client.State() == imap.LogoutState
}

// Close drops the connection without LOGOUT so that it is safe to call
// while another goroutine is blocked on the session.
func (c *IMAPConnector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.idleCancelled = false
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Terminate()
}

func (c *IMAPConnector) connected() (base.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *IMAPConnector) forward(updates <-chan imapclient.Update, loggedOut <-chan struct{}) {
	for {
		select {
		case update := <-updates:
			response, ok := toResponse(update)
			if !ok {
				continue
			}
			c.mu.Lock()
			handler := c.idleHandler
			c.mu.Unlock()
			if handler != nil {
				handler(response)
			}
		case <-loggedOut:
			return
		}
	}
}

func toResponse(update imapclient.Update) (base.Response, bool) {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		response := base.Response{Name: base.ResponseExists}
		if u.Mailbox != nil {
			response.Number = u.Mailbox.Messages
		}
		return response, true
	case *imapclient.ExpungeUpdate:
		return base.Response{Name: base.ResponseExpunge, Number: u.SeqNum}, true
	case *imapclient.MessageUpdate:
		response := base.Response{Name: base.ResponseFetch}
		if u.Message != nil {
			response.Number = u.Message.SeqNum
		}
		return response, true
	case *imapclient.StatusUpdate:
		return base.Response{Name: base.ResponseStatus}, true
	default:
		return base.Response{}, false
	}
}

// ParseSearch turns space separated IMAP search keys ("UNSEEN",
// "UNSEEN FROM alerts@example.com") into search criteria. An empty query
// matches every message.
func ParseSearch(query string) (*imap.SearchCriteria, error) {
	criteria := imap.NewSearchCriteria()
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return criteria, nil
	}

	fields := make([]interface{}, 0, len(tokens))
	for _, token := range tokens {
		fields = append(fields, token)
	}
	if err := criteria.ParseWithCharset(fields, nil); err != nil {
		return nil, errors.Wrapf(err, "parsing search %q", query)
	}
	return criteria, nil
}

func validateDeps(c *IMAPConnector) error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("IMAP address is required")
	}
	if c.dial == nil {
		return errors.New("requires dialer")
	}
	return nil
}
