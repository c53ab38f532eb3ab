package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aaronromeo.com/mailwatch/internal/imap/base"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const defaultWebhookTimeout = 10 * time.Second

type Option func(*Webhook)

// Payload is the JSON body posted for each message.
type Payload struct {
	ID      string   `json:"id"`
	Mailbox string   `json:"mailbox"`
	UID     uint32   `json:"uid"`
	Meta    Metadata `json:"metadata"`
	Body    string   `json:"body"`
}

// Webhook posts each message as JSON. Any 2xx response counts as delivered.
type Webhook struct {
	url     string
	headers map[string]string
	timeout time.Duration
	limiter *rate.Limiter
	client  *http.Client
	newID   func() string
}

func WithURL(url string) Option {
	return func(w *Webhook) {
		w.url = strings.TrimSpace(url)
	}
}

func WithHeaders(headers map[string]string) Option {
	return func(w *Webhook) {
		w.headers = headers
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(w *Webhook) {
		w.timeout = timeout
	}
}

// WithRate caps posts per second. Zero means unlimited.
func WithRate(perSecond float64, burst int) Option {
	return func(w *Webhook) {
		if perSecond <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(w *Webhook) {
		w.client = client
	}
}

func NewWebhook(opts ...Option) (*Webhook, error) {
	w := &Webhook{}
	for _, opt := range opts {
		opt(w)
	}

	if w.url == "" {
		return nil, errors.New("requires webhook url")
	}
	if w.timeout <= 0 {
		w.timeout = defaultWebhookTimeout
	}
	if w.limiter == nil {
		w.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: w.timeout}
	}
	if w.newID == nil {
		w.newID = func() string { return uuid.NewString() }
	}
	return w, nil
}

func (w *Webhook) Deliver(ctx context.Context, mailbox string, msg base.Message) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for webhook rate limit")
	}

	payload := Payload{
		ID:      w.newID(),
		Mailbox: mailbox,
		UID:     msg.UID,
		Meta:    ParseMetadata(msg.Body),
		Body:    base64.StdEncoding.EncodeToString(msg.Body),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.ID)
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery webhook returned status %s", resp.Status)
	}
	return nil
}
