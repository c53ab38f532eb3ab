package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = "From: Alerts <alerts@example.com>\r\n" +
	"To: Ops <ops@example.com>, dev@example.com\r\n" +
	"Subject: =?utf-8?q?Disk_full_=E2=9A=A0?=\r\n" +
	"Message-Id: <disk-full@example.com>\r\n" +
	"\r\n" +
	"The disk is full.\r\n"

func TestParseMetadata(t *testing.T) {
	meta := ParseMetadata([]byte(sampleBody))

	assert.Equal(t, "Disk full ⚠", meta.Subject)
	assert.Equal(t, []string{"alerts@example.com"}, meta.From)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, meta.To)
	assert.Equal(t, "disk-full@example.com", meta.MessageID)
}

func TestParseMetadataToleratesGarbage(t *testing.T) {
	assert.NotPanics(t, func() {
		ParseMetadata([]byte("not a message"))
		ParseMetadata(nil)
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Delivery
		want    interface{}
		wantErr string
	}{
		{name: "logger", cfg: config.Delivery{Method: config.DeliveryLogger}, want: &Logger{}},
		{name: "default is logger", cfg: config.Delivery{}, want: &Logger{}},
		{name: "webhook", cfg: config.Delivery{Method: config.DeliveryWebhook, URL: "https://hooks.example.com/mail"}, want: &Webhook{}},
		{name: "webhook without url", cfg: config.Delivery{Method: config.DeliveryWebhook}, wantErr: "requires webhook url"},
		{name: "s3", cfg: config.Delivery{Method: config.DeliveryS3, Bucket: "archive", Region: "us-east-1"}, want: &S3{}},
		{name: "s3 without bucket", cfg: config.Delivery{Method: config.DeliveryS3}, wantErr: "requires s3 bucket"},
		{name: "unknown", cfg: config.Delivery{Method: "carrier-pigeon"}, wantErr: "unsupported delivery method"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := New(tc.cfg, nil)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, got)
		})
	}
}

func TestWebhookDeliver(t *testing.T) {
	var (
		mu       sync.Mutex
		received Payload
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	webhook, err := NewWebhook(
		WithURL(srv.URL),
		WithHeaders(map[string]string{"Authorization": "Bearer token"}),
		WithRate(100, 1),
	)
	require.NoError(t, err)
	webhook.newID = func() string { return "fixed-id" }

	err = webhook.Deliver(context.Background(), "support", base.Message{UID: 42, SeqNum: 1, Body: []byte(sampleBody)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "fixed-id", received.ID)
	assert.Equal(t, "support", received.Mailbox)
	assert.Equal(t, uint32(42), received.UID)
	assert.Equal(t, "disk-full@example.com", received.Meta.MessageID)
	body, err := base64.StdEncoding.DecodeString(received.Body)
	require.NoError(t, err)
	assert.Equal(t, sampleBody, string(body))
	assert.Equal(t, "fixed-id", headers.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer token", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	webhook, err := NewWebhook(WithURL(srv.URL))
	require.NoError(t, err)

	err = webhook.Deliver(context.Background(), "support", base.Message{UID: 1, Body: []byte(sampleBody)})
	assert.ErrorContains(t, err, "503")
}

func TestWebhookHonoursCancelledContext(t *testing.T) {
	webhook, err := NewWebhook(WithURL("http://127.0.0.1:1"), WithRate(0.001, 1))
	require.NoError(t, err)

	// drain the single token so the next call has to wait
	require.True(t, webhook.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = webhook.Deliver(ctx, "support", base.Message{UID: 1})
	assert.ErrorContains(t, err, "rate limit")
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(input.Body)
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Deliver(t *testing.T) {
	putter := &fakePutter{}
	archive := newS3WithClient("mail-archive", "/raw/", putter)

	err := archive.Deliver(context.Background(), "support/INBOX", base.Message{UID: 42, Body: []byte(sampleBody)})
	require.NoError(t, err)

	require.Len(t, putter.inputs, 1)
	input := putter.inputs[0]
	assert.Equal(t, "mail-archive", aws.StringValue(input.Bucket))
	assert.Equal(t, "raw/support_INBOX/42.eml", aws.StringValue(input.Key))
	assert.Equal(t, "message/rfc822", aws.StringValue(input.ContentType))
	assert.Equal(t, "42", aws.StringValue(input.Metadata["Uid"]))
	assert.Equal(t, "disk-full@example.com", aws.StringValue(input.Metadata["Message-Id"]))
	assert.Equal(t, []byte(sampleBody), putter.bodies[0])
}

func TestS3DeliverError(t *testing.T) {
	archive := newS3WithClient("mail-archive", "", &fakePutter{err: errors.New("AccessDenied")})

	err := archive.Deliver(context.Background(), "support", base.Message{UID: 7})
	assert.ErrorContains(t, err, "AccessDenied")
	assert.Equal(t, "support/7.eml", archive.Key("support", 7))
}

func TestLoggerDeliver(t *testing.T) {
	var buf bytes.Buffer
	deliverer := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, deliverer.Deliver(context.Background(), "support", base.Message{UID: 3, Body: []byte(sampleBody)}))
	assert.Contains(t, buf.String(), `"action":"Delivered message"`)
	assert.Contains(t, buf.String(), `"uid":3`)
	assert.Contains(t, buf.String(), "disk-full@example.com")
}
