package mailbox

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"aaronromeo.com/mailwatch/internal/ledger"
	"aaronromeo.com/mailwatch/pkg/mock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	err       error
	mailboxes []string
	uids      []uint32
}

func (r *recordingDeliverer) Deliver(_ context.Context, mailbox string, msg base.Message) error {
	r.mailboxes = append(r.mailboxes, mailbox)
	r.uids = append(r.uids, msg.UID)
	return r.err
}

type brokenLedger struct{}

func (brokenLedger) Delivered(string, uint32) (bool, error) {
	return false, errors.New("database not open")
}

func (brokenLedger) Record(string, uint32, time.Time) error {
	return errors.New("database not open")
}

func testConfig() config.Mailbox {
	return config.Mailbox{Name: "INBOX", Email: "user@example.com", Context: "support"}
}

func TestNewDefaultsToConfiguredDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery = config.Delivery{Method: "fax"}
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unsupported delivery method")

	cfg.Delivery = config.Delivery{Method: config.DeliveryLogger}
	mb, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "support", mb.Label())
	assert.Equal(t, cfg, mb.Config())
}

func TestLoggerCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	mb, err := New(testConfig(),
		WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))),
		WithDeliverer(&recordingDeliverer{}),
	)
	require.NoError(t, err)

	mb.Logger().Info("Setting up watcher")
	assert.Contains(t, buf.String(), `"context":"support"`)
}

func TestDeliverWithLedger(t *testing.T) {
	l, err := ledger.NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	deliverer := &recordingDeliverer{}
	mb, err := New(testConfig(),
		WithLogger(mock.SetupLogger(t)),
		WithDeliverer(deliverer),
		WithLedger(l),
	)
	require.NoError(t, err)

	assert.True(t, mb.ShouldDeliver(11))

	ok, err := mb.Deliver(context.Background(), base.Message{UID: 11})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"support"}, deliverer.mailboxes)

	assert.False(t, mb.ShouldDeliver(11), "delivered UIDs are vetoed")
	assert.True(t, mb.ShouldDeliver(12))
}

func TestDeliverFailureIsNotAnError(t *testing.T) {
	l, err := ledger.NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	mb, err := New(testConfig(),
		WithLogger(mock.SetupLogger(t)),
		WithDeliverer(&recordingDeliverer{err: errors.New("webhook returned 503")}),
		WithLedger(l),
	)
	require.NoError(t, err)

	ok, err := mb.Deliver(context.Background(), base.Message{UID: 5})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mb.ShouldDeliver(5), "failed deliveries are retried")
}

func TestShouldDeliverWithoutLedger(t *testing.T) {
	mb, err := New(testConfig(), WithDeliverer(&recordingDeliverer{}))
	require.NoError(t, err)
	assert.True(t, mb.ShouldDeliver(1))
}

func TestBrokenLedgerFailsOpen(t *testing.T) {
	mb, err := New(testConfig(),
		WithLogger(mock.SetupLogger(t)),
		WithDeliverer(&recordingDeliverer{}),
		WithLedger(brokenLedger{}),
	)
	require.NoError(t, err)

	assert.True(t, mb.ShouldDeliver(1))
	ok, err := mb.Deliver(context.Background(), base.Message{UID: 1})
	assert.NoError(t, err)
	assert.True(t, ok)
}
