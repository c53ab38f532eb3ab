package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	MetricReconnects = "mailwatch.reconnects"
	MetricDelivered  = "mailwatch.messages.delivered"
	MetricFailed     = "mailwatch.messages.failed"
	MetricIdleCycles = "mailwatch.idle.cycles"
)

// Instruments groups the counters recorded by connections and mailboxes.
type Instruments struct {
	reconnects metric.Int64Counter
	delivered  metric.Int64Counter
	failed     metric.Int64Counter
	idleCycles metric.Int64Counter
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	reconnects, err := meter.Int64Counter(MetricReconnects,
		metric.WithDescription("Session resets after a fault"))
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter(MetricDelivered,
		metric.WithDescription("Messages handed off successfully"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter(MetricFailed,
		metric.WithDescription("Messages whose delivery reported failure"))
	if err != nil {
		return nil, err
	}
	idleCycles, err := meter.Int64Counter(MetricIdleCycles,
		metric.WithDescription("Completed IDLE calls"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		reconnects: reconnects,
		delivered:  delivered,
		failed:     failed,
		idleCycles: idleCycles,
	}, nil
}

// DefaultInstruments uses the global meter provider, falling back to no-op
// counters if registration fails.
func DefaultInstruments() *Instruments {
	instruments, err := NewInstruments(otel.Meter(ScopeName))
	if err != nil {
		instruments, _ = NewInstruments(noop.NewMeterProvider().Meter(ScopeName))
	}
	return instruments
}

func (i *Instruments) Reconnected(ctx context.Context, mailbox string) {
	i.add(ctx, i.reconnects, mailbox)
}

func (i *Instruments) Delivered(ctx context.Context, mailbox string) {
	i.add(ctx, i.delivered, mailbox)
}

func (i *Instruments) Failed(ctx context.Context, mailbox string) {
	i.add(ctx, i.failed, mailbox)
}

func (i *Instruments) IdleCycle(ctx context.Context, mailbox string) {
	i.add(ctx, i.idleCycles, mailbox)
}

func (i *Instruments) add(ctx context.Context, counter metric.Int64Counter, mailbox string) {
	if i == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("mailbox", mailbox)))
}
