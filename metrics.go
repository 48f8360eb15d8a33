package twopc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	begun    metric.Int64Counter
	ended    metric.Int64Counter
	active   metric.Int64UpDownCounter
	aborted  metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	begun, err := meter.Int64Counter(
		"twopc.transactions.begun",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	ended, err := meter.Int64Counter(
		"twopc.transactions.ended",
		metric.WithDescription("Total number of transactions that reached a terminal status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"twopc.transactions.active",
		metric.WithDescription("Number of transactions not yet terminal."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborted, err := meter.Int64Counter(
		"twopc.transactions.expired",
		metric.WithDescription("Total number of transactions aborted because their deadline elapsed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"twopc.transactions.duration",
		metric.WithDescription("Time from begin to terminal status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		begun:    begun,
		ended:    ended,
		active:   active,
		aborted:  aborted,
		duration: duration,
	}, nil
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *metrics) transactionBegun(ctx context.Context) {
	m.begun.Add(ctx, 1)
	m.active.Add(ctx, 1)
}

func (m *metrics) transactionEnded(ctx context.Context, tx *Transaction, status Status, now time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	m.ended.Add(ctx, 1, attrs)
	m.active.Add(ctx, -1)
	m.duration.Record(ctx, now.Sub(tx.createdAt).Seconds(), attrs)
}

func (m *metrics) transactionExpired(ctx context.Context) {
	m.aborted.Add(ctx, 1)
}
