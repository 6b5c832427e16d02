package capture

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	chunks   metric.Int64Counter
	batches  metric.Int64Counter
	wordsOut metric.Int64Counter
}

func newMetrics(registry *Registry, acc *Accumulator) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/capture")
	chunks, err := meter.Int64Counter("loqa.capture.chunks", metric.WithDescription("Audio chunks received"))
	if err != nil {
		return nil, err
	}
	batches, err := meter.Int64Counter("loqa.capture.batches", metric.WithDescription("Batches processed by outcome"))
	if err != nil {
		return nil, err
	}
	words, err := meter.Int64Counter("loqa.capture.words", metric.WithDescription("Words written to the session store"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("loqa.capture.sessions.active", metric.WithDescription("Connections with an active session"))
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Int64ObservableGauge("loqa.capture.sessions.buffered", metric.WithDescription("Sessions holding audio state"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(registry.Active()))
		obs.ObserveInt64(buffered, int64(acc.Sessions()))
		return nil
	}, active, buffered)
	if err != nil {
		return nil, err
	}
	return &metrics{chunks: chunks, batches: batches, wordsOut: words}, nil
}

func (m *metrics) chunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}

func (m *metrics) batch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) words(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.wordsOut.Add(ctx, int64(n))
}
