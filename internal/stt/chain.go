package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tier is one backend in the chain's priority order.
type Tier struct {
	Name       string
	Recognizer Recognizer
	// Timeout bounds a single attempt. Zero means no deadline.
	Timeout time.Duration
}

// Outcome is the result of running a batch through the chain. Failed is set
// only when every tier failed; an empty Text with Failed unset means no speech.
type Outcome struct {
	Text   string
	Tier   string
	Failed bool
	Err    error
}

// Chain tries tiers strictly in order and stops at the first one that
// produces a result. Results from different tiers are never merged.
type Chain struct {
	tiers    []Tier
	log      *slog.Logger
	attempts metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewChain(tiers []Tier, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		tiers: append([]Tier(nil), tiers...),
		log:   logger.With(slog.String("component", "stt-chain")),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// Tiers returns the tier names in priority order.
func (c *Chain) Tiers() []string {
	names := make([]string, 0, len(c.tiers))
	for _, t := range c.tiers {
		names = append(names, t.Name)
	}
	return names
}

// Transcribe never returns an error; tier failures are logged and the next
// tier is tried.
func (c *Chain) Transcribe(ctx context.Context, a Audio) Outcome {
	var errs []error
	for _, tier := range c.tiers {
		start := time.Now()
		result, err := c.attempt(ctx, tier, a)
		c.record(ctx, tier.Name, time.Since(start), err)
		if err == nil {
			return Outcome{Text: result.Text, Tier: tier.Name}
		}
		c.log.Warn("transcription tier failed",
			slog.String("session_id", a.SessionID),
			slog.String("tier", tier.Name),
			slog.String("kind", KindOf(err).String()),
			slogError(err))
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no transcription tiers configured"))
	}
	return Outcome{Failed: true, Err: errors.Join(errs...)}
}

func (c *Chain) attempt(ctx context.Context, tier Tier, a Audio) (Result, error) {
	if tier.Timeout <= 0 {
		return c.invoke(ctx, tier, a)
	}

	ctx, cancel := context.WithTimeout(ctx, tier.Timeout)
	defer cancel()

	type reply struct {
		result Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := c.invoke(ctx, tier, a)
		done <- reply{result, err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, unavailable(tier.Name, fmt.Errorf("deadline %s exceeded: %w", tier.Timeout, ctx.Err()))
	}
}

func (c *Chain) invoke(ctx context.Context, tier Tier, a Audio) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failed(tier.Name, fmt.Errorf("recognizer panic: %v", r))
		}
	}()
	result, err = tier.Recognizer.Transcribe(ctx, a)
	if err != nil {
		return Result{}, asFailure(tier.Name, err)
	}
	return result, nil
}

func (c *Chain) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/stt")
	var err error
	if c.attempts, err = meter.Int64Counter("loqa.stt.attempts", metric.WithDescription("Transcription attempts per tier")); err != nil {
		return err
	}
	if c.failures, err = meter.Int64Counter("loqa.stt.failures", metric.WithDescription("Failed transcription attempts per tier")); err != nil {
		return err
	}
	c.latency, err = meter.Float64Histogram("loqa.stt.latency", metric.WithDescription("Transcription attempt latency"), metric.WithUnit("ms"))
	return err
}

func (c *Chain) record(ctx context.Context, tier string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if err != nil && c.failures != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("kind", KindOf(err).String()),
		))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
