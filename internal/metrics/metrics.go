// Package metrics exposes the pipeline's counters through OpenTelemetry.
// Without a configured meter provider the instruments are no-ops.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service-wide instruments.
type Metrics struct {
	SegmentsClosed    metric.Int64Counter
	FramesSent        metric.Int64Counter
	FramesDropped     metric.Int64Counter
	TranslationsFinal metric.Int64Counter
	SynthRequests     metric.Int64Counter
	SynthFallbacks    metric.Int64Counter
	AsrRestarts       metric.Int64Counter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("polyglotcast")

	m := &Metrics{}
	var err error

	if m.SegmentsClosed, err = meter.Int64Counter("polyglotcast.segments.closed",
		metric.WithDescription("Assembled segments emitted, by close reason")); err != nil {
		return nil, err
	}
	if m.FramesSent, err = meter.Int64Counter("polyglotcast.frames.sent",
		metric.WithDescription("Outbound frames written to connections")); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = meter.Int64Counter("polyglotcast.frames.dropped",
		metric.WithDescription("Outbound frames dropped under backpressure")); err != nil {
		return nil, err
	}
	if m.TranslationsFinal, err = meter.Int64Counter("polyglotcast.translations.final",
		metric.WithDescription("Final translations emitted, by target language")); err != nil {
		return nil, err
	}
	if m.SynthRequests, err = meter.Int64Counter("polyglotcast.synth.requests",
		metric.WithDescription("TTS synthesis requests, by tier")); err != nil {
		return nil, err
	}
	if m.SynthFallbacks, err = meter.Int64Counter("polyglotcast.synth.fallbacks",
		metric.WithDescription("TTS tier fallbacks taken")); err != nil {
		return nil, err
	}
	if m.AsrRestarts, err = meter.Int64Counter("polyglotcast.asr.restarts",
		metric.WithDescription("Silent ASR provider restarts")); err != nil {
		return nil, err
	}

	return m, nil
}

// Nop returns a Metrics value safe to use in tests.
func Nop() *Metrics {
	m, _ := New()
	return m
}

// Add is a nil-safe counter increment.
func Add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
