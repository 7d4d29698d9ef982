// Package asr supervises one provider recognition stream per session. The
// adapter assigns monotonic sequence numbers, buffers a short audio tail so
// a transient provider failure can be bridged with a silent restart, and
// watches the audio energy for hard silence boundaries.
package asr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/speech/codec"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

const (
	// tailWindow is how much trailing audio is kept for restart replay.
	tailWindow = 2 * time.Second
	// failureWindow turns a second provider failure into a session error.
	failureWindow = 10 * time.Second
	// flushBudget bounds the wait for a trailing final on close.
	flushBudget = 500 * time.Millisecond
)

// Config describes one recognition session.
type Config struct {
	Tier       string // "basic" or "premium"
	Language   string // BCP-47 source language
	SampleRate int    // Hz of the PCM16 input
	Provider   map[string]string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// routeTier maps a session tier onto a registered backend and model.
func routeTier(tier string) (backend, model string) {
	switch tier {
	case "premium":
		return "google", "latest_long"
	default:
		return "google", "default"
	}
}

// Adapter drives a provider stream and re-dials it once on transient
// failure. Send is called by the session task; events are pumped by an
// internal goroutine.
type Adapter struct {
	cfg       Config
	eng       engine.StreamingASR
	streamCfg engine.StreamConfig
	logger    *slog.Logger

	events     chan engine.AsrEvent
	boundaries chan struct{}

	silence *codec.SilenceTracker

	mu           sync.Mutex
	stream       engine.AsrStream
	generation   int
	seq          uint64
	lastFail     time.Time
	tail         *tailBuffer
	failed       error
	closing      bool
	eventsClosed bool

	done chan struct{}
}

// closeEvents closes the event channel exactly once. Callers must not
// hold mu.
func (a *Adapter) closeEvents() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.eventsClosed {
		a.eventsClosed = true
		close(a.events)
	}
}

// New dials the tier's backend and opens the first stream.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}

	backend, model := routeTier(cfg.Tier)
	eng, err := registry.ASR.Create(backend, cfg.Provider)
	if err != nil {
		return nil, fault.Wrap(fault.AsrFailed, "create recognition backend", err)
	}

	sc := codec.DefaultSilenceConfig()
	sc.SampleRate = cfg.SampleRate

	a := &Adapter{
		cfg:    cfg,
		eng:    eng,
		logger: cfg.Logger.With(slog.String("component", "asr"), slog.String("tier", cfg.Tier)),
		streamCfg: engine.StreamConfig{
			Language:   cfg.Language,
			SampleRate: cfg.SampleRate,
			Encoding:   "pcm16",
			Model:      model,
			Interim:    true,
		},
		events:     make(chan engine.AsrEvent, 64),
		boundaries: make(chan struct{}, 4),
		silence:    codec.NewSilenceTracker(sc),
		tail:       newTailBuffer(tailWindow, cfg.SampleRate),
		done:       make(chan struct{}),
	}

	stream, err := eng.Stream(ctx, a.streamCfg)
	if err != nil {
		return nil, fault.Wrap(fault.AsrFailed, "open recognition stream", err)
	}
	a.stream = stream
	go a.pump(stream, a.generation)
	return a, nil
}

// Events yields recognition hypotheses. The channel closes when the
// adapter is closed or gives up; Err reports why.
func (a *Adapter) Events() <-chan engine.AsrEvent { return a.events }

// Boundaries signals sustained silence in the input audio. The session
// task closes the open segment with a hard boundary on each signal.
func (a *Adapter) Boundaries() <-chan struct{} { return a.boundaries }

// Err reports the terminal failure after Events closes, or nil on a
// clean shutdown.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

// Send forwards one PCM16 frame to the provider.
func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	if a.failed != nil || a.closing {
		err := a.failed
		a.mu.Unlock()
		if err == nil {
			err = fault.New(fault.InvalidState, "adapter closed")
		}
		return err
	}
	a.tail.push(frame)
	stream := a.stream
	a.mu.Unlock()

	if a.silence.Observe(frame) {
		select {
		case a.boundaries <- struct{}{}:
		default:
		}
	}

	if err := stream.Send(ctx, frame); err != nil {
		return a.handleFailure(ctx, err)
	}
	return nil
}

// Close flushes the provider and waits briefly for a trailing final.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	stream := a.stream
	a.mu.Unlock()

	if stream != nil {
		_ = stream.CloseSend()
		select {
		case <-a.done:
		case <-time.After(flushBudget):
		}
		_ = stream.Close()
	}
	a.closeEvents()
	return a.eng.Close()
}

// pump copies provider events out, re-stamping sequence numbers so they
// stay monotonic across restarts. A channel close without CloseSend is a
// provider failure.
func (a *Adapter) pump(stream engine.AsrStream, generation int) {
	for ev := range stream.Events() {
		a.mu.Lock()
		if a.closing || a.eventsClosed || generation != a.generation {
			a.mu.Unlock()
			return
		}
		a.seq++
		ev.Seq = a.seq
		select {
		case a.events <- ev:
		default:
			a.logger.Warn("recognition event dropped, consumer stalled",
				slog.Uint64("seq", ev.Seq))
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	closing, stale := a.closing, generation != a.generation
	a.mu.Unlock()
	if closing {
		select {
		case a.done <- struct{}{}:
		default:
		}
		return
	}
	if !stale {
		_ = a.handleFailure(context.Background(),
			fault.New(fault.ProviderTransient, "recognition stream ended"))
	}
}

// handleFailure performs the single silent restart, replaying the tail.
// A second failure inside failureWindow is terminal.
func (a *Adapter) handleFailure(ctx context.Context, cause error) error {
	a.mu.Lock()
	if a.closing || a.failed != nil {
		a.mu.Unlock()
		return cause
	}
	now := time.Now()
	if !a.lastFail.IsZero() && now.Sub(a.lastFail) < failureWindow {
		a.failed = fault.Wrap(fault.AsrFailed, "recognition failed twice in a row", cause)
		a.generation++
		old := a.stream
		a.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		a.logger.Error("recognition stream failed permanently", slog.Any("error", cause))
		a.closeEvents()
		return a.Err()
	}
	a.lastFail = now
	a.generation++
	generation := a.generation
	old := a.stream
	replay := a.tail.frames()
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	a.logger.Warn("recognition stream failed, restarting", slog.Any("error", cause))
	metrics.Add(ctx, a.cfg.Metrics.AsrRestarts, 1)

	stream, err := a.eng.Stream(ctx, a.streamCfg)
	if err != nil {
		a.mu.Lock()
		a.failed = fault.Wrap(fault.AsrFailed, "reopen recognition stream", err)
		a.mu.Unlock()
		a.closeEvents()
		return a.Err()
	}

	for _, frame := range replay {
		if err := stream.Send(ctx, frame); err != nil {
			break
		}
	}

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()
	go a.pump(stream, generation)
	return nil
}
