// Package engine defines the collaborator contracts for the speech providers:
// streaming recognition, translation, grammar correction, and synthesis.
// Implementations live under internal/speech/backends.
package engine

import (
	"context"
	"time"
)

// AsrEvent is one recognition hypothesis from a streaming provider.
// Seq is strictly increasing per stream. IsFinal marks token stability,
// not utterance end: finals keep extending the same segment.
type AsrEvent struct {
	Seq        uint64
	Text       string
	IsFinal    bool
	ProviderTS time.Time
}

// StreamConfig configures a recognition stream.
type StreamConfig struct {
	Language   string // BCP-47 source language tag
	SampleRate int    // Hz, for pcm16 input
	Encoding   string // "pcm16" or "opus"
	Model      string // provider model id, tier-dependent
	Interim    bool   // request partial hypotheses
}

// AsrStream is a live bidirectional recognition stream. Send pushes raw
// audio; Events yields hypotheses until the stream ends. CloseSend flushes
// the provider and lets a trailing final drain; Close aborts immediately.
type AsrStream interface {
	Send(ctx context.Context, frame []byte) error
	Events() <-chan AsrEvent
	CloseSend() error
	Close() error
}

// StreamingASR opens recognition streams against one provider.
type StreamingASR interface {
	Stream(ctx context.Context, cfg StreamConfig) (AsrStream, error)
	Close() error
}
