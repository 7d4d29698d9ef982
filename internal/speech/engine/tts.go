package engine

import "context"

// Fallback annotates a route that was taken after a higher tier failed.
type Fallback struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

// ResolvedRoute is the concrete engine/provider/voice tuple a synthesis
// request resolved to. Returned alongside every audio payload as an opaque
// diagnostic.
type ResolvedRoute struct {
	Tier          string    `json:"tier"`
	Engine        string    `json:"engine"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	VoiceName     string    `json:"voiceName"`
	LanguageCode  string    `json:"languageCode"`
	AudioEncoding string    `json:"audioEncoding"`
	Reason        string    `json:"reason"`
	FallbackFrom  *Fallback `json:"fallbackFrom,omitempty"`
}

// SSMLOptions tunes prosody for engines that accept SSML input.
type SSMLOptions struct {
	Rate        string  `json:"rate,omitempty"`
	Pitch       string  `json:"pitch,omitempty"`
	BreakMs     int     `json:"breakMs,omitempty"`
	EmphasisLvl string  `json:"emphasis,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
}

// VoiceKnobs tunes engines with continuous voice controls (elevenlabs tiers).
type VoiceKnobs struct {
	Stability  float64 `json:"stability,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Style      float64 `json:"style,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

// SynthRequest is one synthesis call, already routed to a concrete engine.
type SynthRequest struct {
	Text          string
	LanguageCode  string
	VoiceName     string
	Model         string
	AudioEncoding string
	SampleRateHz  int
	SSML          *SSMLOptions
	Knobs         *VoiceKnobs
	Prompt        string  // prompt-steerable engines only
	Intensity     float64 // 0..1 prompt intensity
}

// SynthResult is a complete (unary) synthesis payload.
type SynthResult struct {
	Audio        []byte
	MimeType     string
	DurationMs   int64
	SampleRateHz int
}

// AudioChunk is one frame of a streaming synthesis. Chunks play in Seq
// order; the last chunk carries IsLast and may be empty.
type AudioChunk struct {
	Seq      int
	IsLast   bool
	Data     []byte
	MimeType string
}

// Voice describes an available synthesis voice.
type Voice struct {
	ID       string
	Name     string
	Language string
}

// Synthesizer converts text to audio on one provider engine.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error)
	SynthesizeStream(ctx context.Context, req SynthRequest) (<-chan AudioChunk, error)
	Voices() []Voice
	Close() error
}
