package protocol

import (
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
)

// SessionReady confirms a host connection; SessionJoined the listener side.
type SessionReady struct {
	Type        string `json:"type"`
	SessionCode string `json:"sessionCode"`
}

// Transcript is the host's own caption stream in the source language.
type Transcript struct {
	Type      string `json:"type"`
	SegmentID string `json:"segmentId"`
	Text      string `json:"text"`
	IsPartial bool   `json:"isPartial"`
	Timestamp int64  `json:"timestamp"`
}

// Translation is one caption frame for a target language.
type Translation struct {
	Type           string `json:"type"`
	SegmentID      string `json:"segmentId"`
	OriginalText   string `json:"originalText"`
	CorrectedText  string `json:"correctedText,omitempty"`
	TranslatedText string `json:"translatedText"`
	IsPartial      bool   `json:"isPartial"`
	ForceFinal     bool   `json:"forceFinal,omitempty"`
	TargetLang     string `json:"targetLang"`
	SourceLang     string `json:"sourceLang"`
	HasTranslation bool   `json:"hasTranslation"`
	Timestamp      int64  `json:"timestamp"`
}

// SessionStats is the periodic listener census pushed to the host.
type SessionStats struct {
	Type  string        `json:"type"`
	Stats SessionCensus `json:"stats"`
}

// SessionCensus is the stats payload body.
type SessionCensus struct {
	ListenerCount  int            `json:"listenerCount"`
	LanguageCounts map[string]int `json:"languageCounts"`
}

// Quota carries quota_warning and quota_exceeded frames.
type Quota struct {
	Type        string   `json:"type"`
	PercentUsed float64  `json:"percentUsed"`
	Message     string   `json:"message"`
	Actions     []string `json:"actions,omitempty"`
}

// ServerError is a non-fatal error surfaced to the peer.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Pong answers a client ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TTSAck confirms a tts control action.
type TTSAck struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// TTSAudioPayload is the unary audio body.
type TTSAudioPayload struct {
	BytesBase64  string `json:"bytesBase64"`
	MimeType     string `json:"mimeType"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	SampleRateHz int    `json:"sampleRateHz,omitempty"`
}

// TTSAudio delivers one complete synthesized segment.
type TTSAudio struct {
	Type          string               `json:"type"`
	SegmentID     string               `json:"segmentId"`
	Mode          string               `json:"mode"`
	Audio         TTSAudioPayload      `json:"audio"`
	ResolvedRoute engine.ResolvedRoute `json:"resolvedRoute"`
}

// TTSAudioChunk delivers one streaming synthesis frame.
type TTSAudioChunk struct {
	Type        string `json:"type"`
	SegmentID   string `json:"segmentId"`
	Seq         int    `json:"seq"`
	IsLast      bool   `json:"isLast"`
	ChunkBase64 string `json:"chunkBase64"`
	MimeType    string `json:"mimeType"`
}

// TTSError reports a per-segment synthesis failure.
type TTSError struct {
	Type      string `json:"type"`
	SegmentID string `json:"segmentId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
