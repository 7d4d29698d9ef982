package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through a session hub.
type EventType string

const (
	SessionCreated EventType = "session.created"
	SessionEnded   EventType = "session.ended"

	ListenerJoined  EventType = "listener.joined"
	ListenerLeft    EventType = "listener.left"
	LanguageChanged EventType = "listener.language_changed"

	SegmentPartial EventType = "segment.partial"
	SegmentClosed  EventType = "segment.closed"

	TranslationPartial EventType = "translation.partial"
	TranslationFinal   EventType = "translation.final"

	TTSRequested EventType = "tts.requested"
	TTSReady     EventType = "tts.ready"
	TTSFailed    EventType = "tts.failed"

	QuotaWarning  EventType = "quota.warning"
	QuotaExceeded EventType = "quota.exceeded"

	BackpressureDrop EventType = "backpressure.drop"
	SystemError      EventType = "error"
)

// Envelope is the standard event wrapper fanned out to hub subscribers.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionCreatedData is the payload for session.created events.
type SessionCreatedData struct {
	Code       string `json:"code"`
	TenantID   string `json:"tenant_id"`
	SourceLang string `json:"source_lang"`
	Tier       string `json:"tier"`
}

// SessionEndedData is the payload for session.ended events.
type SessionEndedData struct {
	Reason     string `json:"reason"`
	DurationMs int64  `json:"duration_ms"`
}

// ListenerData is the payload for listener join/leave/language events.
type ListenerData struct {
	ListenerID string `json:"listener_id"`
	TargetLang string `json:"target_lang"`
	Name       string `json:"name,omitempty"`
}

// SegmentClosedData is the payload for segment.closed events.
type SegmentClosedData struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
	Reason    string `json:"reason"`
}

// TranslationData is the payload for translation.partial/final events.
type TranslationData struct {
	SegmentID      string `json:"segment_id"`
	TargetLang     string `json:"target_lang"`
	TranslatedText string `json:"translated_text"`
	IsPartial      bool   `json:"is_partial"`
}

// TTSEventData is the payload for tts.* events.
type TTSEventData struct {
	ListenerID string `json:"listener_id"`
	SegmentID  string `json:"segment_id"`
	Tier       string `json:"tier,omitempty"`
	Error      string `json:"error,omitempty"`
}

// QuotaData is the payload for quota.warning and quota.exceeded events.
type QuotaData struct {
	TenantID    string  `json:"tenant_id"`
	PercentUsed float64 `json:"percent_used"`
}

// BackpressureData is the payload for backpressure.drop events.
type BackpressureData struct {
	ConnectionID string `json:"connection_id"`
	Dropped      int64  `json:"dropped"`
}
