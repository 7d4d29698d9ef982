// Package protocol defines the JSON frames exchanged over session
// connections. Every frame carries a "type" discriminator; unknown or
// malformed client frames decode to an error and are dropped by the
// gateway without closing the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame types.
const (
	TypeInit           = "init"
	TypeAudio          = "audio"
	TypeAudioEnd       = "audio_end"
	TypePing           = "ping"
	TypeChangeLanguage = "change_language"
	TypeTTSStart       = "tts/start"
	TypeTTSStop        = "tts/stop"
	TypeTTSPause       = "tts/pause"
	TypeTTSResume      = "tts/resume"
	TypeTTSSynthesize  = "tts/synthesize"
)

// Server frame types.
const (
	TypeSessionReady  = "session_ready"
	TypeSessionJoined = "session_joined"
	TypeTranscript    = "transcript"
	TypeTranslation   = "translation"
	TypeSessionStats  = "session_stats"
	TypeQuotaWarning  = "quota_warning"
	TypeQuotaExceeded = "quota_exceeded"
	TypeError         = "error"
	TypePong          = "pong"
	TypeTTSAck        = "tts/ack"
	TypeTTSAudio      = "tts/audio"
	TypeTTSAudioChunk = "tts/audio_chunk"
	TypeTTSError      = "tts/error"
)

// DecodeError reports a malformed or unsupported client frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "protocol", Message: message, Param: param}
}

// Init reconfigures session parameters before the first audio frame.
type Init struct {
	Type       string `json:"type"`
	SourceLang string `json:"sourceLang"`
	Tier       string `json:"tier,omitempty"`
}

// Audio is one host audio chunk, PCM16 or opus, base64-wrapped.
type Audio struct {
	Type      string `json:"type"`
	AudioData string `json:"audioData"`
	Streaming bool   `json:"streaming,omitempty"`
}

// AudioEnd flushes and closes the recognition stream.
type AudioEnd struct {
	Type string `json:"type"`
}

// Ping is the client keepalive.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ChangeLanguage switches a listener's target language.
type ChangeLanguage struct {
	Type       string `json:"type"`
	TargetLang string `json:"targetLang"`
}

// TTSStart arms a listener's radio queue.
type TTSStart struct {
	Type               string            `json:"type"`
	LanguageCode       string            `json:"languageCode"`
	VoiceName          string            `json:"voiceName,omitempty"`
	Tier               string            `json:"tier,omitempty"`
	Mode               string            `json:"mode,omitempty"`
	SSMLOptions        map[string]string `json:"ssmlOptions,omitempty"`
	PromptPresetID     string            `json:"promptPresetId,omitempty"`
	TTSPrompt          string            `json:"ttsPrompt,omitempty"`
	Intensity          float64           `json:"intensity,omitempty"`
	StartFromSegmentID string            `json:"startFromSegmentId,omitempty"`
}

// TTSControl covers tts/stop, tts/pause, and tts/resume.
type TTSControl struct {
	Type string `json:"type"`
}

// TTSSynthesize requests manual synthesis of one segment.
type TTSSynthesize struct {
	Type         string            `json:"type"`
	SegmentID    string            `json:"segmentId"`
	Text         string            `json:"text"`
	LanguageCode string            `json:"languageCode"`
	VoiceName    string            `json:"voiceName,omitempty"`
	Tier         string            `json:"tier,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	SSMLOptions  map[string]string `json:"ssmlOptions,omitempty"`
}

// DecodeClientFrame parses one client frame into its typed form.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeInit:
		var msg Init
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid init frame", "")
		}
		if strings.TrimSpace(msg.SourceLang) == "" {
			return nil, badFrame("init.sourceLang is required", "sourceLang")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio frame", "")
		}
		if msg.AudioData == "" {
			return nil, badFrame("audio.audioData is required", "audioData")
		}
		return msg, nil
	case TypeAudioEnd:
		return AudioEnd{Type: typ}, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ping frame", "")
		}
		return msg, nil
	case TypeChangeLanguage:
		var msg ChangeLanguage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid change_language frame", "")
		}
		if strings.TrimSpace(msg.TargetLang) == "" {
			return nil, badFrame("change_language.targetLang is required", "targetLang")
		}
		return msg, nil
	case TypeTTSStart:
		var msg TTSStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tts/start frame", "")
		}
		if strings.TrimSpace(msg.LanguageCode) == "" {
			return nil, badFrame("tts/start.languageCode is required", "languageCode")
		}
		switch msg.Mode {
		case "", "unary", "streaming":
		default:
			return nil, badFrame("tts/start.mode must be unary or streaming", "mode")
		}
		return msg, nil
	case TypeTTSStop, TypeTTSPause, TypeTTSResume:
		return TTSControl{Type: typ}, nil
	case TypeTTSSynthesize:
		var msg TTSSynthesize
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tts/synthesize frame", "")
		}
		if strings.TrimSpace(msg.SegmentID) == "" {
			return nil, badFrame("tts/synthesize.segmentId is required", "segmentId")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badFrame("tts/synthesize.text is required", "text")
		}
		return msg, nil
	default:
		return nil, badFrame("unsupported frame type", "type")
	}
}
