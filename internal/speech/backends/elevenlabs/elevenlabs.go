// Package elevenlabs implements the ElevenLabs synthesis backend, serving
// the elevenlabs_* tiers with their stability/similarity/style/speed knobs.
package elevenlabs

import (
	"context"
	"fmt"
	"strings"

	"github.com/polyglotcast/polyglotcast/internal/speech/backends/restutil"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.TTS.Register("elevenlabs", func(config map[string]string) (engine.Synthesizer, error) {
		apiKey := config["elevenlabs_api_key"]
		if apiKey == "" {
			apiKey = config["api_key"]
		}
		if apiKey == "" {
			return nil, fmt.Errorf("elevenlabs API key required (set elevenlabs_api_key in config)")
		}
		model := config["model"]
		if model == "" {
			model = "eleven_multilingual_v2"
		}
		return &TTS{apiKey: apiKey, model: model}, nil
	})
}

// TTS implements engine.Synthesizer using the ElevenLabs REST API.
type TTS struct {
	apiKey string
	model  string
}

type synthRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

const streamChunkBytes = 8192

// Synthesize produces the complete audio payload for req.
func (e *TTS) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	voice := req.VoiceName
	if voice == "" {
		voice = "21m00Tcm4TlvDq8ikWAM" // Rachel
	}
	model := req.Model
	if model == "" {
		model = e.model
	}

	format := outputFormat(req.AudioEncoding, req.SampleRateHz)
	apiURL := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s", voice, format)

	headers := map[string]string{"xi-api-key": e.apiKey}

	settings := voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if k := req.Knobs; k != nil {
		if k.Stability > 0 {
			settings.Stability = k.Stability
		}
		if k.Similarity > 0 {
			settings.SimilarityBoost = k.Similarity
		}
		settings.Style = k.Style
		settings.Speed = k.Speed
	}

	body := synthRequest{Text: req.Text, ModelID: model, VoiceSettings: settings}

	var payload []byte
	payload, err := restutil.DoRawJSON(ctx, "POST", apiURL, headers, body)
	if err != nil {
		return engine.SynthResult{}, fmt.Errorf("elevenlabs TTS: %w", err)
	}

	return engine.SynthResult{
		Audio:        payload,
		MimeType:     mimeForFormat(format),
		SampleRateHz: req.SampleRateHz,
	}, nil
}

// SynthesizeStream synthesizes req and delivers the audio as ordered chunks.
func (e *TTS) SynthesizeStream(ctx context.Context, req engine.SynthRequest) (<-chan engine.AudioChunk, error) {
	if strings.EqualFold(req.AudioEncoding, "MP3") {
		return nil, fmt.Errorf("elevenlabs TTS: MP3 not supported in streaming mode")
	}

	res, err := e.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan engine.AudioChunk, 8)
	go func() {
		defer close(out)
		seq := 0
		for off := 0; off < len(res.Audio); off += streamChunkBytes {
			end := off + streamChunkBytes
			if end > len(res.Audio) {
				end = len(res.Audio)
			}
			chunk := engine.AudioChunk{
				Seq:      seq,
				IsLast:   end == len(res.Audio),
				Data:     res.Audio[off:end],
				MimeType: res.MimeType,
			}
			seq++
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Voices lists a representative subset; the full set comes from the catalog.
func (e *TTS) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel", Language: "en"},
		{ID: "AZnzlk1XvdvUeBnXmlld", Name: "Domi", Language: "en"},
		{ID: "EXAVITQu4vr4xnSDxMaL", Name: "Bella", Language: "en"},
		{ID: "ErXwobaYiN019PkySvjV", Name: "Antoni", Language: "en"},
	}
}

// Close releases the backend.
func (e *TTS) Close() error { return nil }

func outputFormat(encoding string, sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	switch strings.ToUpper(encoding) {
	case "MP3":
		return "mp3_44100_128"
	case "OGG_OPUS":
		return "opus_48000_64"
	case "MULAW":
		return fmt.Sprintf("ulaw_%d", sampleRate)
	case "ALAW":
		return fmt.Sprintf("alaw_%d", sampleRate)
	default: // LINEAR16, PCM
		return fmt.Sprintf("pcm_%d", sampleRate)
	}
}

func mimeForFormat(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "opus"):
		return "audio/ogg"
	case strings.HasPrefix(format, "ulaw"), strings.HasPrefix(format, "alaw"):
		return "audio/basic"
	default:
		return "audio/l16"
	}
}
