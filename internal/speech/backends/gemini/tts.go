// Package gemini implements the prompt-steerable ultra-HD synthesis tier
// over the Generative Language REST API.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/polyglotcast/polyglotcast/internal/speech/backends/restutil"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.TTS.Register("gemini", func(config map[string]string) (engine.Synthesizer, error) {
		apiKey := config["gemini_api_key"]
		if apiKey == "" {
			apiKey = config["api_key"]
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key required (set gemini_api_key in config)")
		}
		model := config["model"]
		if model == "" {
			model = "gemini-2.5-flash-preview-tts"
		}
		return &TTS{apiKey: apiKey, model: model}, nil
	})
}

// TTS implements engine.Synthesizer via generateContent with an AUDIO
// response modality. The synthesis prompt carries delivery steering.
type TTS struct {
	apiKey string
	model  string
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

const streamChunkBytes = 8192

// Synthesize produces the complete audio payload for req.
func (g *TTS) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	apiURL := fmt.Sprintf(
		"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s",
		g.model, g.apiKey)

	voice := req.VoiceName
	if voice == "" {
		voice = "Kore"
	}

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: steeredText(req)}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: voice}},
			},
		},
	}

	var resp generateResponse
	if err := restutil.DoJSON(ctx, "POST", apiURL, nil, body, &resp); err != nil {
		return engine.SynthResult{}, fmt.Errorf("gemini TTS: %w", err)
	}

	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return engine.SynthResult{}, fmt.Errorf("gemini TTS decode audio: %w", err)
			}
			return engine.SynthResult{
				Audio:        audio,
				MimeType:     p.InlineData.MimeType,
				SampleRateHz: 24000,
			}, nil
		}
	}
	return engine.SynthResult{}, fmt.Errorf("gemini TTS: no audio in response")
}

// SynthesizeStream synthesizes req and delivers the audio as ordered chunks.
func (g *TTS) SynthesizeStream(ctx context.Context, req engine.SynthRequest) (<-chan engine.AudioChunk, error) {
	res, err := g.Synthesize(ctx, req)
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

// Voices lists the prebuilt Gemini voices.
func (g *TTS) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "Kore", Name: "Kore", Language: "multi"},
		{ID: "Puck", Name: "Puck", Language: "multi"},
		{ID: "Charon", Name: "Charon", Language: "multi"},
		{ID: "Fenrir", Name: "Fenrir", Language: "multi"},
	}
}

// Close releases the backend.
func (g *TTS) Close() error { return nil }

// steeredText prefixes the text with a delivery instruction when the
// request carries a prompt. Intensity softens or sharpens the wording.
func steeredText(req engine.SynthRequest) string {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return req.Text
	}
	switch {
	case req.Intensity > 0 && req.Intensity < 0.34:
		prompt = "With a hint of the following delivery: " + prompt
	case req.Intensity >= 0.67:
		prompt = "Strongly " + lowerFirst(prompt)
	}
	return prompt + ": " + req.Text
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
