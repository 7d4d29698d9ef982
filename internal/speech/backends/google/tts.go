package google

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
	registry.TTS.Register("google", func(config map[string]string) (engine.Synthesizer, error) {
		apiKey := config["google_api_key"]
		if apiKey == "" {
			apiKey = config["api_key"]
		}
		if apiKey == "" {
			return nil, fmt.Errorf("google API key required (set google_api_key in config)")
		}
		return &TTS{apiKey: apiKey}, nil
	})
}

// TTS implements engine.Synthesizer using the Cloud Text-to-Speech REST API.
// It serves the chirp_hd, neural2, and standard tiers; the voice name picks
// the model family.
type TTS struct {
	apiKey string
}

type synthRequest struct {
	Input       synthInput       `json:"input"`
	Voice       synthVoice       `json:"voice"`
	AudioConfig synthAudioConfig `json:"audioConfig"`
}

type synthInput struct {
	Text string `json:"text,omitempty"`
	SSML string `json:"ssml,omitempty"`
}

type synthVoice struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type synthAudioConfig struct {
	AudioEncoding   string `json:"audioEncoding"`
	SampleRateHertz int    `json:"sampleRateHertz,omitempty"`
}

type synthResponse struct {
	AudioContent string `json:"audioContent"` // base64-encoded
}

const streamChunkBytes = 8192

// Synthesize produces the complete audio payload for req.
func (g *TTS) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	apiURL := "https://texttospeech.googleapis.com/v1/text:synthesize?key=" + g.apiKey

	encoding := req.AudioEncoding
	if encoding == "" {
		encoding = "MP3"
	}

	body := synthRequest{
		Voice: synthVoice{
			LanguageCode: req.LanguageCode,
			Name:         req.VoiceName,
		},
		AudioConfig: synthAudioConfig{
			AudioEncoding:   encoding,
			SampleRateHertz: req.SampleRateHz,
		},
	}
	if req.SSML != nil {
		body.Input.SSML = buildSSML(req.Text, req.SSML)
	} else {
		body.Input.Text = req.Text
	}

	var resp synthResponse
	if err := restutil.DoJSON(ctx, "POST", apiURL, nil, body, &resp); err != nil {
		return engine.SynthResult{}, fmt.Errorf("google TTS: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return engine.SynthResult{}, fmt.Errorf("google TTS decode audio: %w", err)
	}

	return engine.SynthResult{
		Audio:        audio,
		MimeType:     mimeFor(encoding),
		SampleRateHz: req.SampleRateHz,
	}, nil
}

// SynthesizeStream synthesizes req and delivers the audio as ordered chunks.
// MP3 is not a valid streaming encoding; callers route around it.
func (g *TTS) SynthesizeStream(ctx context.Context, req engine.SynthRequest) (<-chan engine.AudioChunk, error) {
	if strings.EqualFold(req.AudioEncoding, "MP3") {
		return nil, fmt.Errorf("google TTS: MP3 not supported in streaming mode")
	}

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

// Voices lists a representative subset; the full set comes from the catalog.
func (g *TTS) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "en-US-Chirp3-HD-Charon", Name: "Chirp3 HD Charon", Language: "en-US"},
		{ID: "en-US-Neural2-A", Name: "Neural2 A", Language: "en-US"},
		{ID: "es-ES-Neural2-B", Name: "Neural2 B", Language: "es-ES"},
		{ID: "en-US-Standard-C", Name: "Standard C", Language: "en-US"},
	}
}

// Close releases the backend.
func (g *TTS) Close() error { return nil }

func buildSSML(text string, opts *engine.SSMLOptions) string {
	var b strings.Builder
	b.WriteString("<speak>")

	prosody := make([]string, 0, 2)
	if opts.Rate != "" {
		prosody = append(prosody, fmt.Sprintf(`rate=%q`, opts.Rate))
	}
	if opts.Pitch != "" {
		prosody = append(prosody, fmt.Sprintf(`pitch=%q`, opts.Pitch))
	}

	if len(prosody) > 0 {
		fmt.Fprintf(&b, "<prosody %s>", strings.Join(prosody, " "))
	}
	if opts.EmphasisLvl != "" {
		fmt.Fprintf(&b, "<emphasis level=%q>%s</emphasis>", opts.EmphasisLvl, escapeSSML(text))
	} else {
		b.WriteString(escapeSSML(text))
	}
	if len(prosody) > 0 {
		b.WriteString("</prosody>")
	}
	if opts.BreakMs > 0 {
		fmt.Fprintf(&b, `<break time="%dms"/>`, opts.BreakMs)
	}

	b.WriteString("</speak>")
	return b.String()
}

func escapeSSML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func mimeFor(encoding string) string {
	switch strings.ToUpper(encoding) {
	case "MP3":
		return "audio/mpeg"
	case "OGG_OPUS":
		return "audio/ogg"
	case "ALAW", "MULAW":
		return "audio/basic"
	default: // LINEAR16, PCM
		return "audio/l16"
	}
}
