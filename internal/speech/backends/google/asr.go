// Package google implements the Cloud Speech, Translate, and Text-to-Speech
// backends over their REST surfaces.
package google

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/polyglotcast/polyglotcast/internal/speech/backends/restutil"
	"github.com/polyglotcast/polyglotcast/internal/speech/codec"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.ASR.Register("google", func(config map[string]string) (engine.StreamingASR, error) {
		apiKey := config["google_api_key"]
		if apiKey == "" {
			apiKey = config["api_key"]
		}
		if apiKey == "" {
			return nil, fmt.Errorf("google API key required (set google_api_key in config)")
		}
		model := config["model"]
		if model == "" {
			model = "latest_long"
		}
		return &ASR{apiKey: apiKey, model: model}, nil
	})
}

// ASR implements engine.StreamingASR over the Cloud Speech recognize API.
// Streaming is emulated the way the browser clients experience it: the
// growing utterance window is re-recognized on a short cadence to produce
// partials, and a sustained-silence boundary produces the final.
type ASR struct {
	apiKey string
	model  string
}

const (
	partialInterval = 700 * time.Millisecond
	maxWindowBytes  = 16000 * 2 * 60 // one minute of 16kHz PCM
)

type recognizeRequest struct {
	Config recognizeConfig `json:"config"`
	Audio  recognizeAudio  `json:"audio"`
}

type recognizeConfig struct {
	Encoding          string `json:"encoding"`
	SampleRateHertz   int    `json:"sampleRateHertz"`
	LanguageCode      string `json:"languageCode"`
	Model             string `json:"model,omitempty"`
	EnablePunctuation bool   `json:"enableAutomaticPunctuation"`
}

type recognizeAudio struct {
	Content string `json:"content"` // base64 PCM
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float32 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Stream opens a recognition stream.
func (a *ASR) Stream(ctx context.Context, cfg engine.StreamConfig) (engine.AsrStream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	model := cfg.Model
	if model == "" {
		model = a.model
	}

	sctx, cancel := context.WithCancel(ctx)
	st := &asrStream{
		apiKey: a.apiKey,
		model:  model,
		cfg:    cfg,
		events: make(chan engine.AsrEvent, 32),
		frames: make(chan []byte, 64),
		flush:  make(chan struct{}),
		cancel: cancel,
		silence: codec.NewSilenceTracker(codec.SilenceConfig{
			EnergyThreshold: 500,
			HangoverMs:      700,
			SampleRate:      cfg.SampleRate,
		}),
	}
	go st.run(sctx)
	return st, nil
}

// Close releases the backend.
func (a *ASR) Close() error { return nil }

type asrStream struct {
	apiKey string
	model  string
	cfg    engine.StreamConfig

	events chan engine.AsrEvent
	frames chan []byte
	flush  chan struct{}
	cancel context.CancelFunc

	silence *codec.SilenceTracker

	closeOnce sync.Once
	sendOnce  sync.Once

	seq uint64
}

func (s *asrStream) Send(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case s.frames <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *asrStream) Events() <-chan engine.AsrEvent { return s.events }

func (s *asrStream) CloseSend() error {
	s.sendOnce.Do(func() { close(s.flush) })
	return nil
}

func (s *asrStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *asrStream) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(partialInterval)
	defer ticker.Stop()

	var window []byte
	var dirty bool
	var lastText string

	emit := func(final bool) {
		if len(window) == 0 {
			return
		}
		text, err := s.recognize(ctx, window)
		if err != nil || text == "" {
			return
		}
		if !final && text == lastText {
			return
		}
		lastText = text
		s.seq++
		select {
		case s.events <- engine.AsrEvent{Seq: s.seq, Text: text, IsFinal: final, ProviderTS: time.Now()}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-s.frames:
			window = append(window, frame...)
			if len(window) > maxWindowBytes {
				window = window[len(window)-maxWindowBytes:]
			}
			dirty = true
			if s.silence.Observe(frame) {
				emit(true)
				window = window[:0]
				lastText = ""
				dirty = false
			}

		case <-ticker.C:
			if dirty {
				emit(false)
				dirty = false
			}

		case <-s.flush:
			// Drain whatever already arrived, then finalize.
			for {
				select {
				case frame := <-s.frames:
					window = append(window, frame...)
					continue
				default:
				}
				break
			}
			emit(true)
			return
		}
	}
}

func (s *asrStream) recognize(ctx context.Context, pcm []byte) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	apiURL := "https://speech.googleapis.com/v1/speech:recognize?key=" + s.apiKey
	req := recognizeRequest{
		Config: recognizeConfig{
			Encoding:          "LINEAR16",
			SampleRateHertz:   s.cfg.SampleRate,
			LanguageCode:      s.cfg.Language,
			Model:             s.model,
			EnablePunctuation: true,
		},
		Audio: recognizeAudio{Content: base64.StdEncoding.EncodeToString(pcm)},
	}

	var resp recognizeResponse
	if err := restutil.DoJSON(rctx, "POST", apiURL, nil, req, &resp); err != nil {
		return "", fmt.Errorf("google ASR: %w", err)
	}

	var text string
	for _, r := range resp.Results {
		if len(r.Alternatives) > 0 {
			if text != "" {
				text += " "
			}
			text += r.Alternatives[0].Transcript
		}
	}
	return text, nil
}
