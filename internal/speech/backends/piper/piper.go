// Package piper implements a local synthesis backend on top of the Piper
// TTS binary. It serves as an offline fallback route when no hosted
// provider is reachable or configured.
package piper

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.TTS.Register("piper", func(config map[string]string) (engine.Synthesizer, error) {
		binaryPath := config["piper_binary"]
		if binaryPath == "" {
			binaryPath = "piper"
		}
		modelDir := config["piper_model_dir"]
		if modelDir == "" {
			modelDir = "./models"
		}
		sampleRate := 22050
		if s := config["piper_sample_rate"]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("piper: bad piper_sample_rate %q: %w", s, err)
			}
			sampleRate = n
		}
		return &TTS{binaryPath: binaryPath, modelDir: modelDir, sampleRate: sampleRate}, nil
	})
}

// TTS implements engine.Synthesizer by spawning the Piper binary per
// request. VoiceName selects the .onnx model file under the model dir.
type TTS struct {
	binaryPath string
	modelDir   string
	sampleRate int
}

const streamChunkBytes = 8192

// Synthesize runs piper over req.Text and returns raw PCM.
func (p *TTS) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	voice := req.VoiceName
	if voice == "" {
		voice = "en_US-amy-medium"
	}
	model := fmt.Sprintf("%s/%s.onnx", p.modelDir, voice)

	cmd := exec.CommandContext(ctx, p.binaryPath, "--model", model, "--output-raw")
	cmd.Stdin = bytes.NewBufferString(req.Text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return engine.SynthResult{}, fmt.Errorf("piper TTS: %w: %s", err, stderr.String())
	}

	audio := stdout.Bytes()
	// 16-bit mono PCM.
	durationMs := int64(len(audio)) * 1000 / int64(2*p.sampleRate)

	return engine.SynthResult{
		Audio:        audio,
		MimeType:     fmt.Sprintf("audio/pcm;rate=%d", p.sampleRate),
		DurationMs:   durationMs,
		SampleRateHz: p.sampleRate,
	}, nil
}

// SynthesizeStream synthesizes req and replays the result as ordered
// chunks. Piper writes to stdout in one shot, so there is no true
// incremental path.
func (p *TTS) SynthesizeStream(ctx context.Context, req engine.SynthRequest) (<-chan engine.AudioChunk, error) {
	res, err := p.Synthesize(ctx, req)
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

// Voices lists the bundled default model.
func (p *TTS) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "en_US-amy-medium", Name: "Amy", Language: "en-US"},
	}
}

// Close releases the backend.
func (p *TTS) Close() error { return nil }
