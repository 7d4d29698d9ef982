// Package hfgrammar implements grammar correction through the HuggingFace
// Inference API. Failures and timeouts return the input unchanged: grammar
// repair is an enricher and must never stall the caption path.
package hfgrammar

import (
	"context"
	"fmt"
	"strings"

	"github.com/polyglotcast/polyglotcast/internal/speech/backends/restutil"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.Grammar.Register("hf", func(config map[string]string) (engine.Corrector, error) {
		token := config["hf_token"]
		if token == "" {
			return nil, fmt.Errorf("huggingface token required (set hf_token in config)")
		}
		model := config["grammar_model"]
		if model == "" {
			model = "grammarly/coedit-large"
		}
		return &Corrector{token: token, model: model}, nil
	})
}

// Corrector calls a seq2seq grammar model hosted on HuggingFace Inference.
type Corrector struct {
	token string
	model string
}

type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

type inferenceResult struct {
	GeneratedText string `json:"generated_text"`
}

// Correct returns the grammatically repaired text. English-only models get
// the instruction prefix CoEdIT expects; other languages pass through.
func (c *Corrector) Correct(ctx context.Context, text, lang string) (engine.Correction, error) {
	if strings.TrimSpace(text) == "" {
		return engine.Correction{Corrected: text}, nil
	}

	input := text
	if strings.HasPrefix(lang, "en") {
		input = "Fix the grammar: " + text
	}

	apiURL := "https://api-inference.huggingface.co/models/" + c.model
	headers := map[string]string{"Authorization": "Bearer " + c.token}

	var results []inferenceResult
	if err := restutil.DoJSON(ctx, "POST", apiURL, headers, inferenceRequest{Inputs: input}, &results); err != nil {
		return engine.Correction{Corrected: text}, fmt.Errorf("hf inference: %w", err)
	}
	if len(results) == 0 || strings.TrimSpace(results[0].GeneratedText) == "" {
		return engine.Correction{Corrected: text}, nil
	}

	corrected := strings.TrimSpace(results[0].GeneratedText)
	matches := 0
	if corrected != text {
		matches = 1
	}
	return engine.Correction{Corrected: corrected, Matches: matches}, nil
}

// Close releases the backend.
func (c *Corrector) Close() error { return nil }
