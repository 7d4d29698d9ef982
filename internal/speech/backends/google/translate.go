package google

import (
	"context"
	"fmt"
	"html"

	"github.com/polyglotcast/polyglotcast/internal/speech/backends/restutil"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
)

func init() {
	registry.MT.Register("google", func(config map[string]string) (engine.Translator, error) {
		apiKey := config["google_api_key"]
		if apiKey == "" {
			apiKey = config["api_key"]
		}
		if apiKey == "" {
			return nil, fmt.Errorf("google API key required (set google_api_key in config)")
		}
		model := config["model"]
		if model == "" {
			model = "base"
		}
		return &Translator{apiKey: apiKey, model: model}, nil
	})
}

// Translator implements engine.Translator using the Translate v2 REST API.
// model selects "base" (basic tier) or "nmt" (premium tier).
type Translator struct {
	apiKey string
	model  string
}

type translateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
	Model  string   `json:"model,omitempty"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

// Translate translates text between the given language tags.
func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (engine.Translation, error) {
	apiURL := "https://translation.googleapis.com/language/translate/v2?key=" + t.apiKey

	req := translateRequest{
		Q:      []string{text},
		Source: shortLang(sourceLang),
		Target: shortLang(targetLang),
		Format: "text",
	}
	if t.model == "nmt" {
		req.Model = "nmt"
	}

	var resp translateResponse
	if err := restutil.DoJSON(ctx, "POST", apiURL, nil, req, &resp); err != nil {
		return engine.Translation{}, fmt.Errorf("google translate: %w", err)
	}
	if len(resp.Data.Translations) == 0 {
		return engine.Translation{}, fmt.Errorf("google translate: empty response")
	}

	tr := resp.Data.Translations[0]
	return engine.Translation{
		// The API HTML-escapes apostrophes even in text mode.
		Text:           html.UnescapeString(tr.TranslatedText),
		DetectedSource: tr.DetectedSourceLanguage,
	}, nil
}

// Close releases the backend.
func (t *Translator) Close() error { return nil }

// shortLang maps a BCP-47 tag to the two-letter code Translate v2 expects,
// preserving region forms it distinguishes (zh-CN, zh-TW, pt-BR).
func shortLang(tag string) string {
	switch tag {
	case "zh-CN", "zh-TW", "pt-BR", "pt-PT":
		return tag
	}
	if len(tag) > 2 && tag[2] == '-' {
		return tag[:2]
	}
	return tag
}
