// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ServerConfig holds configuration for the broadcast server.
type ServerConfig struct {
	HTTPAddr string `envDefault:":8080" env:"HTTP_ADDR"`

	// Session
	SessionGraceSec   int `envDefault:"5"   env:"SESSION_GRACE_SEC"`
	OutboundQueueSize int `envDefault:"256" env:"OUTBOUND_QUEUE_SIZE"`

	// Speech providers
	GoogleAPIKey     string `envDefault:"" env:"GOOGLE_API_KEY"`
	ElevenLabsAPIKey string `envDefault:"" env:"ELEVENLABS_API_KEY"`
	GeminiAPIKey     string `envDefault:"" env:"GEMINI_API_KEY"`

	// TTS
	TTSEnabledDefault bool   `envDefault:"true" env:"TTS_ENABLED_DEFAULT"`
	VoiceCatalogPath  string `envDefault:""     env:"VOICE_CATALOG_PATH"`
	TTSMaxConcurrent  int    `envDefault:"3"    env:"TTS_MAX_CONCURRENT"`
	TTSQueueLimit     int    `envDefault:"25"   env:"TTS_QUEUE_LIMIT"`

	// Local synthesis fallback
	PiperBinary   string `envDefault:"piper"    env:"PIPER_BINARY"`
	PiperModelDir string `envDefault:"./models" env:"PIPER_MODEL_DIR"`

	// Grammar correction
	GrammarModel string `envDefault:"grammarly/coedit-large" env:"GRAMMAR_MODEL"`
	HFToken      string `envDefault:""                       env:"HF_TOKEN"`

	// Quota
	QuotaBudgetSec int    `envDefault:"36000"   env:"QUOTA_BUDGET_SEC"`
	QuotaPeriod    string `envDefault:"monthly" env:"QUOTA_PERIOD"`
	QuotaRedisURL  string `envDefault:""        env:"QUOTA_REDIS_URL"`
}

// Load parses the server configuration from the environment.
func Load() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env config: %w", err)
	}
	cfg.QuotaPeriod = strings.ToLower(cfg.QuotaPeriod)
	switch cfg.QuotaPeriod {
	case "daily", "monthly":
	default:
		return cfg, fmt.Errorf("invalid QUOTA_PERIOD %q (want daily or monthly)", cfg.QuotaPeriod)
	}
	return cfg, nil
}

// ProviderConfig flattens the provider credentials into the map shape the
// backend factories consume.
func (c ServerConfig) ProviderConfig() map[string]string {
	return map[string]string{
		"google_api_key":     c.GoogleAPIKey,
		"elevenlabs_api_key": c.ElevenLabsAPIKey,
		"gemini_api_key":     c.GeminiAPIKey,
		"grammar_model":      c.GrammarModel,
		"hf_token":           c.HFToken,
		"piper_binary":       c.PiperBinary,
		"piper_model_dir":    c.PiperModelDir,
	}
}
