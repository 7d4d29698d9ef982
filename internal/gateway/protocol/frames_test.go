package protocol

import (
	"testing"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, msg any)
	}{
		{
			name:  "init",
			input: `{"type":"init","sourceLang":"en-US","tier":"premium"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(Init)
				if !ok || m.SourceLang != "en-US" || m.Tier != "premium" {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:    "init without source language",
			input:   `{"type":"init"}`,
			wantErr: true,
		},
		{
			name:  "audio",
			input: `{"type":"audio","audioData":"AAAA","streaming":true}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(Audio)
				if !ok || m.AudioData != "AAAA" || !m.Streaming {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:    "audio without data",
			input:   `{"type":"audio"}`,
			wantErr: true,
		},
		{
			name:  "audio_end",
			input: `{"type":"audio_end"}`,
			check: func(t *testing.T, msg any) {
				if _, ok := msg.(AudioEnd); !ok {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:  "ping",
			input: `{"type":"ping","timestamp":1712000000}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(Ping)
				if !ok || m.Timestamp != 1712000000 {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:  "change_language",
			input: `{"type":"change_language","targetLang":"sw"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(ChangeLanguage)
				if !ok || m.TargetLang != "sw" {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:    "change_language without target",
			input:   `{"type":"change_language"}`,
			wantErr: true,
		},
		{
			name: "tts start",
			input: `{"type":"tts/start","languageCode":"es-ES","voiceName":"es-ES-Neural2-A",` +
				`"tier":"neural2","mode":"streaming","startFromSegmentId":"seg42"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(TTSStart)
				if !ok || m.LanguageCode != "es-ES" || m.Mode != "streaming" || m.StartFromSegmentID != "seg42" {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:    "tts start with bad mode",
			input:   `{"type":"tts/start","languageCode":"es-ES","mode":"batch"}`,
			wantErr: true,
		},
		{
			name:  "tts pause",
			input: `{"type":"tts/pause"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(TTSControl)
				if !ok || m.Type != TypeTTSPause {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:  "tts synthesize",
			input: `{"type":"tts/synthesize","segmentId":"seg1","text":"Hola.","languageCode":"es-ES"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(TTSSynthesize)
				if !ok || m.SegmentID != "seg1" || m.Text != "Hola." {
					t.Fatalf("decoded %#v", msg)
				}
			},
		},
		{
			name:    "tts synthesize without text",
			input:   `{"type":"tts/synthesize","segmentId":"seg1"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"type":"subscribe"}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			input:   `{"sourceLang":"en-US"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"type":"init"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientFrame([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decoded %#v, want error", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeClientFrame: %v", err)
			}
			tt.check(t, msg)
		})
	}
}
