package codec

import (
	"encoding/binary"
	"math"
)

// RMSEnergy computes the root-mean-square energy of 16-bit signed LE PCM.
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	numSamples := len(pcm) / 2
	var sumSquares float64

	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		sumSquares += float64(sample) * float64(sample)
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}

// SilenceConfig parameterizes the energy-based silence tracker.
type SilenceConfig struct {
	EnergyThreshold float64 // RMS threshold below which a frame is silent
	HangoverMs      int     // silence duration that counts as a boundary
	SampleRate      int     // Hz
}

// DefaultSilenceConfig returns defaults tuned for 16kHz speech.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		EnergyThreshold: 500,
		HangoverMs:      700,
		SampleRate:      16000,
	}
}

// SilenceTracker watches a PCM stream for sustained silence. It is the
// boundary detector behind hard-silence segment closes: speech resets the
// clock, silence accumulates until the hangover elapses.
type SilenceTracker struct {
	config    SilenceConfig
	silentMs  float64
	sawSpeech bool
}

// NewSilenceTracker creates a tracker with the given config.
func NewSilenceTracker(cfg SilenceConfig) *SilenceTracker {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &SilenceTracker{config: cfg}
}

// Observe consumes one PCM frame and reports whether a silence boundary was
// just crossed. A boundary fires at most once per speech run.
func (s *SilenceTracker) Observe(pcm []byte) bool {
	frameMs := float64(len(pcm)/2) / float64(s.config.SampleRate) * 1000

	if RMSEnergy(pcm) >= s.config.EnergyThreshold {
		s.sawSpeech = true
		s.silentMs = 0
		return false
	}

	if !s.sawSpeech {
		return false
	}

	s.silentMs += frameMs
	if s.silentMs >= float64(s.config.HangoverMs) {
		s.sawSpeech = false
		s.silentMs = 0
		return true
	}
	return false
}

// Reset clears the tracker state.
func (s *SilenceTracker) Reset() {
	s.sawSpeech = false
	s.silentMs = 0
}
