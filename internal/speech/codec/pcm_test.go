package codec

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmFrame(amplitude int16, ms, sampleRate int) []byte {
	samples := sampleRate * ms / 1000
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func TestRMSEnergy(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"single byte", []byte{0x01}, 0},
		{"silence", pcmFrame(0, 20, 16000), 0},
		{"constant amplitude", pcmFrame(4000, 20, 16000), 4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMSEnergy(tt.pcm)
			if math.Abs(got-tt.want) > 0.5 {
				t.Fatalf("RMSEnergy = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestSilenceTrackerFiresAfterHangover(t *testing.T) {
	tr := NewSilenceTracker(SilenceConfig{EnergyThreshold: 500, HangoverMs: 700, SampleRate: 16000})

	loud := pcmFrame(4000, 100, 16000)
	quiet := pcmFrame(0, 100, 16000)

	if tr.Observe(loud) {
		t.Fatal("boundary during speech")
	}
	for i := 0; i < 6; i++ {
		if tr.Observe(quiet) {
			t.Fatalf("boundary after only %dms of silence", (i+1)*100)
		}
	}
	if !tr.Observe(quiet) {
		t.Fatal("no boundary after hangover elapsed")
	}
}

func TestSilenceTrackerFiresOncePerSpeechRun(t *testing.T) {
	tr := NewSilenceTracker(SilenceConfig{EnergyThreshold: 500, HangoverMs: 200, SampleRate: 16000})

	quiet := pcmFrame(0, 100, 16000)
	loud := pcmFrame(4000, 100, 16000)

	// Silence before any speech never fires.
	for i := 0; i < 10; i++ {
		if tr.Observe(quiet) {
			t.Fatal("boundary before any speech")
		}
	}

	tr.Observe(loud)
	tr.Observe(quiet)
	if !tr.Observe(quiet) {
		t.Fatal("expected boundary")
	}
	// Continued silence stays quiet until speech resumes.
	for i := 0; i < 10; i++ {
		if tr.Observe(quiet) {
			t.Fatal("second boundary without intervening speech")
		}
	}

	tr.Observe(loud)
	tr.Observe(quiet)
	if !tr.Observe(quiet) {
		t.Fatal("expected boundary after new speech run")
	}
}

func TestSilenceTrackerReset(t *testing.T) {
	tr := NewSilenceTracker(DefaultSilenceConfig())
	tr.Observe(pcmFrame(4000, 100, 16000))
	tr.Reset()

	quiet := pcmFrame(0, 100, 16000)
	for i := 0; i < 10; i++ {
		if tr.Observe(quiet) {
			t.Fatal("boundary after reset without speech")
		}
	}
}
