// Package codec converts host audio into the 16kHz mono S16LE PCM the
// recognizer backends consume, and provides PCM energy utilities.
package codec

import (
	"encoding/binary"
	"io"

	"github.com/pion/opus"
)

// OpusWriter decodes Opus packets to 16kHz mono S16LE PCM and writes the
// result to the wrapped writer. Each Write must contain exactly one packet,
// which is how browser hosts frame their chunks.
type OpusWriter struct {
	decoder  *opus.Decoder
	dst      io.Writer
	pcmBuf48 []byte
	pcmBuf16 []byte
}

// NewOpusWriter creates a decoder writing 16kHz mono PCM to dst.
func NewOpusWriter(dst io.Writer) *OpusWriter {
	return &OpusWriter{
		decoder: &opus.Decoder{},
		dst:     dst,
		// 20ms at 48kHz, possibly stereo, 2 bytes per sample.
		pcmBuf48: make([]byte, 960*2*2),
		// 20ms at 16kHz mono.
		pcmBuf16: make([]byte, 320*2),
	}
}

// Write decodes one Opus packet and writes the downsampled PCM to dst.
func (w *OpusWriter) Write(packet []byte) (int, error) {
	_, isStereo, err := w.decoder.Decode(packet, w.pcmBuf48)
	if err != nil {
		return 0, err
	}

	channels := 1
	if isStereo {
		channels = 2
	}

	// Opus decodes at 48kHz; take every third sample for 16kHz output,
	// averaging stereo pairs down to mono.
	const samplesPerChannel = 960
	outSamples := samplesPerChannel / 3

	if len(w.pcmBuf16) < outSamples*2 {
		w.pcmBuf16 = make([]byte, outSamples*2)
	}

	for i := 0; i < outSamples; i++ {
		srcIdx := i * 3 * channels * 2
		if srcIdx+1 >= len(w.pcmBuf48) {
			break
		}
		sample := int16(binary.LittleEndian.Uint16(w.pcmBuf48[srcIdx:]))
		if isStereo && srcIdx+3 < len(w.pcmBuf48) {
			right := int16(binary.LittleEndian.Uint16(w.pcmBuf48[srcIdx+2:]))
			sample = int16((int32(sample) + int32(right)) / 2)
		}
		binary.LittleEndian.PutUint16(w.pcmBuf16[i*2:], uint16(sample))
	}

	return w.dst.Write(w.pcmBuf16[:outSamples*2])
}
