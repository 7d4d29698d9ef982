package asr

import "time"

// tailBuffer keeps the most recent audio frames up to a fixed duration of
// PCM16 so a restarted stream can be primed with context.
type tailBuffer struct {
	frameList [][]byte
	total     int
	capBytes  int
}

func newTailBuffer(window time.Duration, sampleRate int) *tailBuffer {
	return &tailBuffer{
		capBytes: int(window.Seconds()) * sampleRate * 2,
	}
}

func (b *tailBuffer) push(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.frameList = append(b.frameList, cp)
	b.total += len(cp)
	for b.total > b.capBytes && len(b.frameList) > 1 {
		b.total -= len(b.frameList[0])
		b.frameList = b.frameList[1:]
	}
}

func (b *tailBuffer) frames() [][]byte {
	out := make([][]byte, len(b.frameList))
	copy(out, b.frameList)
	return out
}
