package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/polyglotcast/polyglotcast/internal/gateway/protocol"
)

type fakeWS struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeWS) Close() error { return nil }

func (f *fakeWS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func partialCaption(seg, text string) protocol.Translation {
	return protocol.Translation{
		Type: protocol.TypeTranslation, SegmentID: seg,
		TranslatedText: text, IsPartial: true, TargetLang: "es",
	}
}

func finalCaption(seg, text string) protocol.Translation {
	return protocol.Translation{
		Type: protocol.TypeTranslation, SegmentID: seg,
		TranslatedText: text, TargetLang: "es",
	}
}

func TestPumpWritesFramesInOrder(t *testing.T) {
	ws := &fakeWS{}
	p := NewPump(ws, "sess1", "conn1", nil, nil, nil)

	for i := 0; i < 3; i++ {
		if !p.Deliver(protocol.TypeTranslation, finalCaption(fmt.Sprintf("seg%d", i), "text")) {
			t.Fatalf("Deliver %d refused", i)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for ws.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if ws.count() < 3 {
		t.Fatalf("wrote %d frames, want 3", ws.count())
	}
	for i := 0; i < 3; i++ {
		var got protocol.Translation
		if err := json.Unmarshal(ws.msgs[i], &got); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if want := fmt.Sprintf("seg%d", i); got.SegmentID != want {
			t.Fatalf("frame %d segment = %q, want %q", i, got.SegmentID, want)
		}
	}
}

func TestPumpShedsOldestPartialOnOverflow(t *testing.T) {
	p := NewPump(&fakeWS{}, "sess1", "conn1", nil, nil, nil)

	p.Deliver(protocol.TypeTranslation, partialCaption("seg0", "partial"))
	for i := 1; i < outboundLimit; i++ {
		p.Deliver(protocol.TypeTranslation, finalCaption(fmt.Sprintf("seg%d", i), "final"))
	}

	if !p.Deliver(protocol.TypeTranslation, finalCaption("overflow", "final")) {
		t.Fatal("final should displace the queued partial")
	}
	if p.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", p.Dropped())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != outboundLimit {
		t.Fatalf("queue length = %d, want %d", len(p.queue), outboundLimit)
	}
	for _, f := range p.queue {
		if f.droppable {
			t.Fatal("queued partial should have been shed")
		}
	}
}

func TestPumpDropsIncomingPartialWhenNothingSheds(t *testing.T) {
	p := NewPump(&fakeWS{}, "sess1", "conn1", nil, nil, nil)

	for i := 0; i < outboundLimit; i++ {
		p.Deliver(protocol.TypeTranslation, finalCaption(fmt.Sprintf("seg%d", i), "final"))
	}
	if p.Deliver(protocol.TypeTranslation, partialCaption("late", "partial")) {
		t.Fatal("partial should be dropped when queue holds only finals")
	}
	if p.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", p.Dropped())
	}
}

func TestPumpKeepsAudioOverCaptions(t *testing.T) {
	p := NewPump(&fakeWS{}, "sess1", "conn1", nil, nil, nil)

	p.Deliver(protocol.TypeTranslation, finalCaption("cap", "final"))
	for i := 1; i < outboundLimit; i++ {
		p.Deliver(protocol.TypeTTSAudioChunk, protocol.TTSAudioChunk{
			Type: protocol.TypeTTSAudioChunk, SegmentID: fmt.Sprintf("seg%d", i), Seq: i,
		})
	}

	if !p.Deliver(protocol.TypeTTSAudioChunk, protocol.TTSAudioChunk{
		Type: protocol.TypeTTSAudioChunk, SegmentID: "next", Seq: 0,
	}) {
		t.Fatal("audio frame should displace the queued caption")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.queue {
		if !f.isTTS {
			t.Fatal("caption should have been shed before any audio frame")
		}
	}
}

func TestPumpRefusesAfterClose(t *testing.T) {
	p := NewPump(&fakeWS{}, "sess1", "conn1", nil, nil, nil)
	p.Close()
	if p.Deliver(protocol.TypeTranslation, finalCaption("seg", "text")) {
		t.Fatal("Deliver should refuse after Close")
	}
}
