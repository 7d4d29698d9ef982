package asr

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

// fakeASR stands in for the registered recognition backend.
type fakeASR struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failDial bool
}

func (f *fakeASR) Stream(ctx context.Context, cfg engine.StreamConfig) (engine.AsrStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDial {
		return nil, errors.New("dial refused")
	}
	st := &fakeStream{events: make(chan engine.AsrEvent, 16)}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeASR) Close() error { return nil }

func (f *fakeASR) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeASR) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type fakeStream struct {
	mu      sync.Mutex
	events  chan engine.AsrEvent
	sendErr error
	frames  [][]byte
	closed  bool
}

func (s *fakeStream) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) Events() <-chan engine.AsrEvent { return s.events }

func (s *fakeStream) CloseSend() error { return s.closeEvents() }
func (s *fakeStream) Close() error     { return s.closeEvents() }

func (s *fakeStream) closeEvents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) emit(ev engine.AsrEvent) { s.events <- ev }

func (s *fakeStream) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeStream) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

var testBackend = &fakeASR{}

func init() {
	registry.ASR.Register("google", func(map[string]string) (engine.StreamingASR, error) {
		return testBackend, nil
	})
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeASR) {
	t.Helper()
	testBackend.mu.Lock()
	testBackend.streams = nil
	testBackend.failDial = false
	testBackend.mu.Unlock()

	a, err := New(context.Background(), Config{
		Tier:     "basic",
		Language: "en-US",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, testBackend
}

// loudFrame returns durMs of constant-amplitude PCM16 above the silence
// threshold.
func loudFrame(durMs int) []byte {
	samples := 16000 * durMs / 1000
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(4000)))
	}
	return buf
}

func quietFrame(durMs int) []byte {
	samples := 16000 * durMs / 1000
	return make([]byte, samples*2)
}

func TestAdapterAssignsMonotonicSequence(t *testing.T) {
	a, backend := newTestAdapter(t)
	st := backend.stream(0)

	st.emit(engine.AsrEvent{Text: "hello"})
	st.emit(engine.AsrEvent{Text: "hello world"})
	st.emit(engine.AsrEvent{Text: "hello world again", IsFinal: true})

	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-a.Events():
			if ev.Seq != want {
				t.Fatalf("event seq = %d, want %d", ev.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestAdapterRestartsOnceAndReplaysTail(t *testing.T) {
	a, backend := newTestAdapter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.Send(ctx, loudFrame(100)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	backend.stream(0).setSendErr(errors.New("stream reset"))
	if err := a.Send(ctx, loudFrame(100)); err != nil {
		t.Fatalf("Send during restart: %v", err)
	}

	if got := backend.streamCount(); got != 2 {
		t.Fatalf("backend streams = %d, want 2", got)
	}
	// All four frames fit the 2s tail and get replayed into the new stream.
	if got := backend.stream(1).frameCount(); got != 4 {
		t.Errorf("replayed frames = %d, want 4", got)
	}
	if a.Err() != nil {
		t.Errorf("Err = %v after a single restart, want nil", a.Err())
	}
}

func TestAdapterGivesUpOnSecondFailure(t *testing.T) {
	a, backend := newTestAdapter(t)
	ctx := context.Background()

	backend.stream(0).setSendErr(errors.New("first failure"))
	if err := a.Send(ctx, loudFrame(20)); err != nil {
		t.Fatalf("Send during restart: %v", err)
	}

	backend.stream(1).setSendErr(errors.New("second failure"))
	err := a.Send(ctx, loudFrame(20))
	if err == nil {
		t.Fatal("Send after second failure returned nil")
	}
	if fault.CodeOf(err) != fault.AsrFailed {
		t.Errorf("fault code = %v, want %v", fault.CodeOf(err), fault.AsrFailed)
	}

	select {
	case _, ok := <-a.Events():
		if ok {
			t.Errorf("Events yielded an event after terminal failure")
		}
	case <-time.After(time.Second):
		t.Errorf("Events not closed after terminal failure")
	}
	if a.Err() == nil {
		t.Errorf("Err = nil after terminal failure")
	}
}

func TestAdapterSignalsSilenceBoundary(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Send(ctx, loudFrame(200)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := a.Send(ctx, quietFrame(200)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case <-a.Boundaries():
	default:
		t.Fatal("no boundary signal after sustained silence")
	}

	// One boundary per speech run.
	if err := a.Send(ctx, quietFrame(200)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-a.Boundaries():
		t.Fatal("second boundary without intervening speech")
	default:
	}
}

func TestTailBufferEvictsOldFrames(t *testing.T) {
	b := newTailBuffer(2*time.Second, 16000)

	// 200ms frames: ten fill the window exactly, the eleventh evicts one.
	for i := 0; i < 11; i++ {
		b.push(loudFrame(200))
	}
	if got := len(b.frames()); got != 10 {
		t.Errorf("retained frames = %d, want 10", got)
	}
}
