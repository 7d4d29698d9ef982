package radio

import (
	"testing"
	"time"
)

func newTestQueue(t *testing.T, cfg QueueConfig) *Queue {
	t.Helper()
	q := NewQueue(newTestRouter(t), cfg)
	t.Cleanup(q.Close)
	return q
}

func startDefault(q *Queue) {
	q.Start(StartConfig{LanguageCode: "en", Tier: "neural2", Mode: "unary"})
}

func waitState(t *testing.T, q *Queue, id string, want EntryState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.States()[id] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry %s state = %q, want %q", id, q.States()[id], want)
}

func nextFrame(t *testing.T, q *Queue) Frame {
	t.Helper()
	select {
	case f := <-q.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an audio frame")
		return Frame{}
	}
}

func noFrame(t *testing.T, q *Queue, within time.Duration) {
	t.Helper()
	select {
	case f := <-q.Frames():
		t.Fatalf("unexpected frame for segment %s", f.SegmentID)
	case <-time.After(within):
	}
}

func TestQueuePlaybackFollowsEnqueueOrder(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)

	// A's synthesis is held open so B and C finish first.
	gateA := testSynth.gate("text A")
	q.Enqueue("segA", "text A")
	q.Enqueue("segB", "text B")
	q.Enqueue("segC", "text C")

	waitState(t, q, "segB", StateReady)
	waitState(t, q, "segC", StateReady)

	// B is ready but must wait for A.
	noFrame(t, q, 100*time.Millisecond)

	close(gateA)
	if f := nextFrame(t, q); f.SegmentID != "segA" {
		t.Fatalf("first frame = %s, want segA", f.SegmentID)
	}
	q.MarkPlayed("segA")
	if f := nextFrame(t, q); f.SegmentID != "segB" {
		t.Fatalf("second frame = %s, want segB", f.SegmentID)
	}
	q.MarkPlayed("segB")
	if f := nextFrame(t, q); f.SegmentID != "segC" {
		t.Fatalf("third frame = %s, want segC", f.SegmentID)
	}
}

func TestQueueCapsConcurrentSyntheses(t *testing.T) {
	q := newTestQueue(t, QueueConfig{MaxConcurrent: 3})
	startDefault(q)

	ids := []string{"seg1", "seg2", "seg3", "seg4", "seg5"}
	var gates []chan struct{}
	for _, id := range ids {
		gates = append(gates, testSynth.gate("text "+id))
		q.Enqueue(id, "text "+id)
	}

	waitState(t, q, "seg3", StateRequesting)
	requesting := 0
	for _, st := range q.States() {
		if st == StateRequesting {
			requesting++
		}
	}
	if requesting != 3 {
		t.Errorf("requesting entries = %d, want 3", requesting)
	}

	for _, g := range gates {
		close(g)
	}
	waitState(t, q, "seg5", StateReady)

	testSynth.mu.Lock()
	max := testSynth.maxInFlight
	testSynth.mu.Unlock()
	if max > 3 {
		t.Errorf("max concurrent syntheses = %d, want ≤ 3", max)
	}
}

func TestQueueDedupesSegments(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)

	q.Enqueue("segA", "text A")
	q.Enqueue("segA", "text A")
	waitState(t, q, "segA", StatePlaying)
	if got := len(q.States()); got != 1 {
		t.Errorf("queue entries = %d, want 1", got)
	}
}

func TestQueueRejectsHistoricSegments(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	q.Start(StartConfig{LanguageCode: "en", Tier: "neural2", StartFrom: "seg5"})

	q.Enqueue("seg3", "historic")
	if len(q.States()) != 0 {
		t.Errorf("historic segment enqueued")
	}
	q.Enqueue("seg7", "current")
	if len(q.States()) != 1 {
		t.Errorf("current segment rejected")
	}
}

func TestQueueOverflowDropsOldestPending(t *testing.T) {
	q := newTestQueue(t, QueueConfig{MaxConcurrent: 1, Limit: 4})
	startDefault(q)

	gate := testSynth.gate("text seg1")
	q.Enqueue("seg1", "text seg1")
	for i := 2; i <= 6; i++ {
		q.Enqueue("seg"+string(rune('0'+i)), "filler")
	}
	defer close(gate)

	states := q.States()
	if len(states) > 4 {
		t.Errorf("queue holds %d entries, limit is 4", len(states))
	}
	if _, ok := states["seg2"]; ok {
		t.Errorf("oldest pending entry was not dropped")
	}
	if _, ok := states["seg1"]; !ok {
		t.Errorf("in-flight entry was dropped")
	}
}

func TestQueueFailedEntryDoesNotBlockPlayback(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)

	testSynth.mu.Lock()
	testSynth.failTexts["bad text"] = true
	testSynth.mu.Unlock()

	q.Enqueue("segA", "bad text")
	q.Enqueue("segB", "good text")

	// The queue advances past the failed head; B plays.
	if f := nextFrame(t, q); f.SegmentID != "segB" {
		t.Fatalf("frame = %s, want segB", f.SegmentID)
	}
	waitState(t, q, "segA", StateFailed)
}

func TestQueueStopCancelsInFlight(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)

	testSynth.gate("text A")
	q.Enqueue("segA", "text A")
	waitState(t, q, "segA", StateRequesting)

	q.Stop()
	if len(q.States()) != 0 {
		t.Errorf("queue not cleared by Stop")
	}
	// The cancelled synthesis must not surface as a frame later.
	noFrame(t, q, 100*time.Millisecond)
}

func TestQueuePauseHoldsPlayback(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)
	q.Pause()

	q.Enqueue("segA", "text A")
	waitState(t, q, "segA", StateReady)
	noFrame(t, q, 100*time.Millisecond)

	q.Resume()
	if f := nextFrame(t, q); f.SegmentID != "segA" {
		t.Fatalf("frame = %s, want segA", f.SegmentID)
	}
}

func TestQueueManualSynthesisStaleResponseDropped(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	startDefault(q)

	gate := testSynth.gate("old text")
	oldID := q.Synthesize("segA", "old text")
	newID := q.Synthesize("segA", "new text")

	waitState(t, q, newID, StateReady)
	close(gate)
	waitState(t, q, oldID, StateDone)

	if f := nextFrame(t, q); f.SegmentID != newID {
		t.Fatalf("frame = %s, want the newer request %s", f.SegmentID, newID)
	}
}

func TestQueueSwitchLanguagePreservesPreferences(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	q.Start(StartConfig{LanguageCode: "en", Tier: "neural2", Mode: "streaming"})

	q.SwitchLanguage("es", "es-ES-Neural2-A")

	q.mu.Lock()
	cfg := q.start
	started := q.started
	q.mu.Unlock()
	if !started {
		t.Fatal("queue stopped after language switch")
	}
	if cfg.LanguageCode != "es" || cfg.VoiceName != "es-ES-Neural2-A" {
		t.Errorf("start config = %+v", cfg)
	}
	if cfg.Tier != "neural2" || cfg.Mode != "streaming" {
		t.Errorf("tier/mode not preserved: %+v", cfg)
	}
}

func TestQueueFallbackKeepsListenerLanguage(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	q.Start(StartConfig{LanguageCode: "es", Tier: "chirp_hd", Mode: "unary"})

	testSynth.mu.Lock()
	testSynth.failModels["chirp-hd"] = true
	testSynth.mu.Unlock()

	q.Enqueue("segA", "hola a todos")

	f := nextFrame(t, q)
	if f.Route.Tier != "neural2" {
		t.Errorf("fallback tier = %q, want neural2", f.Route.Tier)
	}
	if f.Route.LanguageCode != "es" {
		t.Errorf("fallback route language = %q, want es", f.Route.LanguageCode)
	}
	if f.Route.FallbackFrom == nil || f.Route.FallbackFrom.Tier != "chirp_hd" {
		t.Errorf("FallbackFrom = %+v, want the failed chirp_hd tier", f.Route.FallbackFrom)
	}
}

func TestQueueFramesCarrySynthesisMode(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	q.Start(StartConfig{LanguageCode: "en", Tier: "neural2", Mode: "streaming"})

	q.Enqueue("segA", "first")
	f := nextFrame(t, q)
	if f.Mode != "streaming" {
		t.Errorf("frame mode = %q, want streaming", f.Mode)
	}
	for !f.IsLast {
		f = nextFrame(t, q)
	}
	q.MarkPlayed("segA")

	// A restart re-arms the mode; frames synthesized after it carry the
	// new one even while earlier frames are still in flight.
	q.Start(StartConfig{LanguageCode: "en", Tier: "neural2", Mode: "unary"})
	q.Enqueue("segB", "second")
	f = nextFrame(t, q)
	if f.Mode != "unary" {
		t.Errorf("frame mode after restart = %q, want unary", f.Mode)
	}
}
