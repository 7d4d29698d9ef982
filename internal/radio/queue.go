package radio

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/pkg/events"
)

// Entry states.
type EntryState string

const (
	StatePending    EntryState = "pending"
	StateRequesting EntryState = "requesting"
	StateReady      EntryState = "ready"
	StatePlaying    EntryState = "playing"
	StateDone       EntryState = "done"
	StateFailed     EntryState = "failed"
)

const (
	defaultMaxConcurrent = 3
	defaultQueueLimit    = 25
)

// Frame is one piece of synthesized audio headed to the listener.
type Frame struct {
	SegmentID string
	Seq       int
	IsLast    bool
	Data      []byte
	MimeType  string
	Mode      string // "unary" or "streaming", as synthesized
	Route     engine.ResolvedRoute
}

// StartConfig is the listener's radio-mode configuration.
type StartConfig struct {
	LanguageCode string
	VoiceName    string
	Tier         string
	Mode         string // "unary" or "streaming"
	SSML         *engine.SSMLOptions
	Knobs        *engine.VoiceKnobs
	Prompt       string
	Intensity    float64
	StartFrom    string // low-water segment id; earlier segments are never spoken
}

// QueueConfig wires one listener queue.
type QueueConfig struct {
	SessionID     string
	ListenerID    string
	MaxConcurrent int64
	Limit         int
	Hub           *events.Hub
	Logger        *slog.Logger
}

type entry struct {
	segmentID string
	requestID uint64 // manual requests only
	text      string
	state     EntryState
	mode      string
	route     engine.ResolvedRoute
	chunks    []engine.AudioChunk
}

// Queue is the per-listener radio queue. Entries move
// pending→requesting→ready→playing→done in FIFO order; synthesis runs
// concurrently up to the cap but playback is strictly ordered.
type Queue struct {
	cfg    QueueConfig
	router *Router
	logger *slog.Logger
	sem    *semaphore.Weighted
	frames chan Frame

	mu         sync.Mutex
	started    bool
	paused     bool
	start      StartConfig
	entries    []*entry
	dedupe     map[string]bool
	inFlight   map[string]context.CancelFunc
	lastSeen   string
	lastReqID  uint64
	playingID  string
	quit       chan struct{}
	quitClosed bool
}

// NewQueue creates a stopped queue; Start arms it.
func NewQueue(router *Router, cfg QueueConfig) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultQueueLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		router:   router,
		logger:   cfg.Logger.With(slog.String("component", "radio_queue")),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		frames:   make(chan Frame, 64),
		dedupe:   make(map[string]bool),
		inFlight: make(map[string]context.CancelFunc),
		quit:     make(chan struct{}),
	}
}

// Frames yields synthesized audio in playback order.
func (q *Queue) Frames() <-chan Frame { return q.frames }

// Start clears the queue and arms it with the listener's configuration.
// StartFrom becomes the low-water mark: earlier segments are never spoken.
func (q *Queue) Start(cfg StartConfig) {
	q.mu.Lock()
	q.stopLocked()
	q.started = true
	q.paused = false
	q.start = cfg
	q.lastSeen = cfg.StartFrom
	q.mu.Unlock()
}

// Stop cancels in-flight syntheses, clears the queue, and halts playback.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopLocked()
	q.mu.Unlock()
}

func (q *Queue) stopLocked() {
	for _, cancel := range q.inFlight {
		cancel()
	}
	q.inFlight = make(map[string]context.CancelFunc)
	q.entries = nil
	q.dedupe = make(map[string]bool)
	q.playingID = ""
	q.started = false
}

// Pause suspends playback without draining the queue.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume continues playback.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.promote()
}

// SwitchLanguage atomically restarts the queue for a new language and
// voice, preserving tier, mode, and style preferences.
func (q *Queue) SwitchLanguage(lang, voice string) {
	q.mu.Lock()
	cfg := q.start
	cfg.LanguageCode = lang
	cfg.VoiceName = voice
	q.stopLocked()
	q.started = true
	q.start = cfg
	q.lastSeen = cfg.StartFrom
	q.mu.Unlock()
}

// Close shuts down the queue permanently.
func (q *Queue) Close() {
	q.mu.Lock()
	q.stopLocked()
	if !q.quitClosed {
		q.quitClosed = true
		close(q.quit)
	}
	q.mu.Unlock()
}

// Enqueue adds a finalized segment for synthesis. Historic and duplicate
// segments are rejected; overflow drops the oldest pending-or-done entry.
func (q *Queue) Enqueue(segmentID, text string) {
	q.mu.Lock()
	if !q.started || text == "" {
		q.mu.Unlock()
		return
	}
	if q.dedupe[segmentID] {
		q.mu.Unlock()
		return
	}
	// Segment ids are xid strings: lexicographic order is creation order.
	if q.lastSeen != "" && segmentID < q.lastSeen {
		q.mu.Unlock()
		return
	}
	q.dedupe[segmentID] = true
	q.evictForLocked()
	q.entries = append(q.entries, &entry{segmentID: segmentID, text: text, state: StatePending})
	q.mu.Unlock()

	q.emitEvent(events.TTSRequested, segmentID)
	q.pump()
}

// Synthesize is a manual, listener-initiated synthesis. The request id
// suffix lets stale responses be dropped when a newer request supersedes
// them.
func (q *Queue) Synthesize(segmentID, text string) string {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ""
	}
	q.lastReqID++
	reqID := q.lastReqID
	id := segmentID + "_ts" + strconv.FormatUint(reqID, 10)
	q.evictForLocked()
	q.entries = append(q.entries, &entry{
		segmentID: id,
		requestID: reqID,
		text:      text,
		state:     StatePending,
	})
	q.mu.Unlock()

	q.pump()
	return id
}

// MarkPlayed completes the playing entry and promotes the next one.
func (q *Queue) MarkPlayed(segmentID string) {
	q.mu.Lock()
	if q.playingID == segmentID {
		if e := q.find(segmentID); e != nil {
			e.state = StateDone
		}
		q.playingID = ""
	}
	q.mu.Unlock()
	q.promote()
}

// States reports entry states by segment id, for stats frames.
func (q *Queue) States() map[string]EntryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]EntryState, len(q.entries))
	for _, e := range q.entries {
		out[e.segmentID] = e.state
	}
	return out
}

// evictForLocked makes room for one new entry by dropping the oldest
// pending-or-done entry once the queue is at its limit.
func (q *Queue) evictForLocked() {
	if len(q.entries) < q.cfg.Limit {
		return
	}
	for i, e := range q.entries {
		if e.state == StatePending || e.state == StateDone {
			q.logger.Debug("queue full, dropping entry",
				slog.String("segment_id", e.segmentID),
				slog.String("state", string(e.state)))
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
	// Everything is in flight or playing; drop the head.
	q.entries = q.entries[1:]
}

// pump promotes pending entries into requesting up to the concurrency cap.
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		var next *entry
		for _, e := range q.entries {
			if e.state == StatePending {
				next = e
				break
			}
		}
		if next == nil || !q.sem.TryAcquire(1) {
			q.mu.Unlock()
			return
		}
		next.state = StateRequesting
		ctx, cancel := context.WithCancel(context.Background())
		q.inFlight[next.segmentID] = cancel
		cfg := q.start
		q.mu.Unlock()

		go q.synthesize(ctx, next.segmentID, next.text, next.requestID, cfg)
	}
}

func (q *Queue) synthesize(ctx context.Context, segmentID, text string, requestID uint64, cfg StartConfig) {
	// On any exit a slot has freed and the head may be playable.
	defer func() {
		q.pump()
		q.promote()
	}()
	defer q.sem.Release(1)
	defer func() {
		q.mu.Lock()
		if cancel, ok := q.inFlight[segmentID]; ok {
			cancel()
			delete(q.inFlight, segmentID)
		}
		q.mu.Unlock()
	}()

	route, err := q.router.Resolve(cfg.Tier, cfg.VoiceName, cfg.LanguageCode)
	if err != nil {
		q.fail(segmentID, err)
		return
	}

	req := engine.SynthRequest{
		Text:      text,
		SSML:      cfg.SSML,
		Knobs:     cfg.Knobs,
		Prompt:    cfg.Prompt,
		Intensity: cfg.Intensity,
	}

	var chunks []engine.AudioChunk
	if cfg.Mode == "streaming" {
		chunks, route, err = q.collectStream(ctx, route, req)
	} else {
		var res engine.SynthResult
		res, route, err = q.router.Synthesize(ctx, route, req)
		if err == nil {
			chunks = []engine.AudioChunk{{Seq: 0, IsLast: true, Data: res.Audio, MimeType: res.MimeType}}
		}
	}
	if err != nil {
		q.fail(segmentID, err)
		return
	}

	q.mu.Lock()
	e := q.find(segmentID)
	if e == nil || e.state != StateRequesting {
		// Stopped or evicted while synthesizing.
		q.mu.Unlock()
		return
	}
	if requestID != 0 && requestID < q.lastReqID {
		// A newer manual request supersedes this response.
		e.state = StateDone
		q.mu.Unlock()
		return
	}
	e.state = StateReady
	e.mode = cfg.Mode
	e.route = route
	e.chunks = chunks
	q.mu.Unlock()

	q.emitEvent(events.TTSReady, segmentID)
	q.promote()
}

// collectStream drains a streaming synthesis, dropping out-of-order
// chunks, and returns them in seq order.
func (q *Queue) collectStream(ctx context.Context, route engine.ResolvedRoute, req engine.SynthRequest) ([]engine.AudioChunk, engine.ResolvedRoute, error) {
	ch, route, err := q.router.Stream(ctx, route, req)
	if err != nil {
		return nil, route, err
	}

	var chunks []engine.AudioChunk
	maxSeq := -1
	for chunk := range ch {
		if chunk.Seq <= maxSeq {
			q.logger.Debug("dropping out-of-order audio chunk",
				slog.Int("seq", chunk.Seq), slog.Int("max_seq", maxSeq))
			continue
		}
		maxSeq = chunk.Seq
		chunks = append(chunks, chunk)
		if chunk.IsLast {
			break
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, route, nil
}

func (q *Queue) fail(segmentID string, err error) {
	q.mu.Lock()
	if e := q.find(segmentID); e != nil {
		e.state = StateFailed
	}
	q.mu.Unlock()

	q.logger.Warn("synthesis failed, advancing past entry",
		slog.String("segment_id", segmentID), slog.Any("error", err))
	q.emitEvent(events.TTSFailed, segmentID)
	q.promote()
}

// promote moves the head-of-queue ready entry into playing and ships its
// audio. At most one entry plays at a time; failed and done entries are
// skipped so the queue always makes forward progress.
func (q *Queue) promote() {
	q.mu.Lock()
	if q.paused || q.playingID != "" {
		q.mu.Unlock()
		return
	}
	var head *entry
	for _, e := range q.entries {
		if e.state == StateDone || e.state == StateFailed {
			continue
		}
		head = e
		break
	}
	if head == nil || head.state != StateReady {
		q.mu.Unlock()
		return
	}
	head.state = StatePlaying
	q.playingID = head.segmentID
	chunks := head.chunks
	mode := head.mode
	route := head.route
	id := head.segmentID
	q.mu.Unlock()

	for _, chunk := range chunks {
		select {
		case q.frames <- Frame{
			SegmentID: id,
			Seq:       chunk.Seq,
			IsLast:    chunk.IsLast,
			Data:      chunk.Data,
			MimeType:  chunk.MimeType,
			Mode:      mode,
			Route:     route,
		}:
		case <-q.quit:
			return
		}
	}
}

func (q *Queue) find(segmentID string) *entry {
	for _, e := range q.entries {
		if e.segmentID == segmentID {
			return e
		}
	}
	return nil
}

func (q *Queue) emitEvent(t events.EventType, segmentID string) {
	if q.cfg.Hub == nil {
		return
	}
	q.cfg.Hub.Emit(context.Background(), t, q.cfg.SessionID, events.TTSEventData{
		ListenerID: q.cfg.ListenerID,
		SegmentID:  segmentID,
	})
}
