package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyglotcast/polyglotcast/internal/asr"
	"github.com/polyglotcast/polyglotcast/internal/gateway/protocol"
	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/quota"
	"github.com/polyglotcast/polyglotcast/internal/segment"
	"github.com/polyglotcast/polyglotcast/internal/translate"
	"github.com/polyglotcast/polyglotcast/pkg/events"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

const (
	sweepInterval = 10 * time.Second
	usageInterval = 10 * time.Second
	statsInterval = 10 * time.Second

	// splitStateTTL bounds how long a per-segment sentence splitter
	// survives without its translation final arriving.
	splitStateTTL = 2 * time.Minute
)

// TaskConfig wires one session pipeline.
type TaskConfig struct {
	SessionID  string
	Tenant     string
	SourceLang string
	Tier       string
	SampleRate int
	Provider   map[string]string

	Registry *Registry
	Gate     *quota.Gate
	Hub      *events.Hub
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Task is the single goroutine that serializes one session's pipeline:
// recognition events in, segments assembled, translations dispatched,
// caption and radio frames fanned out to the audience.
type Task struct {
	cfg    TaskConfig
	logger *slog.Logger
	meter  *metrics.Metrics

	adapter    *asr.Adapter
	assembler  *segment.Assembler
	dispatcher *translate.Dispatcher

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	audioBytes atomic.Int64
	blocked    atomic.Bool

	stopOnce sync.Once

	// loop-owned; never touched outside run.
	splitters map[string]*splitState
	warned    bool
}

type splitState struct {
	sp      *segment.Splitter
	next    int
	touched time.Time
}

// NewTask opens the recognition stream, wires the translation dispatcher,
// and starts the pipeline loop.
func NewTask(ctx context.Context, cfg TaskConfig) (*Task, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session_id", cfg.SessionID))
	meter := cfg.Metrics
	if meter == nil {
		meter = metrics.Nop()
	}

	adapter, err := asr.New(ctx, asr.Config{
		Tier:       cfg.Tier,
		Language:   cfg.SourceLang,
		SampleRate: cfg.SampleRate,
		Provider:   cfg.Provider,
		Logger:     logger,
		Metrics:    meter,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := translate.New(translate.Config{
		SourceLang: cfg.SourceLang,
		Tier:       cfg.Tier,
		Provider:   cfg.Provider,
		Logger:     logger,
		Metrics:    meter,
	})
	if err != nil {
		adapter.Close()
		return nil, err
	}

	t := &Task{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "session_task")),
		meter:      meter,
		adapter:    adapter,
		assembler:  segment.NewAssembler(logger),
		dispatcher: dispatcher,
		cmds:       make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		splitters:  make(map[string]*splitState),
	}
	if cfg.Registry != nil {
		cfg.Registry.bindTask(cfg.SessionID, t)
	}
	go t.run(ctx)
	return t, nil
}

// Audio feeds one PCM16 chunk from the host into recognition. Rejected
// once the tenant's quota is exhausted.
func (t *Task) Audio(ctx context.Context, pcm []byte) error {
	if t.blocked.Load() {
		return fault.New(fault.QuotaExceeded, "audio budget exhausted")
	}
	if err := t.adapter.Send(ctx, pcm); err != nil {
		return err
	}
	t.audioBytes.Add(int64(len(pcm)))
	return nil
}

// AudioEnd flushes recognition and closes the open segment.
func (t *Task) AudioEnd() {
	t.enqueue(func() {
		if closed := t.assembler.SignalExplicitBoundary(); closed != nil {
			t.onClosed(*closed)
		}
	})
}

// Stop tears the pipeline down. Safe to call more than once.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.quit) })
	<-t.done
}

func (t *Task) enqueue(fn func()) {
	select {
	case t.cmds <- fn:
	case <-t.quit:
	}
}

func (t *Task) languageJoined(lang string) { t.dispatcher.Subscribe(lang) }
func (t *Task) languageLeft(lang string)   { t.dispatcher.Unsubscribe(lang) }

// censusChanged refreshes the host's session_stats frame off the loop
// goroutine. Called by the registry on join, leave and language change.
func (t *Task) censusChanged() {
	t.enqueue(t.pushStats)
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer t.dispatcher.Close()
	defer t.adapter.Close()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	usage := time.NewTicker(usageInterval)
	defer usage.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	asrEvents := t.adapter.Events()
	for {
		select {
		case ev, ok := <-asrEvents:
			if !ok {
				t.asrTerminal()
				asrEvents = nil
				continue
			}
			t.onAsrEvent(ev.Text, ev.IsFinal)
		case <-t.adapter.Boundaries():
			if closed := t.assembler.SignalHardBoundary(); closed != nil {
				t.onClosed(*closed)
			}
		case r := <-t.dispatcher.Results():
			t.onResult(r)
		case fn := <-t.cmds:
			fn()
		case <-sweep.C:
			for _, c := range t.assembler.Sweep() {
				t.onClosed(c)
			}
			t.pruneSplitters()
		case <-stats.C:
			t.pushStats()
		case <-usage.C:
			t.recordUsage(ctx)
		case <-t.quit:
			t.recordUsage(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Task) onAsrEvent(text string, isFinal bool) {
	closed, open := t.assembler.ProcessAsrResult(text, isFinal)
	for _, c := range closed {
		t.onClosed(c)
	}
	if open == nil {
		return
	}
	t.toHost(protocol.TypeTranscript, protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SegmentID: open.ID,
		Text:      open.Text,
		IsPartial: true,
		Timestamp: time.Now().UnixMilli(),
	})
	t.dispatcher.ProcessPartial(translate.Update{SegmentID: open.ID, Text: open.Text})
}

func (t *Task) onClosed(c segment.Assembled) {
	t.toHost(protocol.TypeTranscript, protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SegmentID: c.ID,
		Text:      c.Text,
		Timestamp: c.ClosedAt.UnixMilli(),
	})
	t.dispatcher.ProcessFinal(translate.Final{SegmentID: c.ID, Text: c.Text})
	metrics.Add(context.Background(), t.meter.SegmentsClosed, 1)
	if t.cfg.Hub != nil {
		_ = t.cfg.Hub.Emit(context.Background(), events.SegmentClosed, t.cfg.SessionID, events.SegmentClosedData{
			SegmentID: c.ID,
			Text:      c.Text,
			Reason:    string(c.Reason),
		})
	}
}

// onResult fans one translation frame out as captions, and for finals
// feeds the sentence splitter that paces radio synthesis.
func (t *Task) onResult(r translate.Result) {
	frame := protocol.Translation{
		Type:           protocol.TypeTranslation,
		SegmentID:      r.SegmentID,
		OriginalText:   r.Original,
		CorrectedText:  r.Corrected,
		TranslatedText: r.Translated,
		IsPartial:      r.IsPartial,
		TargetLang:     r.TargetLang,
		SourceLang:     r.SourceLang,
		HasTranslation: r.HasTranslation,
		Timestamp:      r.Timestamp.UnixMilli(),
	}
	t.toHost(protocol.TypeTranslation, frame)

	if !r.IsPartial && t.cfg.Hub != nil {
		_ = t.cfg.Hub.Emit(context.Background(), events.TranslationFinal, t.cfg.SessionID, events.TranslationData{
			SegmentID:      r.SegmentID,
			TargetLang:     r.TargetLang,
			TranslatedText: r.Translated,
		})
	}

	listeners := t.cfg.Registry.Listeners(t.cfg.SessionID)
	for _, l := range listeners {
		if l.Lang != r.TargetLang || l.Sink == nil {
			continue
		}
		l.Sink.Deliver(protocol.TypeTranslation, frame)
	}

	key := r.TargetLang + "|" + r.SegmentID
	st := t.splitters[key]
	if st == nil {
		st = &splitState{sp: segment.NewSplitter(segment.DefaultSplitterConfig())}
		t.splitters[key] = st
	}
	st.touched = time.Now()

	var sentences []string
	if r.IsPartial {
		_, sentences = st.sp.ProcessPartial(r.Translated)
	} else {
		sentences = st.sp.ProcessFinal(r.Translated, true)
		delete(t.splitters, key)
	}
	t.speak(r, listeners, st, sentences)
}

// subSegmentID names the nth sentence of a segment. '_' sorts below the
// xid alphabet, so sub-ids sort inside their parent segment id and before
// the next one. The zero-padded index keeps that ordering for up to 10000
// sentences per segment, far past what the splitter can flush.
func subSegmentID(segID string, n int) string {
	return fmt.Sprintf("%s_s%04d", segID, n)
}

// speak enqueues flushed sentences onto every armed radio queue of the
// result's language.
func (t *Task) speak(r translate.Result, listeners []*Listener, st *splitState, sentences []string) {
	for _, sentence := range sentences {
		id := subSegmentID(r.SegmentID, st.next)
		st.next++
		for _, l := range listeners {
			if l.Lang != r.TargetLang || l.Queue == nil {
				continue
			}
			l.Queue.Enqueue(id, sentence)
		}
	}
}

func (t *Task) pruneSplitters() {
	cutoff := time.Now().Add(-splitStateTTL)
	for key, st := range t.splitters {
		if st.touched.Before(cutoff) {
			delete(t.splitters, key)
		}
	}
}

func (t *Task) pushStats() {
	st := t.cfg.Registry.Stats(t.cfg.SessionID)
	t.toHost(protocol.TypeSessionStats, protocol.SessionStats{
		Type: protocol.TypeSessionStats,
		Stats: protocol.SessionCensus{
			ListenerCount:  st.ListenerCount,
			LanguageCounts: st.LanguageCounts,
		},
	})
}

// recordUsage books accrued host audio against the tenant's budget.
func (t *Task) recordUsage(ctx context.Context) {
	if t.cfg.Gate == nil || t.cfg.SampleRate <= 0 {
		return
	}
	bytes := t.audioBytes.Swap(0)
	if bytes == 0 {
		return
	}
	dur := time.Duration(bytes) * time.Second / time.Duration(2*t.cfg.SampleRate)
	dec, err := t.cfg.Gate.Record(ctx, t.cfg.Tenant, dur)
	if err != nil {
		t.logger.Warn("quota record failed", slog.String("error", err.Error()))
	}
	if !dec.Allowed {
		t.blocked.Store(true)
		t.toHost(protocol.TypeQuotaExceeded, protocol.Quota{
			Type:        protocol.TypeQuotaExceeded,
			PercentUsed: dec.PercentUsed,
			Message:     dec.Message,
			Actions:     []string{"upgrade_plan"},
		})
		return
	}
	if dec.Warning && !t.warned {
		t.warned = true
		t.toHost(protocol.TypeQuotaWarning, protocol.Quota{
			Type:        protocol.TypeQuotaWarning,
			PercentUsed: dec.PercentUsed,
			Message:     dec.Message,
		})
	}
}

// asrTerminal handles an unrecoverable recognition failure: the session
// ends; captions already delivered stay delivered.
func (t *Task) asrTerminal() {
	err := t.adapter.Err()
	msg := "speech recognition unavailable"
	if err != nil {
		msg = err.Error()
	}
	t.logger.Error("recognition stream terminal", slog.String("error", msg))
	t.toHost(protocol.TypeError, protocol.ServerError{
		Type:    protocol.TypeError,
		Code:    string(fault.AsrFailed),
		Message: msg,
	})
	go t.cfg.Registry.End(t.cfg.SessionID)
}

func (t *Task) toHost(msgType string, payload any) {
	if sink := t.cfg.Registry.HostSink(t.cfg.SessionID); sink != nil {
		sink.Deliver(msgType, payload)
	}
}
