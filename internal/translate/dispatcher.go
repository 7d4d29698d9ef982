// Package translate fans segment text out to per-language translation
// workers. Each subscribed target language gets one worker goroutine that
// throttles partials, runs grammar correction and machine translation on
// finals, and emits caption frames for the session task to distribute.
package translate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

const (
	// partialThrottle spaces partial emissions per target language;
	// newer partials supersede older pending ones.
	partialThrottle = 50 * time.Millisecond
	// correctionBudget is the hard cap on grammar correction; on timeout
	// the raw text goes to the translator.
	correctionBudget = 500 * time.Millisecond
	// Translation deadlines scale with text length inside these bounds.
	minTranslateBudget = 2 * time.Second
	maxTranslateBudget = 15 * time.Second
)

// Update is a partial text revision for an open segment.
type Update struct {
	SegmentID string
	Text      string
}

// Final is the settled text of a closed segment.
type Final struct {
	SegmentID string
	Text      string
}

// Result is one caption frame for a target language.
type Result struct {
	SegmentID      string
	Seq            uint64
	SourceLang     string
	TargetLang     string
	Original       string
	Corrected      string
	Translated     string
	IsPartial      bool
	HasTranslation bool
	Timestamp      time.Time
}

// Config wires a dispatcher for one session.
type Config struct {
	SourceLang string
	Tier       string // selects the MT backend model
	Provider   map[string]string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher owns the per-language workers of one session. ProcessPartial
// and ProcessFinal are called by the session task; Results delivers frames
// back to it.
type Dispatcher struct {
	cfg        Config
	logger     *slog.Logger
	translator engine.Translator
	corrector  engine.Corrector

	results chan Result
	quit    chan struct{}

	mu        sync.Mutex
	workers   map[string]*worker
	refs      map[string]int
	currentID string
	closedIDs map[string]bool
	closed    bool
}

// New creates a dispatcher. The MT backend comes from the registry by
// tier; grammar correction is enabled when the provider config carries a
// token, otherwise corrections pass text through untouched.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	translator, err := registry.MT.Create("google", cfg.Provider)
	if err != nil {
		return nil, fault.Wrap(fault.TranslationFailed, "create translation backend", err)
	}

	var corrector engine.Corrector
	if registry.Grammar.Has("hf") && cfg.Provider["hf_token"] != "" {
		corrector, err = registry.Grammar.Create("hf", cfg.Provider)
		if err != nil {
			return nil, fault.Wrap(fault.TranslationFailed, "create grammar backend", err)
		}
	}

	return &Dispatcher{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "translate")),
		translator: translator,
		corrector:  corrector,
		results:    make(chan Result, 256),
		quit:       make(chan struct{}),
		workers:    make(map[string]*worker),
		refs:       make(map[string]int),
		closedIDs:  make(map[string]bool),
	}, nil
}

// Results yields caption frames across all target languages.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Subscribe adds a listener for lang, starting a worker on the first one.
func (d *Dispatcher) Subscribe(lang string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.refs[lang]++
	if d.refs[lang] == 1 {
		w := newWorker(d, lang)
		d.workers[lang] = w
		go w.run()
	}
}

// Unsubscribe drops a listener for lang, stopping the worker with the
// last one.
func (d *Dispatcher) Unsubscribe(lang string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs[lang] == 0 {
		return
	}
	d.refs[lang]--
	if d.refs[lang] == 0 {
		delete(d.refs, lang)
		if w := d.workers[lang]; w != nil {
			w.stop()
			delete(d.workers, lang)
		}
	}
}

// Languages returns the currently subscribed target languages.
func (d *Dispatcher) Languages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.refs))
	for lang := range d.refs {
		out = append(out, lang)
	}
	return out
}

// ProcessPartial forwards a partial update to every worker. A new segment
// id supersedes the previous one: its stale partials stop flowing.
func (d *Dispatcher) ProcessPartial(u Update) {
	d.mu.Lock()
	if d.closedIDs[u.SegmentID] {
		d.mu.Unlock()
		return
	}
	d.currentID = u.SegmentID
	workers := d.snapshot()
	d.mu.Unlock()

	for _, w := range workers {
		w.offerPartial(u)
	}
}

// ProcessFinal forwards a closed segment to every worker. Finals are never
// dropped, even for superseded segments.
func (d *Dispatcher) ProcessFinal(f Final) {
	d.mu.Lock()
	d.closedIDs[f.SegmentID] = true
	if len(d.closedIDs) > 512 {
		d.closedIDs = map[string]bool{f.SegmentID: true}
	}
	workers := d.snapshot()
	d.mu.Unlock()

	for _, w := range workers {
		w.offerFinal(f)
	}
}

// Close stops all workers and releases the providers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.quit)
	workers := d.snapshot()
	d.workers = map[string]*worker{}
	d.refs = map[string]int{}
	d.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	if d.corrector != nil {
		_ = d.corrector.Close()
	}
	return d.translator.Close()
}

func (d *Dispatcher) snapshot() []*worker {
	out := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	return out
}

func (d *Dispatcher) isSuperseded(segmentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closedIDs[segmentID] {
		return true
	}
	return d.currentID != "" && segmentID != d.currentID
}

func (d *Dispatcher) emit(r Result) {
	select {
	case d.results <- r:
	default:
		if !r.IsPartial {
			// Finals must land; block rather than drop.
			select {
			case d.results <- r:
			case <-d.quit:
			}
			return
		}
		d.logger.Warn("partial caption dropped, results backlog full",
			slog.String("segment_id", r.SegmentID),
			slog.String("target_lang", r.TargetLang))
	}
}

// worker serializes all emission for one target language.
type worker struct {
	d    *Dispatcher
	lang string

	partials chan Update
	finals   chan Final
	done     chan struct{}

	seq        uint64
	finalsSent map[string]bool
}

func newWorker(d *Dispatcher, lang string) *worker {
	return &worker{
		d:          d,
		lang:       lang,
		partials:   make(chan Update, 1),
		finals:     make(chan Final, 64),
		done:       make(chan struct{}),
		finalsSent: make(map[string]bool),
	}
}

func (w *worker) stop() { close(w.done) }

// offerPartial replaces any pending partial: newest wins.
func (w *worker) offerPartial(u Update) {
	for {
		select {
		case w.partials <- u:
			return
		default:
			select {
			case <-w.partials:
			default:
			}
		}
	}
}

func (w *worker) offerFinal(f Final) {
	select {
	case w.finals <- f:
	case <-w.done:
	}
}

func (w *worker) run() {
	var lastEmit time.Time
	for {
		select {
		case <-w.done:
			return
		case f := <-w.finals:
			w.handleFinal(f)
		case u := <-w.partials:
			if wait := partialThrottle - time.Since(lastEmit); wait > 0 {
				timer := time.NewTimer(wait)
			coalesce:
				for {
					select {
					case <-w.done:
						timer.Stop()
						return
					case f := <-w.finals:
						w.handleFinal(f)
					case newer := <-w.partials:
						u = newer
					case <-timer.C:
						break coalesce
					}
				}
			}
			// Queued finals always precede a newer segment's caption.
		drain:
			for {
				select {
				case f := <-w.finals:
					w.handleFinal(f)
				default:
					break drain
				}
			}
			if w.d.isSuperseded(u.SegmentID) {
				continue
			}
			w.emitPartial(u)
			lastEmit = time.Now()
		}
	}
}

func (w *worker) emitPartial(u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), translateBudget(u.Text))
	defer cancel()

	r := Result{
		SegmentID:  u.SegmentID,
		SourceLang: w.d.cfg.SourceLang,
		TargetLang: w.lang,
		Original:   u.Text,
		IsPartial:  true,
		Timestamp:  time.Now(),
	}

	if sameLanguage(w.lang, w.d.cfg.SourceLang) {
		r.Translated = u.Text
	} else {
		tr, err := w.d.translator.Translate(ctx, u.Text, w.d.cfg.SourceLang, w.lang)
		if err != nil {
			// Partials are best effort; the final will retry.
			w.d.logger.Debug("partial translation failed",
				slog.String("target_lang", w.lang), slog.Any("error", err))
			return
		}
		r.Translated = tr.Text
		r.HasTranslation = true
	}

	w.seq++
	r.Seq = w.seq
	w.d.emit(r)
}

// handleFinal produces exactly one final caption per (segment, language).
func (w *worker) handleFinal(f Final) {
	if w.finalsSent[f.SegmentID] {
		return
	}
	w.finalsSent[f.SegmentID] = true

	corrected := w.correct(f.Text)

	r := Result{
		SegmentID:  f.SegmentID,
		SourceLang: w.d.cfg.SourceLang,
		TargetLang: w.lang,
		Original:   f.Text,
		Corrected:  corrected,
		Timestamp:  time.Now(),
	}

	if sameLanguage(w.lang, w.d.cfg.SourceLang) {
		r.Translated = corrected
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), translateBudget(corrected))
		tr, err := w.d.translator.Translate(ctx, corrected, w.d.cfg.SourceLang, w.lang)
		cancel()
		if err != nil {
			w.d.logger.Warn("final translation failed, emitting source text",
				slog.String("segment_id", f.SegmentID),
				slog.String("target_lang", w.lang),
				slog.Any("error", err))
			r.Translated = corrected
		} else {
			r.Translated = tr.Text
			r.HasTranslation = true
		}
	}

	w.seq++
	r.Seq = w.seq
	w.d.emit(r)
	metrics.Add(context.Background(), w.d.cfg.Metrics.TranslationsFinal, 1,
		attribute.String("target_lang", w.lang))
}

// correct runs the grammar pass under its hard budget. Any failure or
// timeout falls back to the raw text.
func (w *worker) correct(text string) string {
	if w.d.corrector == nil {
		return text
	}
	ctx, cancel := context.WithTimeout(context.Background(), correctionBudget)
	defer cancel()

	c, err := w.d.corrector.Correct(ctx, text, w.d.cfg.SourceLang)
	if err != nil || c.Corrected == "" {
		return text
	}
	return c.Corrected
}

// translateBudget sizes a provider deadline to the text length.
func translateBudget(text string) time.Duration {
	budget := minTranslateBudget + time.Duration(len(text))*5*time.Millisecond
	if budget > maxTranslateBudget {
		return maxTranslateBudget
	}
	return budget
}

func sameLanguage(a, b string) bool {
	return shortTag(a) == shortTag(b)
}

func shortTag(lang string) string {
	for i := 0; i < len(lang); i++ {
		if lang[i] == '-' || lang[i] == '_' {
			return lang[:i]
		}
	}
	return lang
}
