// Package segment turns noisy streaming recognition output into stable,
// identity-tracked segments and displayable sentences. The assembler is the
// single writer for a session's open segments; it is not safe for
// concurrent use and is owned by the session task.
package segment

import (
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/rs/xid"
)

// CloseReason says why an open segment was closed.
type CloseReason string

const (
	ReasonNewSegment       CloseReason = "new_segment"
	ReasonHardBoundary     CloseReason = "hard_boundary"
	ReasonExplicitBoundary CloseReason = "explicit_boundary"
	ReasonStale            CloseReason = "stale"
)

const (
	// prefixTokens is how many leading tokens feed the identity prefix.
	prefixTokens = 12
	// minMatchableChars is the prefix length below which a hypothesis is
	// too short to carry identity; it attaches to the current segment and
	// may become matchable as it grows.
	minMatchableChars = 20
	// prefixOverlap is the required bidirectional containment ratio.
	prefixOverlap = 0.7
	// spliceMin/spliceMax bound the suffix-of-existing / prefix-of-new
	// window used when merging divergent hypotheses.
	spliceMin = 10
	spliceMax = 50
	// staleAfter closes a segment that stopped growing.
	staleAfter = 30 * time.Second
)

// Open is a segment still accumulating text. Text length never decreases.
type Open struct {
	ID               string
	Text             string
	NormalizedPrefix string
	CreatedAt        time.Time
	LastUpdatedAt    time.Time
	HasStableTokens  bool
	FinalCount       int
	LastFinalText    string
}

// Assembled is the single emission produced when an open segment closes.
type Assembled struct {
	ID       string
	Text     string
	Reason   CloseReason
	ClosedAt time.Time
}

// Assembler converts ASR partial/final events into open and closed
// segments. A provider final marks token stability, never segment end;
// segments close only on structural boundaries.
type Assembler struct {
	open   []*Open
	logger *slog.Logger
	now    func() time.Time
}

// NewAssembler creates an assembler.
func NewAssembler(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger, now: time.Now}
}

// Open returns the most recent open segment, or nil.
func (a *Assembler) Open() *Open {
	if len(a.open) == 0 {
		return nil
	}
	return a.open[len(a.open)-1]
}

// ProcessAsrResult folds one recognition hypothesis into the open segments.
// It returns the segments closed by this event (zero or one in practice)
// and the open segment the text landed in.
func (a *Assembler) ProcessAsrResult(text string, isFinal bool) ([]Assembled, *Open) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, a.Open()
	}

	prefix := normalizedPrefix(text)
	matchable := len(prefix) >= minMatchableChars

	var closed []Assembled

	target := a.match(prefix, matchable)
	if target == nil {
		// A matchable hypothesis that shares no prefix with the current
		// segment is the start of the next utterance.
		if cur := a.Open(); cur != nil && matchable {
			closed = append(closed, a.close(cur, ReasonNewSegment))
		}
		target = a.create(text)
	} else {
		a.merge(target, text)
	}

	if isFinal {
		target.HasStableTokens = true
		target.FinalCount++
		target.LastFinalText = target.Text
	}

	return closed, target
}

// SignalHardBoundary closes the most recent open segment after sustained
// silence. Returns nil when nothing is open.
func (a *Assembler) SignalHardBoundary() *Assembled {
	return a.closeMostRecent(ReasonHardBoundary)
}

// SignalExplicitBoundary closes the most recent open segment on an explicit
// host boundary (audio_end, host stop).
func (a *Assembler) SignalExplicitBoundary() *Assembled {
	return a.closeMostRecent(ReasonExplicitBoundary)
}

// Sweep closes segments that have not grown within the staleness window.
// The session task calls it on a 10s cadence.
func (a *Assembler) Sweep() []Assembled {
	cutoff := a.now().Add(-staleAfter)

	var closed []Assembled
	remaining := a.open[:0]
	for _, seg := range a.open {
		if seg.LastUpdatedAt.Before(cutoff) {
			closed = append(closed, Assembled{
				ID:       seg.ID,
				Text:     seg.Text,
				Reason:   ReasonStale,
				ClosedAt: a.now(),
			})
			continue
		}
		remaining = append(remaining, seg)
	}
	a.open = remaining
	return closed
}

func (a *Assembler) closeMostRecent(reason CloseReason) *Assembled {
	cur := a.Open()
	if cur == nil {
		return nil
	}
	out := a.close(cur, reason)
	return &out
}

func (a *Assembler) close(seg *Open, reason CloseReason) Assembled {
	remaining := a.open[:0]
	for _, s := range a.open {
		if s != seg {
			remaining = append(remaining, s)
		}
	}
	a.open = remaining

	return Assembled{
		ID:       seg.ID,
		Text:     seg.Text,
		Reason:   reason,
		ClosedAt: a.now(),
	}
}

func (a *Assembler) create(text string) *Open {
	now := a.now()
	seg := &Open{
		ID:               xid.New().String(),
		Text:             text,
		NormalizedPrefix: normalizedPrefix(text),
		CreatedAt:        now,
		LastUpdatedAt:    now,
	}
	a.open = append(a.open, seg)
	return seg
}

// match finds the open segment the hypothesis belongs to. Unmatchable
// (short) text sticks with the most recent segment.
func (a *Assembler) match(prefix string, matchable bool) *Open {
	if !matchable {
		return a.Open()
	}
	for i := len(a.open) - 1; i >= 0; i-- {
		if prefixesOverlap(prefix, a.open[i].NormalizedPrefix) {
			return a.open[i]
		}
	}
	return nil
}

// merge folds new hypothesis text into seg, keeping growth monotonic.
func (a *Assembler) merge(seg *Open, text string) {
	seg.LastUpdatedAt = a.now()

	merged := mergeText(seg.Text, text)
	if len(merged) < len(seg.Text) {
		a.logger.Warn("segment merge would shrink text, keeping existing",
			slog.String("segment_id", seg.ID),
			slog.Int("existing_len", len(seg.Text)),
			slog.Int("merged_len", len(merged)))
		return
	}
	seg.Text = merged
	seg.NormalizedPrefix = normalizedPrefix(merged)
}

// mergeText combines an existing segment text with a newer hypothesis.
func mergeText(existing, next string) string {
	if next == existing || len(next) < len(existing) {
		return existing
	}
	if strings.HasPrefix(strings.ToLower(next), strings.ToLower(existing)) {
		return next
	}

	// The hypotheses diverged mid-stream: splice on the largest suffix of
	// existing that prefixes next.
	lowExisting := strings.ToLower(existing)
	lowNext := strings.ToLower(next)
	max := spliceMax
	if max > len(existing) {
		max = len(existing)
	}
	if max > len(next) {
		max = len(next)
	}
	for k := max; k >= spliceMin; k-- {
		if lowExisting[len(lowExisting)-k:] == lowNext[:k] {
			return existing + next[k:]
		}
	}

	if len(next) > len(existing) {
		return next
	}
	return existing
}

// normalizedPrefix lowercases and strips punctuation from the first
// prefixTokens tokens, producing the identity key for prefix matching.
func normalizedPrefix(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) > prefixTokens {
		fields = fields[:prefixTokens]
	}
	for i, f := range fields {
		fields[i] = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return -1
			}
			return r
		}, f)
	}
	return strings.TrimSpace(strings.Join(fields, " "))
}

// prefixesOverlap reports bidirectional prefix containment: the shared
// leading run must cover at least prefixOverlap of the shorter prefix.
func prefixesOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	shared := 0
	for shared < shorter && a[shared] == b[shared] {
		shared++
	}
	return float64(shared) >= prefixOverlap*float64(shorter)
}
