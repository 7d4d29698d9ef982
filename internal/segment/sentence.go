package segment

import (
	"regexp"
	"strings"
	"time"
)

// SplitterConfig tunes the sentence splitter.
type SplitterConfig struct {
	MaxSentences int           // complete sentences held before forced flush
	MaxChars     int           // cumulative length before forced flush
	MaxIdle      time.Duration // idle time before forced flush
}

// DefaultSplitterConfig returns the production defaults.
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{
		MaxSentences: 10,
		MaxChars:     2000,
		MaxIdle:      15 * time.Second,
	}
}

const (
	// minFragmentChars keeps a short trailing sentence live so a later
	// hypothesis can extend it before it is committed.
	minFragmentChars = 25
	// recentPartialWindow withholds the newest sentence while partials
	// are still arriving for it.
	recentPartialWindow = 3 * time.Second
	// minOverlapChars is the suffix/prefix overlap needed to treat a new
	// input as a continuation of the previous cumulative text.
	minOverlapChars = 20
	// dupePrefixChars is the shared normalized prefix at which a forced
	// final counts as a duplicate of already-committed text.
	dupePrefixChars = 80
)

var sentencePattern = regexp.MustCompile(`[^.!?…]+[.!?…]+\s*`)

// Splitter incrementally splits the growing text of one segment into
// committed sentences and a live remainder. It is stateful and owned by a
// single goroutine.
type Splitter struct {
	config SplitterConfig

	cumulativeText  string
	flushedText     string
	lastPartialTime time.Time
	lastFlushTime   time.Time

	now func() time.Time
}

// NewSplitter creates a splitter with cfg.
func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 10
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 2000
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 15 * time.Second
	}
	return &Splitter{config: cfg, now: time.Now}
}

// ProcessPartial folds a new cumulative hypothesis in and returns the live
// (uncommitted) text plus any sentences flushed by this call.
func (s *Splitter) ProcessPartial(input string) (live string, flushed []string) {
	now := s.now()
	idle := time.Duration(0)
	if !s.lastPartialTime.IsZero() {
		idle = now.Sub(s.lastPartialTime)
	}
	recentPartial := !s.lastPartialTime.IsZero() && now.Sub(s.lastPartialTime) < recentPartialWindow
	s.lastPartialTime = now

	s.absorb(input)

	sentences, remainder := splitSentences(s.cumulativeText)
	candidates := s.unflushed(sentences)

	// Forced flush rules, in priority order.
	flushCount := 0
	switch {
	case len(candidates) >= s.config.MaxSentences:
		flushCount = len(candidates) - s.config.MaxSentences + 1
	case len(s.cumulativeText) > s.config.MaxChars:
		flushCount = len(candidates)
	case idle > s.config.MaxIdle:
		flushCount = len(candidates)
	default:
		// Auto-flush everything but the newest complete sentence; it may
		// still be extended by the hypotheses that keep arriving.
		flushCount = len(candidates) - 1
		if !recentPartial && len(candidates) > 0 {
			last := candidates[len(candidates)-1]
			if len(strings.TrimSpace(last)) >= minFragmentChars {
				flushCount = len(candidates)
			}
		}
	}
	if flushCount < 0 {
		flushCount = 0
	}
	if flushCount > len(candidates) {
		flushCount = len(candidates)
	}

	// Short-fragment guard on the last sentence about to be committed.
	if flushCount == len(candidates) && flushCount > 0 {
		last := strings.TrimSpace(candidates[flushCount-1])
		if len(last) < minFragmentChars && len(candidates) > 1 {
			flushCount--
		}
	}

	flushed = s.commit(candidates[:flushCount])
	live = strings.TrimSpace(strings.Join(candidates[flushCount:], "") + remainder)
	return live, flushed
}

// ProcessFinal commits the final text of a segment. When forced, the
// trailing fragment is committed too and the cumulative window slides past
// it so the next utterance's partials render immediately; when not forced,
// live state resets entirely.
func (s *Splitter) ProcessFinal(input string, forced bool) []string {
	s.absorb(input)

	sentences, remainder := splitSentences(s.cumulativeText)
	candidates := s.unflushed(sentences)
	if forced && strings.TrimSpace(remainder) != "" {
		candidates = append(candidates, remainder)
	}

	// Finals dedupe under normalization as well: re-recognized text often
	// differs only in punctuation.
	kept := candidates[:0]
	for _, c := range candidates {
		if s.isNormalizedDupe(c) {
			continue
		}
		kept = append(kept, c)
	}

	flushed := s.commit(kept)

	if forced {
		s.cumulativeText = ""
	} else {
		s.cumulativeText = ""
		s.lastPartialTime = time.Time{}
	}
	return flushed
}

// Live returns the current uncommitted text.
func (s *Splitter) Live() string {
	sentences, remainder := splitSentences(s.cumulativeText)
	candidates := s.unflushed(sentences)
	return strings.TrimSpace(strings.Join(candidates, "") + remainder)
}

// Reset clears all splitter state for a new turn.
func (s *Splitter) Reset() {
	s.cumulativeText = ""
	s.flushedText = ""
	s.lastPartialTime = time.Time{}
	s.lastFlushTime = time.Time{}
}

// absorb reconciles a new input with the cumulative text.
func (s *Splitter) absorb(input string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return
	}

	// A much shorter input is a new turn, not a revision.
	if len(input)*2 < len(s.cumulativeText) {
		s.cumulativeText = input
		s.flushedText = ""
		return
	}

	if len(input) >= len(s.cumulativeText) {
		s.cumulativeText = input
		return
	}

	// Shorter but not by half: splice on suffix/prefix overlap when one
	// exists, otherwise keep the longer text we already have.
	if overlap := suffixPrefixOverlap(s.cumulativeText, input); overlap >= minOverlapChars {
		s.cumulativeText = s.cumulativeText[:len(s.cumulativeText)-overlap] + input
	}
}

// unflushed filters out sentences already committed.
func (s *Splitter) unflushed(sentences []string) []string {
	out := make([]string, 0, len(sentences))
	for _, sent := range sentences {
		trimmed := strings.TrimSpace(sent)
		if trimmed == "" {
			continue
		}
		if s.flushedText != "" && strings.Contains(s.flushedText, trimmed) {
			continue
		}
		out = append(out, sent)
	}
	return out
}

func (s *Splitter) commit(sentences []string) []string {
	if len(sentences) == 0 {
		return nil
	}
	out := make([]string, 0, len(sentences))
	for _, sent := range sentences {
		trimmed := strings.TrimSpace(sent)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
		s.flushedText += sent
	}
	s.lastFlushTime = s.now()
	return out
}

// isNormalizedDupe reports whether a candidate matches already-committed
// text once lowercased, stripped of punctuation, and whitespace-collapsed.
func (s *Splitter) isNormalizedDupe(candidate string) bool {
	normCand := normalizeForDedupe(candidate)
	if normCand == "" {
		return true
	}
	normFlushed := normalizeForDedupe(s.flushedText)
	if normFlushed == "" {
		return false
	}
	if strings.Contains(normFlushed, normCand) {
		return true
	}

	// Long forced finals that restate committed text with drifted tails
	// still count as duplicates when a sizable prefix agrees.
	shared := sharedPrefixLen(normFlushed, normCand)
	limit := dupePrefixChars
	if len(normCand) < limit {
		limit = len(normCand)
	}
	if len(normFlushed) < limit {
		limit = len(normFlushed)
	}
	return limit > 0 && shared >= limit && shared >= len(normCand)*4/5
}

func splitSentences(text string) (sentences []string, remainder string) {
	if text == "" {
		return nil, ""
	}
	matches := sentencePattern.FindAllStringIndex(text, -1)
	end := 0
	for _, m := range matches {
		sentences = append(sentences, text[m[0]:m[1]])
		end = m[1]
	}
	return sentences, text[end:]
}

var dedupeStrip = strings.NewReplacer(
	".", "", ",", "", "!", "", "?", "", ";", "", ":", "", "'", "", `"`, "", "…", "",
)

func normalizeForDedupe(text string) string {
	lowered := strings.ToLower(dedupeStrip.Replace(text))
	return strings.Join(strings.Fields(lowered), " ")
}

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// suffixPrefixOverlap returns the length of the largest suffix of prev
// that is a prefix of next.
func suffixPrefixOverlap(prev, next string) int {
	max := len(prev)
	if len(next) < max {
		max = len(next)
	}
	for k := max; k > 0; k-- {
		if prev[len(prev)-k:] == next[:k] {
			return k
		}
	}
	return 0
}
