package segment

import (
	"strings"
	"testing"
	"time"
)

func newTestSplitter(t *testing.T) (*Splitter, *time.Time) {
	t.Helper()
	s := NewSplitter(DefaultSplitterConfig())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSplitterHoldsIncompleteSentence(t *testing.T) {
	s, _ := newTestSplitter(t)

	live, flushed := s.ProcessPartial("the message this morning is about")
	if len(flushed) != 0 {
		t.Fatalf("flushed %v from incomplete sentence, want nothing", flushed)
	}
	if live != "the message this morning is about" {
		t.Errorf("live = %q, want the full partial", live)
	}
}

func TestSplitterCommitsEarlierSentences(t *testing.T) {
	s, now := newTestSplitter(t)

	s.ProcessPartial("Alpha sentence number one is sufficiently long")
	*now = now.Add(time.Second)
	live, flushed := s.ProcessPartial(
		"Alpha sentence number one is sufficiently long. Beta sentence number two is complete as well. Gamma grows")

	if len(flushed) != 1 {
		t.Fatalf("flushed %d sentences, want 1: %v", len(flushed), flushed)
	}
	if flushed[0] != "Alpha sentence number one is sufficiently long." {
		t.Errorf("flushed[0] = %q", flushed[0])
	}
	if !strings.HasPrefix(live, "Beta sentence number two") {
		t.Errorf("live = %q", live)
	}
}

func TestSplitterWithholdsNewestSentenceWhilePartialsArrive(t *testing.T) {
	s, now := newTestSplitter(t)

	s.ProcessPartial("This sentence will complete on the next")
	*now = now.Add(time.Second)
	live, flushed := s.ProcessPartial("This sentence will complete on the next hypothesis.")
	if len(flushed) != 0 {
		t.Fatalf("flushed %v while partials still arriving, want nothing", flushed)
	}
	if live != "This sentence will complete on the next hypothesis." {
		t.Errorf("live = %q", live)
	}

	// Once partials go quiet the held sentence commits.
	*now = now.Add(4 * time.Second)
	_, flushed = s.ProcessPartial("This sentence will complete on the next hypothesis.")
	if len(flushed) != 1 {
		t.Fatalf("flushed %d sentences after quiet period, want 1", len(flushed))
	}
}

func TestSplitterHoldsShortTrailingFragment(t *testing.T) {
	s, _ := newTestSplitter(t)

	live, flushed := s.ProcessPartial("Amen. And the people responded with great enthusiasm")
	if len(flushed) != 0 {
		t.Fatalf("flushed %v, want the short sentence held back", flushed)
	}
	if !strings.HasPrefix(live, "Amen.") {
		t.Errorf("live = %q, want it to retain the short fragment", live)
	}
}

func TestSplitterForcedFlushOnSentenceCount(t *testing.T) {
	s, now := newTestSplitter(t)

	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("This is filler sentence content used to trip the counter. ")
	}
	s.ProcessPartial("warmup partial")
	*now = now.Add(time.Second)
	_, flushed := s.ProcessPartial(b.String())
	if len(flushed) == 0 {
		t.Fatalf("no sentences flushed at the sentence-count limit")
	}
}

func TestSplitterForcedFlushAfterIdle(t *testing.T) {
	s, now := newTestSplitter(t)

	s.ProcessPartial("A long pause follows this partial hypothesis")
	*now = now.Add(20 * time.Second)
	_, flushed := s.ProcessPartial(
		"A long pause follows this partial hypothesis. And then speech resumed again here.")
	if len(flushed) == 0 {
		t.Fatalf("no sentences flushed after idle window")
	}
	if flushed[0] != "A long pause follows this partial hypothesis." {
		t.Errorf("flushed[0] = %q", flushed[0])
	}
}

func TestSplitterResetsOnNewTurn(t *testing.T) {
	s, now := newTestSplitter(t)

	s.ProcessPartial("a fairly long hypothesis for the first utterance in this turn")
	*now = now.Add(time.Second)
	live, _ := s.ProcessPartial("New turn")
	if live != "New turn" {
		t.Errorf("live = %q, want the new turn to replace the old text", live)
	}
}

func TestSplitterFinalFlushesRemainder(t *testing.T) {
	s, _ := newTestSplitter(t)

	s.ProcessPartial("The closing thought does not end with punctuation")
	flushed := s.ProcessFinal("The closing thought does not end with punctuation", true)
	if len(flushed) != 1 {
		t.Fatalf("forced final flushed %d, want 1: %v", len(flushed), flushed)
	}
	if flushed[0] != "The closing thought does not end with punctuation" {
		t.Errorf("flushed[0] = %q", flushed[0])
	}
	if s.Live() != "" {
		t.Errorf("live = %q after forced final, want empty", s.Live())
	}
}

func TestSplitterForcedFinalDedupesCommittedText(t *testing.T) {
	s, _ := newTestSplitter(t)

	_, flushed := s.ProcessPartial("The Lord is my shepherd I shall not want today.")
	if len(flushed) != 1 {
		t.Fatalf("setup flush = %v, want 1 sentence", flushed)
	}

	// The provider final re-states the committed sentence with different
	// punctuation; nothing new should be spoken twice.
	flushed = s.ProcessFinal("The Lord is my shepherd, I shall not want today", true)
	if len(flushed) != 0 {
		t.Errorf("forced final re-flushed %v, want nothing", flushed)
	}
}

func TestSplitterForcedFinalDedupeIgnoresQuotingAndPunctuation(t *testing.T) {
	s, _ := newTestSplitter(t)

	first := s.ProcessFinal("I love this quote: 'Biblical hospitality is the polar opposite...'", true)
	if len(first) == 0 {
		t.Fatal("first forced final flushed nothing")
	}
	second := s.ProcessFinal("I love this quote biblical hospitality is the polar opposite.", true)
	if len(second) != 0 {
		t.Errorf("second forced final re-flushed %v, want nothing", second)
	}
}

func TestSplitterRoundTrip(t *testing.T) {
	s, _ := newTestSplitter(t)

	input := "Alpha sentence number one is long enough here. Beta sentence number two is also long. Gamma tail"
	live, flushed := s.ProcessPartial(input)

	rebuilt := strings.TrimSpace(strings.Join(flushed, " ") + " " + live)
	if rebuilt != input {
		t.Errorf("flushed+live = %q, want the original input %q", rebuilt, input)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in        string
		sentences int
		remainder string
	}{
		{"", 0, ""},
		{"no terminator here", 0, "no terminator here"},
		{"One. Two! Three? tail", 3, "tail"},
		{"Trailing ellipsis… and more", 1, "and more"},
	}
	for _, tc := range tests {
		sentences, remainder := splitSentences(tc.in)
		if len(sentences) != tc.sentences {
			t.Errorf("splitSentences(%q) = %d sentences, want %d", tc.in, len(sentences), tc.sentences)
		}
		if remainder != tc.remainder {
			t.Errorf("splitSentences(%q) remainder = %q, want %q", tc.in, remainder, tc.remainder)
		}
	}
}
