package engine

import (
	"reflect"
	"testing"
)

func feedAll(s *Segmenter, deltas []string) []string {
	var out []string
	for _, d := range deltas {
		out = append(out, s.Feed(d)...)
	}
	if rest := s.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func TestSegmenterSplitsOnSentenceBoundaries(t *testing.T) {
	seg := NewSegmenter()
	got := feedAll(seg, []string{
		"Your order has shipped. ",
		"It will arrive on Thursday. ",
		"Anything else?",
	})
	want := []string{
		"Your order has shipped.",
		"It will arrive on Thursday.",
		"Anything else?",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSegmenterHandlesTokenSizedDeltas(t *testing.T) {
	seg := NewSegmenter()
	got := feedAll(seg, []string{
		"The weather", " in Paris", " is sunny", ". It", " is 22 degrees.",
	})
	want := []string{
		"The weather in Paris is sunny.",
		"It is 22 degrees.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSegmenterDoesNotSplitDecimals(t *testing.T) {
	seg := NewSegmenter()
	got := feedAll(seg, []string{"The total is 3.14 dollars today."})
	want := []string{"The total is 3.14 dollars today."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSegmenterDoesNotSplitAbbreviations(t *testing.T) {
	seg := NewSegmenter()
	got := feedAll(seg, []string{"Dr. Smith is available on Monday. See you then."})
	want := []string{
		"Dr. Smith is available on Monday.",
		"See you then.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSegmenterHoldsShortFragments(t *testing.T) {
	seg := NewSegmenter()
	got := feedAll(seg, []string{"Yes. I can help with that order."})
	// "Yes." alone is below the minimum length so it rides along.
	if len(got) != 1 {
		t.Fatalf("expected 1 segment, got %v", got)
	}
}

func TestSegmenterBreaksOversizedRunOn(t *testing.T) {
	seg := NewSegmenter()
	long := ""
	for i := 0; i < 60; i++ {
		long += "word "
	}
	got := seg.Feed(long)
	if len(got) == 0 {
		t.Error("oversized run-on text was never released")
	}
}

func TestSegmenterFlushReturnsRemainder(t *testing.T) {
	seg := NewSegmenter()
	if out := seg.Feed("Partial reply without a terminator"); len(out) != 0 {
		t.Fatalf("unexpected early segments %v", out)
	}
	if rest := seg.Flush(); rest != "Partial reply without a terminator" {
		t.Errorf("unexpected remainder %q", rest)
	}
	if rest := seg.Flush(); rest != "" {
		t.Errorf("second flush should be empty, got %q", rest)
	}
}
