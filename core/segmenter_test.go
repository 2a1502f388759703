package pipeline

import (
	"slices"
	"testing"
)

func TestSegmenterKeepsDecimalNumbersTogether(t *testing.T) {
	seg := newSegmenter()

	sentences := seg.Push("The answer is 3.14 and that's final.")

	if len(sentences) != 1 {
		t.Fatalf("expected exactly one sentence, got %d: %q", len(sentences), sentences)
	}
	if sentences[0] != "The answer is 3.14 and that's final." {
		t.Fatalf("unexpected sentence: %q", sentences[0])
	}
}

func TestSegmenterSplitsOnSentencePunctuation(t *testing.T) {
	seg := newSegmenter()

	sentences := seg.Push("Hi. Bye.")

	want := []string{"Hi.", "Bye."}
	if !slices.Equal(sentences, want) {
		t.Fatalf("expected %q, got %q", want, sentences)
	}
}

func TestSegmenterCompletesAcrossDeltas(t *testing.T) {
	seg := newSegmenter()

	var sentences []string
	for _, delta := range []string{"Hi the", "re. How ", "are you?"} {
		sentences = append(sentences, seg.Push(delta)...)
	}
	sentences = append(sentences, seg.Flush()...)

	want := []string{"Hi there.", "How are you?"}
	if !slices.Equal(sentences, want) {
		t.Fatalf("expected %q, got %q", want, sentences)
	}
}

func TestSegmenterSplitsOnNewlineAndQuestionMark(t *testing.T) {
	seg := newSegmenter()

	sentences := seg.Push("First line\nReally? Yes!")

	want := []string{"First line", "Really?", "Yes!"}
	if !slices.Equal(sentences, want) {
		t.Fatalf("expected %q, got %q", want, sentences)
	}
}

func TestSegmenterFlushReturnsTrailingFragment(t *testing.T) {
	seg := newSegmenter()

	if sentences := seg.Push("No punctuation here"); len(sentences) != 0 {
		t.Fatalf("expected no completed sentences, got %q", sentences)
	}

	sentences := seg.Flush()
	if len(sentences) != 1 || sentences[0] != "No punctuation here" {
		t.Fatalf("expected flushed fragment, got %q", sentences)
	}
}

func TestSegmenterDropsUnspeakableFragments(t *testing.T) {
	seg := newSegmenter()

	if sentences := seg.Push("Wait..."); !slices.Equal(sentences, []string{"Wait."}) {
		t.Fatalf("expected only the worded fragment, got %q", sentences)
	}
	if sentences := seg.Flush(); len(sentences) != 0 {
		t.Fatalf("expected nothing left to flush, got %q", sentences)
	}
}

func TestSegmenterDeduplicatesConsecutiveSentences(t *testing.T) {
	seg := newSegmenter()

	sentences := seg.Push("I understand. I understand. Good.")

	want := []string{"I understand.", "Good."}
	if !slices.Equal(sentences, want) {
		t.Fatalf("expected %q, got %q", want, sentences)
	}
}

func TestSegmenterDeduplicationIgnoresCaseAndTrailingPunctuation(t *testing.T) {
	seg := newSegmenter()

	var sentences []string
	sentences = append(sentences, seg.Push("Sure thing!")...)
	sentences = append(sentences, seg.Push(" sure thing.")...)
	sentences = append(sentences, seg.Push(" Something else.")...)

	want := []string{"Sure thing!", "Something else."}
	if !slices.Equal(sentences, want) {
		t.Fatalf("expected %q, got %q", want, sentences)
	}
}
