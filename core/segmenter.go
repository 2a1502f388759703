package pipeline

import (
	"strings"
	"unicode"
)

// segmenter splits a streamed token sequence into speakable sentences so
// synthesis can start before the full reply is generated. Boundaries are
// sentence punctuation and newlines, with one exception: a period right
// after a digit is part of a number, not a boundary.
//
// Completed sentences are deduplicated against the immediately preceding one
// (ignoring case and trailing punctuation) to suppress model repetition. One
// segmenter serves one turn.
type segmenter struct {
	pending     []rune
	lastEmitted string
}

func newSegmenter() *segmenter {
	return &segmenter{}
}

// Push consumes one text delta and returns any sentences it completed, in
// order.
func (s *segmenter) Push(delta string) []string {
	var sentences []string
	for _, r := range delta {
		s.pending = append(s.pending, r)
		if s.isBoundary(r) {
			if sentence, ok := s.complete(); ok {
				sentences = append(sentences, sentence)
			}
		}
	}
	return sentences
}

// Flush returns whatever is still buffered as a final sentence, if it is
// speakable. Call it once the stream ends.
func (s *segmenter) Flush() []string {
	if sentence, ok := s.complete(); ok {
		return []string{sentence}
	}
	return nil
}

func (s *segmenter) isBoundary(r rune) bool {
	switch r {
	case '!', '?', '\n':
		return true
	case '.':
		// The rune before the period is the second-to-last pending one.
		if len(s.pending) >= 2 && unicode.IsDigit(s.pending[len(s.pending)-2]) {
			return false
		}
		return true
	}
	return false
}

func (s *segmenter) complete() (string, bool) {
	sentence := strings.TrimSpace(string(s.pending))
	s.pending = s.pending[:0]

	if !speakable(sentence) {
		return "", false
	}

	normalized := normalizeSentence(sentence)
	if normalized == s.lastEmitted {
		return "", false
	}
	s.lastEmitted = normalized

	return sentence, true
}

// speakable rejects fragments with nothing to say, like the stray periods of
// an ellipsis.
func speakable(sentence string) bool {
	return strings.ContainsFunc(sentence, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}

func normalizeSentence(sentence string) string {
	trimmed := strings.TrimRightFunc(sentence, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return strings.ToLower(trimmed)
}
