// Package segment extracts speakable sentences from an incremental text stream.
package segment

import (
	"strings"
	"unicode"
)

// Segmenter accumulates streamed text deltas and emits complete sentences as
// soon as a boundary is recognized. A sentence ends at '.', '!' or '?'
// followed by whitespace, or at a terminator that is the last character seen
// so far. Sentences are never re-opened once returned.
type Segmenter struct {
	remainder strings.Builder
}

// New creates an empty Segmenter for one call turn.
func New() *Segmenter {
	return &Segmenter{}
}

// Feed appends a delta to the internal buffer and returns every complete
// sentence found, trimmed of surrounding whitespace. The unconsumed tail stays
// buffered for the next call. Feeding an empty delta yields no new sentences.
func (s *Segmenter) Feed(delta string) []string {
	if delta != "" {
		s.remainder.WriteString(delta)
	}

	buf := s.remainder.String()
	if buf == "" {
		return nil
	}

	var sentences []string
	runes := []rune(buf)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		// Mid-buffer, a terminator only closes a sentence when followed by
		// whitespace, so "3.14" and "Wait... go" stay intact.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	s.remainder.Reset()
	if start < len(runes) {
		s.remainder.WriteString(string(runes[start:]))
	}

	return sentences
}

// Flush returns whatever partial sentence is still buffered and empties the
// Segmenter. Called once at end-of-stream.
func (s *Segmenter) Flush() string {
	tail := strings.TrimSpace(s.remainder.String())
	s.remainder.Reset()
	return tail
}

// Pending reports whether any unconsumed text is buffered.
func (s *Segmenter) Pending() bool {
	return strings.TrimSpace(s.remainder.String()) != ""
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
