// Package split provides the default retrieval-section splitter: a
// recursive paragraph/sentence/word chunker with overlap. It implements
// cell.Splitter for the memory engine; replace it when the embedding model
// ships its own splitter.
package split

import (
	"strings"
	"unicode"
)

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxChars caps the section size in bytes. Default 2048 (≈512 tokens).
func WithMaxChars(n int) Option {
	return func(s *Splitter) { s.maxChars = n }
}

// WithOverlapChars sets how much of the previous section is repeated at the
// start of the next. Default 200.
func WithOverlapChars(n int) Option {
	return func(s *Splitter) { s.overlapChars = n }
}

// Splitter divides text into sections at paragraph boundaries, falling back
// to sentences and then words when a segment exceeds the size cap.
type Splitter struct {
	maxChars     int
	overlapChars int
}

// New creates a Splitter with the given options.
func New(opts ...Option) *Splitter {
	s := &Splitter{maxChars: 2048, overlapChars: 200}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Split divides text into retrieval sections. Empty or whitespace-only text
// yields no sections.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= s.maxChars {
		return []string{text}
	}
	segments := s.segment(text)
	return s.merge(segments)
}

// segment breaks text into pieces no larger than maxChars, preferring
// paragraph boundaries, then sentences, then words.
func (s *Splitter) segment(text string) []string {
	var segments []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if len(paragraph) <= s.maxChars {
			segments = append(segments, paragraph)
			continue
		}
		for _, sentence := range splitSentences(paragraph) {
			if len(sentence) <= s.maxChars {
				segments = append(segments, sentence)
				continue
			}
			segments = append(segments, splitWords(sentence, s.maxChars)...)
		}
	}
	return segments
}

// merge packs adjacent segments into sections up to maxChars, carrying
// overlapChars of trailing context into each new section.
func (s *Splitter) merge(segments []string) []string {
	var sections []string
	var current strings.Builder
	for _, seg := range segments {
		if current.Len() > 0 && current.Len()+1+len(seg) > s.maxChars {
			section := current.String()
			sections = append(sections, section)
			current.Reset()
			if s.overlapChars > 0 && len(section) > s.overlapChars {
				tail := section[len(section)-s.overlapChars:]
				// Start the overlap at a word boundary.
				if i := strings.IndexFunc(tail, unicode.IsSpace); i >= 0 {
					tail = strings.TrimSpace(tail[i:])
				}
				if tail != "" {
					current.WriteString(tail)
				}
			}
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	return sections
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace. Periods inside numbers and single-letter abbreviations are
// skipped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' && r != '。' && r != '！' && r != '？' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && i >= 1 {
			prev := runes[i-1]
			// Decimal numbers (3.14) and initials (J.) are not boundaries.
			if unicode.IsDigit(prev) || (unicode.IsUpper(prev) && (i < 2 || unicode.IsSpace(runes[i-2]))) {
				continue
			}
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// splitWords hard-wraps text at word boundaries within maxChars, breaking
// mid-word only when a single word exceeds the cap.
func splitWords(text string, maxChars int) []string {
	var out []string
	var current strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > maxChars {
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
			out = append(out, word[:maxChars])
			word = word[maxChars:]
		}
		if word == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(word) > maxChars {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
