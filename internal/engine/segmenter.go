package engine

import (
	"strings"
	"unicode"
)

// abbreviations that end with a period but do not end a sentence
var abbreviations = map[string]bool{
	"mr":     true,
	"mrs":    true,
	"ms":     true,
	"dr":     true,
	"st":     true,
	"vs":     true,
	"etc":    true,
	"e.g":    true,
	"i.e":    true,
	"inc":    true,
	"ltd":    true,
	"no":     true,
	"approx": true,
}

// Segmenter splits streamed text deltas into sentences so synthesis can
// start before the model finishes its reply.
type Segmenter struct {
	buf       strings.Builder
	minLength int
	maxLength int
}

func NewSegmenter() *Segmenter {
	return &Segmenter{minLength: 12, maxLength: 240}
}

// Feed appends a text delta and returns any sentences completed by it
func (s *Segmenter) Feed(delta string) []string {
	s.buf.WriteString(delta)

	var sentences []string
	for {
		sentence, rest, ok := s.split(s.buf.String())
		if !ok {
			break
		}
		s.buf.Reset()
		s.buf.WriteString(rest)
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

// Flush returns whatever text remains buffered
func (s *Segmenter) Flush() string {
	remainder := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return remainder
}

func (s *Segmenter) split(text string) (sentence, rest string, ok bool) {
	runes := []rune(text)

	for i, r := range runes {
		if isBoundary(r) {
			// A boundary only counts once the following rune has arrived,
			// so streamed "3." does not split before "14" shows up.
			if i+1 >= len(runes) {
				return "", "", false
			}
			if !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if r == '.' && !s.isSentenceEnd(runes, i) {
				continue
			}
			candidate := strings.TrimSpace(string(runes[:i+1]))
			if len(candidate) < s.minLength {
				continue
			}
			return candidate, strings.TrimLeftFunc(string(runes[i+1:]), unicode.IsSpace), true
		}
	}

	// No boundary but the buffer is oversized; break on the last space so a
	// run-on reply still reaches synthesis.
	if len(runes) > s.maxLength {
		cut := strings.LastIndexFunc(string(runes[:s.maxLength]), unicode.IsSpace)
		if cut > s.minLength {
			return strings.TrimSpace(string(runes[:cut])), strings.TrimSpace(string(runes[cut:])), true
		}
	}

	return "", "", false
}

func isBoundary(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == ';'
}

// isSentenceEnd rejects periods that belong to decimals or abbreviations
func (s *Segmenter) isSentenceEnd(runes []rune, i int) bool {
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return false
	}

	start := i
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	word := strings.ToLower(strings.TrimSuffix(string(runes[start:i]), "."))
	word = strings.TrimSuffix(word, ".")
	return !abbreviations[word]
}
