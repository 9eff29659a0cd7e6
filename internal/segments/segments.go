// Package segments extracts the sentences around identifier mentions so a
// reference can be read in context.
package segments

import (
	"sort"
	"strings"
	"unicode"
)

// Segmenter splits raw text into sentences.
type Segmenter interface {
	Sentences(text string) []string
}

// Preceding is the number of earlier mentioning sentences prepended to a
// segment.
const Preceding = 3

// Rules is a punctuation based Segmenter. A sentence ends at '.', '!' or '?'
// followed by white space, or at a blank line. Dots of known abbreviations
// and dots inside tokens such as "ALC_FLR.2" do not end a sentence.
type Rules struct {
	Abbreviations map[string]struct{}
}

// DefaultAbbreviations are tokens whose trailing dot is not a sentence end.
var DefaultAbbreviations = []string{
	"e.g.", "i.e.", "etc.", "cf.", "vs.", "no.", "nr.", "fig.", "ref.", "ver.", "vol.", "sec.", "ch.", "inc.", "ltd.", "co.", "corp.", "dr.",
}

// NewRules returns a Segmenter with the default abbreviations.
func NewRules() Rules {
	abbr := make(map[string]struct{}, len(DefaultAbbreviations))
	for _, a := range DefaultAbbreviations {
		abbr[a] = struct{}{}
	}
	return Rules{Abbreviations: abbr}
}

// Sentences implements Segmenter.
func (r Rules) Sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	emit := func(end int) {
		if s := strings.Join(strings.Fields(string(runes[start:end])), " "); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\n' && i+1 < len(runes) && isBlankLineAhead(runes, i+1):
			emit(i + 1)
		case c == '.' || c == '!' || c == '?':
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if c == '.' && r.abbreviation(runes[start:i+1]) {
				continue
			}
			emit(i + 1)
		}
	}
	emit(len(runes))
	return out
}

func isBlankLineAhead(runes []rune, i int) bool {
	for ; i < len(runes); i++ {
		switch runes[i] {
		case '\n':
			return true
		case ' ', '\t', '\r':
		default:
			return false
		}
	}
	return false
}

func (r Rules) abbreviation(sentence []rune) bool {
	i := len(sentence) - 1
	for i > 0 && !unicode.IsSpace(sentence[i-1]) {
		i--
	}
	word := strings.ToLower(string(sentence[i:]))
	_, ok := r.Abbreviations[word]
	return ok
}

// Extract returns the segments of text mentioning any of keywords. Each
// segment is a mentioning sentence, preceded by the Preceding earlier
// mentioning sentences when that many exist and followed by the next
// mentioning sentence. Segments are deduplicated and sorted.
func Extract(seg Segmenter, text string, keywords ...string) []string {
	if seg == nil {
		seg = NewRules()
	}
	var hits []string
	for _, s := range seg.Sentences(text) {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(s, kw) {
				hits = append(hits, s)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(hits))
	for i, s := range hits {
		var parts []string
		if i >= Preceding {
			parts = append(parts, hits[i-Preceding:i]...)
		}
		parts = append(parts, s)
		if i+1 < len(hits) {
			parts = append(parts, hits[i+1])
		}
		set[strings.Join(parts, " ")] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
