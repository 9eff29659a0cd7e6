package matcher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"certcore/pkg/domain"
)

// Boundary is appended to every pattern so a match cannot end mid-token.
const Boundary = `[ ,;\]”)(]`

// MaxMatchLength flags suspiciously long matches. They are kept.
const MaxMatchLength = 300

// trailing characters stripped from matches, in order
var trailingCuts = []string{"]", "/", ";", ".", "”", `"`, ":", ")", "(", ","}

type compiledPattern struct {
	source string
	re     *regexp.Regexp
}

type compiledGroup struct {
	name     string
	patterns []compiledPattern
}

// Matcher holds compiled, read-only pattern groups. It is safe for
// concurrent use.
type Matcher struct {
	groups []compiledGroup
}

// Suspicious records a match longer than MaxMatchLength.
type Suspicious struct {
	Group   string
	Pattern string
	Match   string
}

// Result is the output of a single document scan.
type Result struct {
	Table       domain.MatchTable
	Redacted    string
	DecodeError bool
	Suspicious  []Suspicious
}

// New compiles every group of table.
func New(table *Table) (*Matcher, error) {
	if table == nil {
		return nil, fmt.Errorf("matcher: pattern table is required")
	}
	m := &Matcher{groups: make([]compiledGroup, 0, len(table.Groups))}
	for _, g := range table.Groups {
		cg := compiledGroup{name: g.Name, patterns: make([]compiledPattern, 0, len(g.Patterns))}
		for _, p := range g.Patterns {
			re, err := regexp.Compile(p + Boundary)
			if err != nil {
				return nil, fmt.Errorf("matcher: group %s: compile %q: %w", g.Name, p, err)
			}
			cg.patterns = append(cg.patterns, compiledPattern{source: p, re: re})
		}
		m.groups = append(m.groups, cg)
	}
	return m, nil
}

// Groups lists the compiled group names in order.
func (m *Matcher) Groups() []string {
	out := make([]string, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.name)
	}
	return out
}

// Match scans doc with every group and redacts all matches from the
// newline-preserving text. No pattern sees another pattern's output.
func (m *Matcher) Match(doc Document) Result {
	res := Result{Table: domain.MatchTable{}, DecodeError: doc.DecodeError}
	distinct := make(map[string]struct{})
	for _, g := range m.groups {
		for _, p := range g.patterns {
			for _, raw := range p.re.FindAllString(doc.Text, -1) {
				match := Normalize(raw)
				if match == "" {
					continue
				}
				if utf8.RuneCountInString(match) > MaxMatchLength {
					res.Suspicious = append(res.Suspicious, Suspicious{Group: g.name, Pattern: p.source, Match: match})
				}
				res.Table.Add(g.name, p.source, match, 1)
				distinct[match] = struct{}{}
			}
		}
	}
	res.Redacted = Redact(doc.Raw, distinct)
	return res
}

// MatchGroup returns the longest normalized match of a single group in text,
// used when parsing identifiers out of file names.
func (m *Matcher) MatchGroup(group, text string) (string, bool) {
	best := ""
	for _, g := range m.groups {
		if g.name != group {
			continue
		}
		for _, p := range g.patterns {
			for _, raw := range p.re.FindAllString(text, -1) {
				match := Normalize(raw)
				if len(match) > len(best) {
					best = match
				}
			}
		}
	}
	return best, best != ""
}

// Redact replaces every match in text with a same-length run of 'x',
// longest first so nested shorter matches do not split longer ones.
func Redact(text string, matches map[string]struct{}) string {
	ordered := make([]string, 0, len(matches))
	for m := range matches {
		if m != "" {
			ordered = append(ordered, m)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(ordered[i]), utf8.RuneCountInString(ordered[j])
		if li != lj {
			return li > lj
		}
		return ordered[i] < ordered[j]
	})
	for _, m := range ordered {
		text = strings.ReplaceAll(text, m, strings.Repeat("x", utf8.RuneCountInString(m)))
	}
	return text
}

// Normalize trims whitespace and trailing punctuation, collapses repeated
// spaces and drops non-printable characters.
func Normalize(match string) string {
	match = strings.TrimSpace(match)
	for _, cut := range trailingCuts {
		match = strings.TrimRight(match, cut)
	}
	for strings.Contains(match, "  ") {
		match = strings.ReplaceAll(match, "  ", " ")
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, match)
}
