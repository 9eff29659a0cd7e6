// Package identifier estimates a certificate identifier per document and
// repairs identifier mentions corpus-wide into canonical, scheme-normalized
// forms.
package identifier

import (
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// Accepted identifier lengths, in characters.
const (
	MinIDLength = 5
	MaxIDLength = 60
)

// Candidates are the three identifier sources of one document.
type Candidates struct {
	Frontpage string
	Keywords  map[string]int
	Filename  string
}

// EstimateID picks the identifier of a document: the frontpage id, else the
// most frequent keyword mention (ties broken lexicographically), else the id
// parsed from the file name. Candidates outside [MinIDLength, MaxIDLength]
// are skipped. It returns "" when nothing qualifies.
func EstimateID(frontpageID string, keywordIDs map[string]int, filenameID string) string {
	for _, candidate := range []string{frontpageID, mostFrequent(keywordIDs), filenameID} {
		if acceptable(candidate) {
			return candidate
		}
	}
	return ""
}

// Estimate is EstimateID over a Candidates value.
func (c Candidates) Estimate() string {
	return EstimateID(c.Frontpage, c.Keywords, c.Filename)
}

func acceptable(id string) bool {
	n := utf8.RuneCountInString(id)
	return n >= MinIDLength && n <= MaxIDLength
}

func mostFrequent(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestCount := "", 0
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

// FilenameID parses an identifier out of a document file name or link: the
// extension is dropped, %20 becomes a space and the longest identifier match
// wins.
func FilenameID(name string, m *matcher.Matcher) string {
	if m == nil || name == "" {
		return ""
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	base = strings.ReplaceAll(base, "%20", " ") + " "
	id, _ := m.MatchGroup(domain.GroupCertID, base)
	return id
}

// CandidatesFor collects the identifier candidates of a certificate from
// its frontpage and report keyword scans and its report link.
func CandidatesFor(cert domain.Certificate, m *matcher.Matcher) Candidates {
	c := Candidates{Filename: FilenameID(cert.ReportLink, m)}
	if rec, ok := cert.Sources.Get(domain.SourceFrontpage); ok {
		c.Frontpage = rec.Field(matcher.FieldCertID)
	}
	if rec, ok := cert.Sources.Get(domain.SourceKeywords); ok {
		c.Keywords = rec.CertIDMentions()
	}
	return c
}
