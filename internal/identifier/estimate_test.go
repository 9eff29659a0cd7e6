package identifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

func defaultMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	table, err := matcher.DefaultTable()
	require.NoError(t, err)
	m, err := matcher.New(table)
	require.NoError(t, err)
	return m
}

func TestEstimateIDPriority(t *testing.T) {
	keywords := map[string]int{"BSI-DSZ-CC-0001-2003": 3, "BSI-DSZ-CC-0002-2004": 1}

	assert.Equal(t, "BSI-DSZ-CC-0815-2012", EstimateID("BSI-DSZ-CC-0815-2012", keywords, "BSI-DSZ-CC-0999-2019"))
	assert.Equal(t, "BSI-DSZ-CC-0001-2003", EstimateID("", keywords, "BSI-DSZ-CC-0999-2019"))
	assert.Equal(t, "BSI-DSZ-CC-0999-2019", EstimateID("", nil, "BSI-DSZ-CC-0999-2019"))
	assert.Equal(t, "", EstimateID("", nil, ""))
}

func TestEstimateIDLengthBounds(t *testing.T) {
	assert.Equal(t, "", EstimateID("abcd", nil, ""))
	assert.Equal(t, "abcde", EstimateID("abcde", nil, ""))
	long := strings.Repeat("x", MaxIDLength+1)
	assert.Equal(t, "fallback-id", EstimateID(long, map[string]int{long: 5}, "fallback-id"))
	assert.Equal(t, strings.Repeat("é", MaxIDLength), EstimateID(strings.Repeat("é", MaxIDLength), nil, ""))
}

func TestEstimateIDTieBreaksLexicographically(t *testing.T) {
	keywords := map[string]int{"ZZZZ-2": 2, "AAAA-2": 2, "MMMM-1": 1}
	for range 20 {
		assert.Equal(t, "AAAA-2", EstimateID("", keywords, ""))
	}
}

func TestFilenameID(t *testing.T) {
	m := defaultMatcher(t)
	assert.Equal(t, "BSI-DSZ-CC-0815-2012", FilenameID("https://x/reports/BSI-DSZ-CC-0815-2012.pdf", m))
	assert.Equal(t, "ANSSI-CC-2010_40", FilenameID("ANSSI-CC-2010_40.pdf", m))
	assert.Equal(t, "2014-55-INF-1505 v1", FilenameID(`C:\reports\2014-55-INF-1505%20v1.pdf`, m))
	assert.Equal(t, "", FilenameID("0815a.pdf", m))
	assert.Equal(t, "", FilenameID("anything.pdf", nil))
}

func TestCandidatesFor(t *testing.T) {
	m := defaultMatcher(t)
	cert := domain.Certificate{ReportLink: "https://x/BSI-DSZ-CC-0999-2019.pdf"}
	cert.Sources.Set(domain.RawRecord{Source: domain.SourceFrontpage, Fields: map[string]string{matcher.FieldCertID: "BSI-DSZ-CC-0815-2012"}})
	kw := domain.RawRecord{Source: domain.SourceKeywords, Matches: domain.MatchTable{}}
	kw.Matches.Add(domain.GroupCertID, "p", "BSI-DSZ-CC-0001-2003", 4)
	cert.Sources.Set(kw)

	c := CandidatesFor(cert, m)
	assert.Equal(t, "BSI-DSZ-CC-0815-2012", c.Frontpage)
	assert.Equal(t, "BSI-DSZ-CC-0999-2019", c.Filename)
	assert.Equal(t, 4, c.Keywords["BSI-DSZ-CC-0001-2003"])
	assert.Equal(t, "BSI-DSZ-CC-0815-2012", c.Estimate())
}
