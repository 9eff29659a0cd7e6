package matcher

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/pkg/domain"
)

func compile(t *testing.T, yamlTable string) *Matcher {
	t.Helper()
	table, err := ParseTable([]byte(yamlTable))
	require.NoError(t, err)
	m, err := New(table)
	require.NoError(t, err)
	return m
}

const smallTable = `
version: "test"
groups:
  - name: cert_id
    patterns:
      - 'BSI-DSZ-CC-[0-9]+?-[0-9]+'
      - 'BSI-DSZ-CC-[0-9]+'
  - name: crypto
    patterns:
      - 'AES(?:-| )?(?:128|192|256)?'
`

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  BSI-DSZ-CC-0001-2003; ": "BSI-DSZ-CC-0001-2003",
		"ANSSI-CC-2010/40,":        "ANSSI-CC-2010/40",
		"AES  128":                 "AES 128",
		"AES    128\x00":           "AES 128",
		"OCSI/CERT/ATS/01/2018/":   "OCSI/CERT/ATS/01/2018",
		`"EAL4+"`:                  `"EAL4+`,
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "normalize %q", in)
	}
}

func TestMatchCountsAndBoundary(t *testing.T) {
	m := compile(t, smallTable)
	doc := NewDocument("foo.pdf", "Refers to BSI-DSZ-CC-0001-2003 and BSI-DSZ-CC-0001-2003, plus BSI-DSZ-CC-0002-2004x.\n")
	res := m.Match(doc)

	want := domain.MatchTable{
		"cert_id": {
			"BSI-DSZ-CC-[0-9]+?-[0-9]+": {"BSI-DSZ-CC-0001-2003": 2},
		},
	}
	if diff := cmp.Diff(want, res.Table); diff != "" {
		t.Fatalf("unexpected table (-want +got):\n%s", diff)
	}
	assert.False(t, res.DecodeError)
	assert.Empty(t, res.Suspicious)
}

func TestMatchRedactsLongestFirst(t *testing.T) {
	m := compile(t, smallTable)
	doc := NewDocument("foo.pdf", "Uses AES-128 and AES, both.\nNext line\n")
	res := m.Match(doc)

	counts := res.Table.Counts("crypto")
	assert.Equal(t, 1, counts["AES-128"])
	assert.Equal(t, 1, counts["AES"])
	assert.Equal(t, "Uses xxxxxxx and xxx, both.\nNext line\n", res.Redacted)
}

func TestMatchFlagsSuspiciousButKeepsThem(t *testing.T) {
	m := compile(t, `
version: "test"
groups:
  - name: long
    patterns:
      - 'L+'
`)
	text := strings.Repeat("L", MaxMatchLength+1) + " tail\n"
	res := m.Match(NewDocument("long.pdf", text))
	require.Len(t, res.Suspicious, 1)
	assert.Equal(t, "long", res.Suspicious[0].Group)
	assert.Equal(t, 1, res.Table.Counts("long")[strings.Repeat("L", MaxMatchLength+1)])
}

func TestMatchGroupReturnsLongest(t *testing.T) {
	m := compile(t, smallTable)
	id, ok := m.MatchGroup("cert_id", "0815a BSI-DSZ-CC-0815-2012 ")
	require.True(t, ok)
	assert.Equal(t, "BSI-DSZ-CC-0815-2012", id)

	_, ok = m.MatchGroup("cert_id", "nothing here ")
	assert.False(t, ok)
	_, ok = m.MatchGroup("unknown", "BSI-DSZ-CC-0815-2012 ")
	assert.False(t, ok)
}

func TestRedactIgnoresEmptyMatch(t *testing.T) {
	out := Redact("abc", map[string]struct{}{"": {}, "b": {}})
	assert.Equal(t, "axc", out)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Table{Groups: []Group{{Name: "bad", Patterns: []string{"("}}}})
	require.Error(t, err)
}

func TestDefaultTableCompiles(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	m, err := New(table)
	require.NoError(t, err)
	assert.Contains(t, m.Groups(), domain.GroupCertID)

	res := m.Match(NewDocument("x", "See ANSSI-CC-2010/40 and 2014-55-INF-1505v1 and OCSI/CERT/ATS/01/2018/RC here.\n"))
	counts := res.Table.Counts(domain.GroupCertID)
	assert.Contains(t, counts, "ANSSI-CC-2010/40")
	assert.Contains(t, counts, "2014-55-INF-1505v1")
	assert.Contains(t, counts, "OCSI/CERT/ATS/01/2018/RC")
}
