package reconcile

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/internal/collate"
	"certcore/internal/ingest"
)

func TestCompare(t *testing.T) {
	before := `{"name":"A","level":"EAL4","refs":{"x":1,"y":2},"augments":["ALC_FLR.1"],"tags":["a","b"],"a/b":1}`
	after := `{"name":"A","level":"EAL5","refs":{"x":1,"z":3},"augments":["ALC_FLR.1","AVA_VAN.5"],"tags":["a","c"],"new":true}`
	d, err := Compare([]byte(before), []byte(after))
	require.NoError(t, err)

	want := Diff{
		Insert: map[string]any{"/new": true, "/refs/z": json.Number("3")},
		Update: map[string]any{
			"/level":    "EAL5",
			"/augments": []any{"ALC_FLR.1", "AVA_VAN.5"},
			"/tags/1":   "c",
		},
		Delete: map[string]any{"/refs/y": json.Number("2"), "/a~1b": json.Number("1")},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 7, d.Count())
	assert.Equal(t, []string{"/augments", "/a~1b", "/level", "/new", "/refs/y", "/refs/z", "/tags/1"}, d.Paths())
}

func TestCompareEqualAndTypeChanges(t *testing.T) {
	d, err := Compare([]byte(`{"a":[1,{"b":null}]}`), []byte(`{"a":[1,{"b":null}]}`))
	require.NoError(t, err)
	assert.True(t, d.Empty())

	d, err = Compare([]byte(`{"a":{"b":1}}`), []byte(`{"a":[1]}`))
	require.NoError(t, err)
	assert.Equal(t, []any{json.Number("1")}, d.Update["/a"])

	d, err = Compare([]byte(`1.0`), []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), d.Update[""], "numbers compare by their literal")

	_, err = Compare([]byte(`{`), []byte(`{}`))
	require.Error(t, err)
	_, err = Compare([]byte(`{}`), []byte(`nope`))
	require.Error(t, err)
}

func TestDiffEncodesWithSections(t *testing.T) {
	d, err := CompareValues(map[string]string{"a": "1"}, map[string]string{"b": "2"})
	require.NoError(t, err)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"insert":{"/b":"2"},"delete":{"/a":"1"}}`, string(data))

	_, err = CompareValues(func() {}, nil)
	require.Error(t, err)
}

func TestCompareValuesIgnoresListingOrder(t *testing.T) {
	const header = "Category,Name,Manufacturer,Scheme,Security Level(s),Protection Profile(s),Certification Date,Archived Date,Certification Report URL,Security Target URL,Maintenance Date,Maintenance Title,Maintenance Report,Maintenance ST\n"
	a := "ICs,Chip A,ACME,DE,EAL4+,,2020-01-01,,https://x/a.pdf,,,,,\n"
	b := "ICs,Chip B,ACME,DE,EAL2,,2021-01-01,,https://x/b.pdf,,,,,\n"
	build := func(listing string) map[string]any {
		parsed, err := ingest.ParseCSV("certified.csv", strings.NewReader(header+listing), nil)
		require.NoError(t, err)
		certs, _ := collate.New(nil).Collate(collate.Input{CSV: parsed.Records})
		out := make(map[string]any, len(certs))
		for _, c := range certs {
			out[c.Digest] = c
		}
		return out
	}

	before := build(a)
	after := build(b + a)
	require.Len(t, before, 1)
	for dgst, stored := range before {
		current, ok := after[dgst]
		require.True(t, ok, "digest %s kept", dgst)
		d, err := CompareValues(stored, current)
		require.NoError(t, err)
		assert.True(t, d.Empty(), "unexpected diff %v", d.Paths())
	}
}
