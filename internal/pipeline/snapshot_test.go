package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/pkg/domain"
)

func TestCompatible(t *testing.T) {
	cases := []struct {
		snap, tool string
		ok         bool
	}{
		{"0.4.0", "0.4.0", true},
		{"0.3.9", "0.4.1", true},
		{"v0.4.0", "0.4.0", true},
		{"0.5.0", "0.4.1", false},
		{"1.0.0", "0.4.0", false},
		{"", "0.4.0", false},
		{"not-a-version", "0.4.0", false},
	}
	for _, tc := range cases {
		err := Compatible(tc.snap, tc.tool)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.snap, tc.tool)
			continue
		}
		assert.ErrorIs(t, err, ErrIncompatibleSnapshot, "%s -> %s", tc.snap, tc.tool)
	}
	require.Error(t, Compatible("0.4.0", "dev"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SnapshotFile)
	ds := domain.NewDataset("cc", "0.4.0", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	ds.State = domain.DatasetState{MetaParsed: true, PDFsDownloaded: true}
	ds.Certs["d1"] = domain.Certificate{
		Digest: "d1",
		Name:   "Chip",
		State:  domain.DocumentState{ReportDownloadOK: true, Errors: []string{"download st d1: 404"}},
		Processed: domain.Processed{
			CertID:            "BSI-DSZ-CC-0815-2012",
			ReferencedCertIDs: map[string]int{"BSI-DSZ-CC-0001-2003": 2},
		},
	}
	require.NoError(t, SaveSnapshot(path, ds))

	loaded, err := LoadSnapshot(path, "0.4.2")
	require.NoError(t, err)
	if diff := cmp.Diff(ds, loaded); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	_, err = LoadSnapshot(path, "1.0.0")
	require.ErrorIs(t, err, ErrIncompatibleSnapshot)
}

func TestLoadSnapshotErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSnapshot(filepath.Join(dir, "missing.json"), Version)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = LoadSnapshot(bad, Version)
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"tool_version":"`+Version+`"}`), 0o600))
	ds, err := LoadSnapshot(empty, Version)
	require.NoError(t, err)
	assert.NotNil(t, ds.Certs)
}
