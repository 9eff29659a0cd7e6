package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/internal/pipeline"
	"certcore/pkg/domain"
)

const listingHeader = "Category,Name,Manufacturer,Scheme,Security Level(s),Protection Profile(s),Certification Date,Archived Date,Certification Report URL,Security Target URL,Maintenance Date,Maintenance Title,Maintenance Report,Maintenance ST\n"

// fixture lays out a listing and its documents on disk and returns the path
// of a configuration that reads them without network access.
func fixture(t *testing.T, storeDriver string) string {
	t.Helper()
	src := t.TempDir()
	report := filepath.Join(src, "chip_a.pdf")
	require.NoError(t, os.WriteFile(report, []byte("BSI-DSZ-CC-0815-2012 for Chip A from ACME \nThis product builds on BSI-DSZ-CC-0001-2003 and is stable.\n"), 0o600))
	listing := filepath.Join(src, "certified.csv")
	row := fmt.Sprintf("ICs,Chip A,ACME,DE,EAL4+,,2020-01-01,,%s,,,,,\n", report)
	require.NoError(t, os.WriteFile(listing, []byte(listingHeader+row), 0o600))

	cfg := fmt.Sprintf(`workers: 2
listings:
  csv: [%q]
  html: []
store:
  driver: %s
blob:
  driver: memory
convert:
  command: cp
  args: []
`, listing, storeDriver)
	path := filepath.Join(src, "certcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunAllActions(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "memory")

	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "all")
	require.Equal(t, 0, code, stderr)

	ds, err := pipeline.LoadSnapshot(filepath.Join(out, pipeline.SnapshotFile), pipeline.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetState{MetaParsed: true, PDFsDownloaded: true, PDFsConverted: true, Analyzed: true}, ds.State)
	require.Len(t, ds.Certs, 1)
	for _, c := range ds.Certs {
		assert.True(t, c.State.ReportConvertOK)
		assert.Equal(t, "BSI-DSZ-CC-0815-2012", c.Processed.CertID)
		assert.Equal(t, 1, c.Processed.ReferencedCertIDs["BSI-DSZ-CC-0001-2003"])
	}
	_, err = os.Stat(filepath.Join(out, "certcore.log"))
	assert.NoError(t, err)
}

func TestRunResumesFromSnapshot(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "memory")

	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "build")
	require.Equal(t, 0, code, stderr)
	code, _, stderr = execute(t, "-s", "-o", out, "-c", cfg, "download", "convert")
	require.Equal(t, 0, code, stderr)

	ds, err := pipeline.LoadSnapshot(filepath.Join(out, pipeline.SnapshotFile), pipeline.Version)
	require.NoError(t, err)
	assert.True(t, ds.State.PDFsConverted)
	assert.False(t, ds.State.Analyzed)
}

func TestRunFailures(t *testing.T) {
	cfg := fixture(t, "memory")
	tests := []struct {
		name string
		args func(out string) []string
		want string
	}{
		{
			name: "missing dataset",
			args: func(out string) []string { return []string{"-s", "-o", out, "-c", cfg, "download"} },
			want: "run build first",
		},
		{
			name: "precondition",
			args: func(out string) []string { return []string{"-s", "-o", out, "-c", cfg, "build", "convert"} },
			want: "pdfs_downloaded",
		},
		{
			name: "unknown action",
			args: func(out string) []string { return []string{"-s", "-o", out, "-c", cfg, "publish"} },
			want: "unknown action",
		},
		{
			name: "no action",
			args: func(out string) []string { return []string{"-s", "-o", out, "-c", cfg} },
			want: "requires at least 1 arg",
		},
		{
			name: "missing output",
			args: func(string) []string { return []string{"-c", cfg, "build"} },
			want: "output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(t, tt.args(filepath.Join(t.TempDir(), "cc"))...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRunIgnoresInputOnBuild(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "memory")
	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "-i", filepath.Join(t.TempDir(), "missing.json"), "build")
	require.Equal(t, 0, code, stderr)
}

func TestSyncWritesRunRecord(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "memory")
	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "all")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := execute(t, "sync", "-s", "-o", out, "-c", cfg)
	require.Equal(t, 0, code, stderr)
	var run domain.RunRecord
	require.NoError(t, json.Unmarshal([]byte(stdout), &run))
	assert.True(t, run.OK)
	assert.Equal(t, 1, run.Length)
	assert.Equal(t, 1, run.Stats.New)
	assert.NotEmpty(t, run.ID)
}

func TestSyncWithoutDatasetFails(t *testing.T) {
	cfg := fixture(t, "memory")
	code, _, stderr := execute(t, "sync", "-s", "-o", filepath.Join(t.TempDir(), "cc"), "-c", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, pipeline.SnapshotFile)
}

func TestSyncCleanRemovesOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "memory")
	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "build")
	require.Equal(t, 0, code, stderr)

	code, _, stderr = execute(t, "sync", "--clean", "-s", "-o", out, "-c", cfg)
	require.Equal(t, 0, code, stderr)
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestSyncCleanRefusesInnerStore(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cc")
	cfg := fixture(t, "sqlite")
	code, _, stderr := execute(t, "-s", "-o", out, "-c", cfg, "build")
	require.Equal(t, 0, code, stderr)

	code, _, stderr = execute(t, "sync", "--clean", "-s", "-o", out, "-c", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--clean would remove")
	_, err := os.Stat(out)
	assert.NoError(t, err)
}

func TestCheckOutside(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, checkOutside(filepath.Join(dir, "cc"), filepath.Join(dir, "store.db"), ""))
	assert.Error(t, checkOutside(filepath.Join(dir, "cc"), filepath.Join(dir, "cc", "store.db")))
	assert.Error(t, checkOutside(filepath.Join(dir, "cc"), filepath.Join(dir, "cc")))
	assert.NoError(t, checkOutside(filepath.Join(dir, "cc"), filepath.Join(dir, "cc2", "x")))
}

func TestMainUsesExitFunc(t *testing.T) {
	oldArgs, oldExit := os.Args, exitFunc
	t.Cleanup(func() { os.Args, exitFunc = oldArgs, oldExit })

	var got int
	exitFunc = func(code int) { got = code }
	os.Args = []string{"certcore", "--version"}
	main()
	assert.Equal(t, 0, got)
}
