package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certcore/internal/refgraph"
	"certcore/pkg/domain"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, domain.ConsistencyLenient, cfg.Consistency)
	assert.Equal(t, refgraph.SourcesBoth, cfg.GraphSources)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, "pdftotext", cfg.Convert.Command)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
consistency: strict
graph_sources: cert_only
batch_size: 8
min_items:
  csv: 100
download:
  timeout: 5s
store:
  driver: memory
`), 0o600))
	t.Setenv("CERTCORE_WORKERS", "3")
	t.Setenv("CERTCORE_BLOB_DRIVER", "memory")
	t.Setenv("CERTCORE_GRAPH_SOURCES", "st_only")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsistencyStrict, cfg.Consistency)
	assert.Equal(t, refgraph.SourcesSTOnly, cfg.GraphSources)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 100, cfg.MinItems.CSV)
	assert.Equal(t, 5*time.Second, cfg.Download.Timeout)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Blob.Driver)
	require.NoError(t, cfg.Finalize(t.TempDir()))
}

func TestLoadRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [1"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "parse config")

	t.Setenv("CERTCORE_WORKERS", "many")
	_, err = Load("")
	require.ErrorContains(t, err, "CERTCORE_WORKERS")
}

func TestFinalizeDerivesPaths(t *testing.T) {
	out := t.TempDir()
	cfg := Default()
	require.NoError(t, cfg.Finalize(out))
	assert.Equal(t, filepath.Join(out, "certcore.log"), cfg.LogFile)
	assert.Equal(t, filepath.Join(out, "certcore.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(out, "artifacts"), cfg.Blob.Root)

	require.Error(t, Default().Finalize(""))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"consistency":   func(c *Config) { c.Consistency = "loose" },
		"graph sources": func(c *Config) { c.GraphSources = "sideways" },
		"batch":         func(c *Config) { c.BatchSize = 0 },
		"store":         func(c *Config) { c.Store.Driver = "mongo" },
		"postgres dsn":  func(c *Config) { c.Store.Driver = "postgres" },
		"blob":          func(c *Config) { c.Blob.Driver = "ftp" },
		"s3 bucket":     func(c *Config) { c.Blob.Driver = "s3" },
		"threshold":     func(c *Config) { c.MaxStructuralChanges = -1 },
		"convert":       func(c *Config) { c.Convert.Command = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Consistency = ""
	cfg.Workers = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, domain.ConsistencyLenient, cfg.Consistency, "default is written explicitly")
	assert.Positive(t, cfg.Workers)
}
