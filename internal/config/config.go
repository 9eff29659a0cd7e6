// Package config loads the certcore run configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"certcore/internal/refgraph"
	"certcore/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CERTCORE_"

// Config holds every tunable of a certcore run.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	LogFile   string `yaml:"log_file"`

	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`

	// Consistency selects strict or lenient handling of sanity warnings.
	Consistency  domain.ConsistencyMode `yaml:"consistency"`
	GraphSources refgraph.Sources       `yaml:"graph_sources"`
	MinItems     MinItems               `yaml:"min_items"`
	// MaxStructuralChanges bounds the diff entries of one sync run. Zero
	// disables the check.
	MaxStructuralChanges int `yaml:"max_structural_changes"`

	PatternsFile string `yaml:"patterns_file"`

	// Listing sources fetched by the build stage.
	Listings Listings `yaml:"listings"`

	Store    Store    `yaml:"store"`
	Blob     Blob     `yaml:"blob"`
	Download Download `yaml:"download"`
	Convert  Convert  `yaml:"convert"`
	Metrics  Metrics  `yaml:"metrics"`
	Lock     Lock     `yaml:"lock"`
}

// MinItems are the sanity thresholds of the build and analyze stages.
type MinItems struct {
	CSV       int `yaml:"csv"`
	HTML      int `yaml:"html"`
	Frontpage int `yaml:"frontpage"`
	Keywords  int `yaml:"keywords"`
}

// Listings locate the tabular and HTML listings of certificates.
type Listings struct {
	CSV  []string `yaml:"csv"`
	HTML []string `yaml:"html"`
}

// Store selects the persistence backend of sync runs.
type Store struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Blob selects the artifact store.
type Blob struct {
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"`
	S3     S3     `yaml:"s3"`
}

// S3 configures the S3 artifact store.
type S3 struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// Download tunes the document fetcher.
type Download struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
	UserAgent     string        `yaml:"user_agent"`
}

// Convert configures the external text extractor.
type Convert struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Metrics configures the optional Prometheus push.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Lock configures run serialization. Without a Redis URL an in-process
// lock is used.
type Lock struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workers:      runtime.NumCPU(),
		BatchSize:    64,
		Consistency:  domain.DefaultConsistencyMode,
		GraphSources: refgraph.SourcesBoth,
		Listings: Listings{
			CSV: []string{
				"https://www.commoncriteriaportal.org/products/certified_products.csv",
				"https://www.commoncriteriaportal.org/products/certified_products-archived.csv",
			},
			HTML: []string{
				"https://www.commoncriteriaportal.org/products/index.cfm",
				"https://www.commoncriteriaportal.org/products/index.cfm?archived=1",
			},
		},
		Store: Store{Driver: "sqlite"},
		Blob:  Blob{Driver: "fs"},
		Download: Download{
			RatePerSecond: 4,
			Burst:         4,
			Timeout:       60 * time.Second,
			UserAgent:     "certcore",
		},
		Convert: Convert{Command: "pdftotext", Args: []string{"-raw"}},
		Metrics: Metrics{Job: "certcore"},
		Lock:    Lock{TTL: 6 * time.Hour},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills values derived from the output directory and validates.
func (c *Config) Finalize(outputDir string) error {
	if outputDir != "" {
		c.OutputDir = outputDir
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.OutputDir, "certcore.log")
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.OutputDir, "certcore.db")
	}
	if c.Blob.Driver == "fs" && c.Blob.Root == "" {
		c.Blob.Root = filepath.Join(c.OutputDir, "artifacts")
	}
	return c.Validate()
}

// Validate rejects unknown enum values and impossible sizes.
func (c *Config) Validate() error {
	if c.Consistency == "" {
		c.Consistency = domain.DefaultConsistencyMode
	}
	if !c.Consistency.Valid() {
		return fmt.Errorf("invalid consistency mode %q (valid: strict, lenient)", c.Consistency)
	}
	if c.GraphSources == "" {
		c.GraphSources = refgraph.SourcesBoth
	}
	if !c.GraphSources.Valid() {
		return fmt.Errorf("invalid graph_sources %q (valid: both, cert_only, st_only)", c.GraphSources)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxStructuralChanges < 0 {
		return fmt.Errorf("max_structural_changes must not be negative")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown store driver %q (valid: memory, sqlite, postgres)", c.Store.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob driver s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unknown blob driver %q (valid: fs, memory, s3)", c.Blob.Driver)
	}
	if c.Download.RatePerSecond < 0 || c.Download.Burst < 0 {
		return fmt.Errorf("download rate and burst must not be negative")
	}
	if c.Convert.Command == "" {
		return fmt.Errorf("convert command is required")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}

	str("OUTPUT_DIR", &c.OutputDir)
	str("LOG_FILE", &c.LogFile)
	str("PATTERNS_FILE", &c.PatternsFile)
	str("STORE_DRIVER", &c.Store.Driver)
	str("SQLITE_PATH", &c.Store.Path)
	str("POSTGRES_DSN", &c.Store.DSN)
	str("BLOB_DRIVER", &c.Blob.Driver)
	str("BLOB_FS_ROOT", &c.Blob.Root)
	str("BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("BLOB_S3_REGION", &c.Blob.S3.Region)
	str("BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("BLOB_S3_PREFIX", &c.Blob.S3.Prefix)
	str("PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	str("REDIS_URL", &c.Lock.RedisURL)

	var mode, sources string
	str("CONSISTENCY", &mode)
	if mode != "" {
		c.Consistency = domain.ConsistencyMode(mode)
	}
	str("GRAPH_SOURCES", &sources)
	if sources != "" {
		c.GraphSources = refgraph.Sources(sources)
	}
	if v, ok := lookup(EnvPrefix + "BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sBLOB_S3_PATH_STYLE: %w", EnvPrefix, err)
		}
		c.Blob.S3.UsePathStyle = b
	}
	for key, dst := range map[string]*int{
		"WORKERS":                &c.Workers,
		"BATCH_SIZE":             &c.BatchSize,
		"MAX_STRUCTURAL_CHANGES": &c.MaxStructuralChanges,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	return nil
}
