package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certcore/internal/blob"
	"certcore/internal/infra/persistence"
	"certcore/internal/pipeline"
	"certcore/internal/reconcile"
	"certcore/internal/runlock"
	"certcore/pkg/domain"
)

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var clean bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the dataset of the output directory into the store",
		Long: `sync inserts new certificates, records updates as JSON diffs, logs
removals and publishes the documents and snapshot to the artifact store.
Every attempt writes a run record, also when it fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), opts, clean, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the output directory when the run ends")
	return cmd
}

func runSync(ctx context.Context, opts *globalOptions, clean bool, out io.Writer) error {
	e, err := setup(opts)
	if err != nil {
		return err
	}
	defer e.close(ctx)
	cfg := e.cfg

	var workDir string
	if clean {
		var kept []string
		if cfg.Store.Driver == "sqlite" {
			kept = append(kept, cfg.Store.Path)
		}
		if cfg.Blob.Driver == "fs" {
			kept = append(kept, cfg.Blob.Root)
		}
		if err := checkOutside(cfg.OutputDir, kept...); err != nil {
			return err
		}
		workDir = cfg.OutputDir
	}

	layout := pipeline.Layout{Root: cfg.OutputDir}
	ds, err := pipeline.LoadSnapshot(layout.SnapshotPath(), pipeline.Version)
	if err != nil {
		e.logger.Error("dataset not loaded", zap.Error(err))
		return err
	}

	engine := domain.NewRulesEngine(reconcile.StructuralChanges{Max: cfg.MaxStructuralChanges, Mode: cfg.Consistency})
	store, err := persistence.Open(cfg.Store, engine)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			e.logger.Warn("store not closed", zap.Error(err))
		}
	}()
	artifacts, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	locker, closeLocker, err := openLocker(ctx, cfg.Lock.RedisURL, cfg.Lock.TTL)
	if err != nil {
		return err
	}
	defer closeLocker()

	r := reconcile.New(store,
		reconcile.WithLogger(e.logger),
		reconcile.WithMetrics(e.metrics),
		reconcile.WithArtifacts(artifacts),
		reconcile.WithLocker(locker))
	run, syncErr := r.Sync(ctx, reconcile.Input{Dataset: ds, Layout: layout, WorkDir: workDir})
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return syncErr
}

func openLocker(ctx context.Context, redisURL string, ttl time.Duration) (runlock.Locker, func(), error) {
	if redisURL == "" {
		return runlock.NewMemory(), func() {}, nil
	}
	r, err := runlock.OpenRedis(ctx, redisURL, ttl)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

// checkOutside rejects removing dir while a store path lives inside it.
func checkOutside(dir string, paths ...string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absDir, abs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return fmt.Errorf("--clean would remove %s, move it out of %s", p, dir)
		}
	}
	return nil
}
