package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"certcore/internal/blob"
	"certcore/internal/lifecycle"
	"certcore/internal/pipeline"
	"certcore/pkg/domain"
)

// runActions executes the requested lifecycle actions over the dataset in
// opts.output.
func runActions(ctx context.Context, opts *globalOptions, input string, names []string) error {
	actions, err := lifecycle.ParseActions(names)
	if err != nil {
		return err
	}
	e, err := setup(opts)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	artifacts, err := blob.Open(ctx, e.cfg.Blob)
	if err != nil {
		return err
	}
	p, err := pipeline.New(e.cfg,
		pipeline.WithLogger(e.logger),
		pipeline.WithMetrics(e.metrics),
		pipeline.WithRedactedStore(artifacts))
	if err != nil {
		return err
	}
	layout := p.Layout()

	ds, err := openDataset(p, actions, input, e.logger)
	if err != nil {
		e.logger.Error("dataset not loaded", zap.Error(err))
		return err
	}
	runner := lifecycle.NewRunner(p.Stages(),
		lifecycle.WithLogger(e.logger),
		lifecycle.WithMetrics(e.metrics),
		lifecycle.WithAfter(func(_ context.Context, a lifecycle.Action, ds *domain.Dataset) error {
			if err := pipeline.SaveSnapshot(layout.SnapshotPath(), ds); err != nil {
				return err
			}
			e.logger.Debug("snapshot saved", zap.String("action", string(a)), zap.String("path", layout.SnapshotPath()))
			return nil
		}))
	if err := runner.Run(ctx, ds, actions); err != nil {
		return err
	}
	e.logger.Info("actions completed", zap.Int("certificates", len(ds.Certs)))
	return nil
}

// openDataset starts from an empty dataset when build is requested and
// resumes from a snapshot otherwise: the --input file when given, else the
// snapshot of the output directory.
func openDataset(p *pipeline.Pipeline, actions []lifecycle.Action, input string, logger *zap.Logger) (*domain.Dataset, error) {
	if lifecycle.Contains(actions, lifecycle.ActionBuild) {
		if input != "" {
			logger.Warn("input snapshot ignored, build starts a new dataset", zap.String("input", input))
		}
		return p.NewDataset(), nil
	}
	path := input
	if path == "" {
		path = p.Layout().SnapshotPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no dataset in %s, run build first or pass --input", p.Layout().Root)
		}
	}
	return pipeline.LoadSnapshot(path, pipeline.Version)
}
