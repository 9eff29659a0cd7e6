// Package reconcile folds a freshly built dataset into the persistent store:
// it inserts new certificates, diffs updated ones, logs removals and writes
// a run record for every attempt.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"certcore/internal/blob"
	"certcore/internal/metrics"
	"certcore/internal/pipeline"
	"certcore/internal/runlock"
	"certcore/pkg/domain"
)

// LockName is the run lock every sync of one store shares.
const LockName = "certcore:sync"

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics counts change records by kind and records run durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithArtifacts publishes documents and the dataset snapshot to store.
func WithArtifacts(store blob.Store) Option {
	return func(r *Reconciler) { r.artifacts = store }
}

// WithLocker serializes runs through locker.
func WithLocker(locker runlock.Locker) Option {
	return func(r *Reconciler) { r.locker = locker }
}

// WithClock sets the time source of run records.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRunID sets the run id generator.
func WithRunID(fn func() string) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Reconciler syncs datasets into one store.
type Reconciler struct {
	store     domain.PersistentStore
	artifacts blob.Store
	locker    runlock.Locker
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// New returns a reconciler writing to store.
func New(store domain.PersistentStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Input is one sync attempt.
type Input struct {
	Dataset *domain.Dataset
	// Layout locates the documents to publish. An empty root skips
	// document publication.
	Layout pipeline.Layout
	// WorkDir is removed when the run ends, whatever its outcome.
	WorkDir string
}

// Sync reconciles in.Dataset against the stored certificates in the order
// new, updated, removed. The run record is written before Sync returns,
// also when it fails, and the working directory is removed last.
func (r *Reconciler) Sync(ctx context.Context, in Input) (run domain.RunRecord, err error) {
	run = domain.RunRecord{ID: r.newID(), StartedAt: r.now().UTC(), ToolVersion: pipeline.Version}
	logger := r.logger.With(zap.String("run_id", run.ID))
	defer func() {
		if in.WorkDir != "" {
			if rmErr := os.RemoveAll(in.WorkDir); rmErr != nil {
				logger.Warn("working directory not removed", zap.String("dir", in.WorkDir), zap.Error(rmErr))
			}
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sync panicked: %v", p)
		}
		run.EndedAt = r.now().UTC()
		run.OK = err == nil
		if err != nil {
			run.Error = err.Error()
		}
		if recErr := r.store.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
			logger.Error("run record not written", zap.Error(recErr))
			if err == nil {
				err = fmt.Errorf("record run: %w", recErr)
				run.OK = false
				run.Error = err.Error()
			}
		}
		if r.metrics != nil {
			r.metrics.Observe(ctx, "sync", run.OK, run.EndedAt.Sub(run.StartedAt))
		}
		if err != nil {
			logger.Error("sync failed", zap.Error(err))
		}
	}()

	if in.Dataset == nil {
		return run, errors.New("no dataset to sync")
	}
	if r.locker != nil {
		lease, lockErr := r.locker.Acquire(ctx, LockName)
		if lockErr != nil {
			return run, fmt.Errorf("acquire run lock: %w", lockErr)
		}
		defer func() {
			if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
				logger.Warn("run lock not released", zap.Error(relErr))
			}
		}()
	}

	ds := in.Dataset
	state := ds.State
	run.State = &state
	run.Length = len(ds.Certs)
	run.Stats.CertStates = certStates(ds)

	var stats domain.RunStats
	res, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		s, applyErr := apply(tx, run.ID, ds)
		stats = s
		return applyErr
	})
	if err != nil {
		return run, err
	}
	for _, v := range res.Warnings() {
		logger.Warn("consistency warning",
			zap.String("rule", v.Rule),
			zap.String("dgst", v.Digest),
			zap.String("message", v.Message))
	}
	run.Warnings = res.Warnings()
	stats.CertStates = run.Stats.CertStates
	run.Stats = stats
	if r.metrics != nil {
		r.metrics.Change(string(domain.ChangeNew), stats.New)
		r.metrics.Change(string(domain.ChangeUpdate), stats.Updated)
		r.metrics.Change(string(domain.ChangeRemove), stats.Removed)
		r.metrics.Change(string(domain.ChangeBack), stats.Back)
		r.metrics.Certificates.Set(float64(len(ds.Certs)))
	}
	logger.Info("dataset reconciled",
		zap.Int("certificates", run.Length),
		zap.Int("new", stats.New),
		zap.Int("updated", stats.Updated),
		zap.Int("removed", stats.Removed),
		zap.Int("back", stats.Back))

	if r.artifacts != nil {
		published, pubErr := Publish(ctx, r.artifacts, in.Layout, ds)
		if pubErr != nil {
			return run, pubErr
		}
		logger.Info("artifacts published", zap.Int("written", published))
	}
	return run, nil
}

// apply stages every change of one run in tx.
func apply(tx domain.Transaction, runID string, ds *domain.Dataset) (domain.RunStats, error) {
	var stats domain.RunStats
	previous := make(map[string]domain.Certificate)
	for _, c := range tx.Snapshot().ListCertificates() {
		previous[c.Digest] = c
	}
	current := ds.Digests()

	for _, dgst := range current {
		if _, ok := previous[dgst]; ok {
			continue
		}
		cert := ds.Certs[dgst]
		payload, err := domain.NewChangePayloadFromValue(cert)
		if err != nil {
			return stats, fmt.Errorf("encode %s: %w", dgst, err)
		}
		if err := tx.PutCertificate(cert); err != nil {
			return stats, err
		}
		if _, err := tx.AppendChange(domain.ChangeRecord{RunID: runID, Digest: dgst, Kind: domain.ChangeNew, Payload: payload}); err != nil {
			return stats, err
		}
		stats.New++
		stats.NewIDs = append(stats.NewIDs, dgst)
	}

	for _, dgst := range current {
		stored, ok := previous[dgst]
		if !ok {
			continue
		}
		cert := ds.Certs[dgst]
		diff, err := CompareValues(stored, cert)
		if err != nil {
			return stats, fmt.Errorf("diff %s: %w", dgst, err)
		}
		if diff.Empty() {
			if latest, ok := tx.LatestChange(dgst); ok && latest.Kind == domain.ChangeRemove {
				if _, err := tx.AppendChange(domain.ChangeRecord{RunID: runID, Digest: dgst, Kind: domain.ChangeBack}); err != nil {
					return stats, err
				}
				stats.Back++
			}
			continue
		}
		payload, err := domain.NewChangePayloadFromValue(diff)
		if err != nil {
			return stats, fmt.Errorf("encode diff %s: %w", dgst, err)
		}
		if err := tx.PutCertificate(cert); err != nil {
			return stats, err
		}
		if _, err := tx.AppendChange(domain.ChangeRecord{RunID: runID, Digest: dgst, Kind: domain.ChangeUpdate, Payload: payload}); err != nil {
			return stats, err
		}
		stats.Updated++
		stats.UpdatedIDs = append(stats.UpdatedIDs, dgst)
	}

	removed := make([]string, 0)
	for dgst := range previous {
		if _, ok := ds.Certs[dgst]; !ok {
			removed = append(removed, dgst)
		}
	}
	sort.Strings(removed)
	for _, dgst := range removed {
		if latest, ok := tx.LatestChange(dgst); ok && latest.Kind == domain.ChangeRemove {
			continue
		}
		if _, err := tx.AppendChange(domain.ChangeRecord{RunID: runID, Digest: dgst, Kind: domain.ChangeRemove}); err != nil {
			return stats, err
		}
		stats.Removed++
		stats.RemovedIDs = append(stats.RemovedIDs, dgst)
	}

	if tx.Snapshot().State() != ds.State {
		tx.PutState(ds.State)
	}
	return stats, nil
}

// certStates counts certificates per document state label.
func certStates(ds *domain.Dataset) map[string]int {
	out := make(map[string]int)
	for _, c := range ds.Certs {
		for _, label := range c.State.Labels() {
			out[label]++
		}
	}
	return out
}

// SnapshotKey names the published snapshot of a dataset.
func SnapshotKey(name string) string {
	if name == "" {
		name = "dataset"
	}
	return blob.ArtifactKey(blob.KindSnapshot, name, ".json")
}

func encodeSnapshot(ds *domain.Dataset) ([]byte, error) {
	return json.Marshal(ds)
}
