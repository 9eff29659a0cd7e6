package matcher

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job loads one document for scanning. Load runs on a worker.
type Job struct {
	Key  string
	Load func() (Document, error)
}

// Outcome is the per-document result of a pool run. Err is set when the
// document could not be loaded; it never fails the batch.
type Outcome struct {
	Result Result
	Err    error
}

// BatchObserver is notified by the coordinator after each merged batch.
type BatchObserver func(done, total int)

// Pool scans documents on a fixed number of workers in fixed-size batches.
// A single coordinator merges each batch before the next one is dispatched.
type Pool struct {
	matcher   *Matcher
	workers   int
	batchSize int
	logger    *zap.Logger
	observer  BatchObserver
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the worker count.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBatchSize sets the number of documents dispatched per batch.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBatchObserver registers a progress callback.
func WithBatchObserver(fn BatchObserver) PoolOption {
	return func(p *Pool) { p.observer = fn }
}

// NewPool builds a pool around m.
func NewPool(m *Matcher, opts ...PoolOption) (*Pool, error) {
	if m == nil {
		return nil, fmt.Errorf("matcher pool: matcher is required")
	}
	p := &Pool{
		matcher:   m,
		workers:   runtime.NumCPU(),
		batchSize: 64,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MatchAll scans every job and returns outcomes keyed by job key. Only
// context cancellation aborts the run.
func (p *Pool) MatchAll(ctx context.Context, jobs []Job) (map[string]Outcome, error) {
	out := make(map[string]Outcome, len(jobs))
	for start := 0; start < len(jobs); start += p.batchSize {
		end := min(start+p.batchSize, len(jobs))
		batch := jobs[start:end]
		results := make([]Outcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for i, job := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				doc, err := job.Load()
				if err != nil {
					results[i] = Outcome{Err: err}
					return nil
				}
				results[i] = Outcome{Result: p.matcher.Match(doc)}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, job := range batch {
			res := results[i]
			if res.Err != nil {
				p.logger.Warn("document could not be scanned", zap.String("file_key", job.Key), zap.Error(res.Err))
			}
			for _, s := range res.Result.Suspicious {
				p.logger.Warn("excessive match length",
					zap.String("file_key", job.Key),
					zap.String("rule", s.Pattern),
					zap.Int("length", len(s.Match)))
			}
			out[job.Key] = res
		}
		if p.observer != nil {
			p.observer(end, len(jobs))
		}
	}
	return out, nil
}
