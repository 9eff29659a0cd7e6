// Package lifecycle runs the dataset pipeline stages in order, gated by the
// dataset state flags.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"certcore/pkg/domain"
)

// Action names one pipeline stage.
type Action string

const (
	ActionBuild    Action = "build"
	ActionDownload Action = "download"
	ActionConvert  Action = "convert"
	ActionAnalyze  Action = "analyze"
	// ActionAll expands to every stage.
	ActionAll Action = "all"
)

// Order is the pipeline order.
var Order = []Action{ActionBuild, ActionDownload, ActionConvert, ActionAnalyze}

// ParseActions validates names, expands "all" and returns the distinct
// actions in pipeline order.
func ParseActions(names []string) ([]Action, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no action given, expected one of %s", strings.Join(actionNames(), ", "))
	}
	want := make(map[Action]struct{}, len(names))
	for _, n := range names {
		a := Action(strings.ToLower(strings.TrimSpace(n)))
		switch a {
		case ActionAll:
			for _, o := range Order {
				want[o] = struct{}{}
			}
		case ActionBuild, ActionDownload, ActionConvert, ActionAnalyze:
			want[a] = struct{}{}
		default:
			return nil, fmt.Errorf("unknown action %q, expected one of %s", n, strings.Join(actionNames(), ", "))
		}
	}
	out := make([]Action, 0, len(want))
	for _, a := range Order {
		if _, ok := want[a]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func actionNames() []string {
	out := make([]string, 0, len(Order)+1)
	out = append(out, string(ActionAll))
	for _, a := range Order {
		out = append(out, string(a))
	}
	return out
}

// Contains reports whether actions includes a.
func Contains(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// Precondition returns the state flags that must be set before a runs.
func Precondition(a Action, state domain.DatasetState) []string {
	var missing []string
	switch a {
	case ActionDownload:
		if !state.MetaParsed {
			missing = append(missing, "meta_parsed")
		}
	case ActionConvert:
		if !state.PDFsDownloaded {
			missing = append(missing, "pdfs_downloaded")
		}
	case ActionAnalyze:
		if !state.PDFsConverted {
			missing = append(missing, "pdfs_converted")
		}
	}
	return missing
}

func complete(a Action, state *domain.DatasetState) {
	switch a {
	case ActionBuild:
		state.MetaParsed = true
	case ActionDownload:
		state.PDFsDownloaded = true
	case ActionConvert:
		state.PDFsConverted = true
	case ActionAnalyze:
		state.Analyzed = true
	}
}

// Stage executes one action against the dataset.
type Stage interface {
	Run(ctx context.Context, ds *domain.Dataset) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, ds *domain.Dataset) error

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, ds *domain.Dataset) error { return f(ctx, ds) }

// Stages binds actions to their implementations.
type Stages map[Action]Stage

// MetricsRecorder observes stage outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records stage durations and outcomes.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithAfter registers a hook that runs after every successful stage, once
// its flag is set. The pipeline uses it to save a snapshot.
func WithAfter(fn func(ctx context.Context, a Action, ds *domain.Dataset) error) Option {
	return func(r *Runner) { r.after = fn }
}

// Runner executes actions in pipeline order.
type Runner struct {
	stages  Stages
	logger  *zap.Logger
	metrics MetricsRecorder
	after   func(ctx context.Context, a Action, ds *domain.Dataset) error
}

// NewRunner constructs a runner over stages.
func NewRunner(stages Stages, opts ...Option) *Runner {
	r := &Runner{stages: stages, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes actions in pipeline order. Each precondition is checked
// against the state as it stands when the stage is reached, so a missing
// earlier stage aborts with a PreconditionError instead of being run
// implicitly. A stage sets its flag only when it returns without error and
// the first failure aborts the remaining actions.
func (r *Runner) Run(ctx context.Context, ds *domain.Dataset, actions []Action) error {
	ordered := make([]Action, 0, len(actions))
	for _, a := range Order {
		if Contains(actions, a) {
			ordered = append(ordered, a)
		}
	}
	for _, a := range ordered {
		if missing := Precondition(a, ds.State); len(missing) > 0 {
			err := domain.PreconditionError{Action: string(a), Missing: missing}
			r.logger.Error("stage precondition not met", zap.String("action", string(a)), zap.Strings("missing", missing))
			return err
		}
		stage, ok := r.stages[a]
		if !ok {
			return fmt.Errorf("no stage registered for %s", a)
		}
		r.logger.Info("stage started", zap.String("action", string(a)))
		start := time.Now()
		err := stage.Run(ctx, ds)
		if r.metrics != nil {
			r.metrics.Observe(ctx, string(a), err == nil, time.Since(start))
		}
		if err != nil {
			r.logger.Error("stage failed", zap.String("action", string(a)), zap.Error(err))
			return fmt.Errorf("%s: %w", a, err)
		}
		complete(a, &ds.State)
		r.logger.Info("stage finished", zap.String("action", string(a)), zap.Duration("took", time.Since(start)))
		if r.after != nil {
			if err := r.after(ctx, a, ds); err != nil {
				return fmt.Errorf("%s: %w", a, err)
			}
		}
	}
	return nil
}
