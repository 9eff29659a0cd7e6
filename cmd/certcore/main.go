// Command certcore builds, downloads, converts and analyzes the Common
// Criteria certificate dataset, and syncs finished datasets into the
// persistent store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certcore/internal/config"
	"certcore/internal/logging"
	"certcore/internal/metrics"
	"certcore/internal/pipeline"
)

var exitFunc = os.Exit

// globalOptions are shared by every command.
type globalOptions struct {
	output  string
	config  string
	silent  bool
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	var input string
	cmd := &cobra.Command{
		Use:   "certcore [flags] <build|download|convert|analyze|all>...",
		Short: "Process the Common Criteria certificate dataset",
		Long: `certcore runs the dataset pipeline stages named on the command line in
pipeline order. The dataset is saved to <output>/dataset.json after every
completed stage, so later invocations can resume from it.`,
		Version:      pipeline.Version,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActions(cmd.Context(), opts, input, args)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.output, "output", "o", "", "dataset directory (required)")
	flags.StringVarP(&opts.config, "config", "c", "", "configuration file (YAML)")
	flags.BoolVarP(&opts.silent, "silent", "s", false, "log to the log file only")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug messages")
	_ = cmd.MarkPersistentFlagRequired("output")
	cmd.Flags().StringVarP(&input, "input", "i", "", "dataset snapshot to resume from")

	cmd.AddCommand(newSyncCmd(opts))
	return cmd
}

// env is the configuration, logger and metrics of one invocation.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func setup(opts *globalOptions) (*env, error) {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(opts.output); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	logger, err := logging.New(logging.Options{File: cfg.LogFile, Silent: opts.silent, Verbose: opts.verbose})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, metrics: metrics.New()}, nil
}

// close pushes the metrics, if configured, and flushes the logger.
func (e *env) close(ctx context.Context) {
	if err := e.metrics.Push(context.WithoutCancel(ctx), e.cfg.Metrics.PushgatewayURL, e.cfg.Metrics.Job); err != nil {
		e.logger.Warn("metrics not pushed", zap.Error(err))
	}
	_ = e.logger.Sync()
}
