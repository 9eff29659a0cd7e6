package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"certcore/internal/config"
)

// Converter extracts the text of the document at src into dst.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, src, dst string) error

// Convert implements Converter.
func (f ConverterFunc) Convert(ctx context.Context, src, dst string) error { return f(ctx, src, dst) }

// CommandConverter runs an external extractor as "command args... src dst",
// the calling convention of pdftotext.
type CommandConverter struct {
	Command string
	Args    []string
}

// NewCommandConverter builds a converter from configuration.
func NewCommandConverter(cfg config.Convert) CommandConverter {
	return CommandConverter{Command: cfg.Command, Args: append([]string(nil), cfg.Args...)}
}

// Convert implements Converter. An exit status of zero that leaves no output
// file is a failure too.
func (c CommandConverter) Convert(ctx context.Context, src, dst string) error {
	if c.Command == "" {
		return fmt.Errorf("no convert command configured")
	}
	args := append(append([]string(nil), c.Args...), src, dst)
	cmd := exec.CommandContext(ctx, c.Command, args...) // #nosec G204 -- command comes from configuration
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", c.Command, err)
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("%s produced no output: %w", c.Command, err)
	}
	return nil
}
