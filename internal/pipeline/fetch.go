package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"certcore/internal/config"
)

// Fetcher retrieves the resource at src into the file dst.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src, dst string) error

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, src, dst string) error { return f(ctx, src, dst) }

// HTTPFetcher downloads over HTTP with a shared rate limit. Sources without
// an http or https scheme are treated as local paths and copied, which lets
// a run start from listings already on disk.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewHTTPFetcher builds a fetcher from the download settings. A zero rate
// disables throttling.
func NewHTTPFetcher(cfg config.Download) *HTTPFetcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
	}
}

// Fetch implements Fetcher. The body is written to a temporary file next to
// dst and renamed on success, so a failed download never leaves a partial
// document behind.
func (f *HTTPFetcher) Fetch(ctx context.Context, src, dst string) error {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		path := src
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		return copyFile(path, dst)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", src, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %s", src, resp.Status)
	}
	return writeAtomic(dst, resp.Body)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- listing paths come from configuration
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	return writeAtomic(dst, in)
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(name)
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", dst, copyErr)
		}
		return fmt.Errorf("write %s: %w", dst, closeErr)
	}
	if err := os.Rename(name, dst); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
