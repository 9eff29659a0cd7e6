package blob

import (
	"context"
	"fmt"

	"certcore/internal/config"
	"certcore/internal/infra/blob/fs"
	"certcore/internal/infra/blob/memory"
	infraS3 "certcore/internal/infra/blob/s3"
)

// S3Config configures the S3 backend.
type S3Config = infraS3.Config

// Open returns the artifact store cfg selects. An empty driver selects the
// filesystem store.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.UsePathStyle,
			Prefix:    cfg.S3.Prefix,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return memory.New() }

// NewMockS3ForTests returns an S3 store backed by an in-memory fake bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
