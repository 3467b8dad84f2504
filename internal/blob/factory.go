package blob

import (
	"context"
	"fmt"

	"rackcore/internal/infra/blob/fs"
	"rackcore/internal/infra/blob/memory"
	"rackcore/internal/infra/blob/s3"
)

// S3Config re-exports the S3 backend configuration.
type S3Config = s3.Config

// Config selects and configures a blob backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the blob.Store named by cfg.Driver. An empty driver selects
// the filesystem backend rooted at cfg.FSRoot (default ./blobdata).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
