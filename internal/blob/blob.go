// Package blob selects the archive backend used for certificates and original uploads.
package blob

import (
	"context"
	"fmt"

	"cocoaquota/internal/blob/core"
	"cocoaquota/internal/infra/blob/fs"
	memorystore "cocoaquota/internal/infra/blob/memory"
	infraS3 "cocoaquota/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	// FSRoot is the archive directory for the fs driver.
	FSRoot string
	S3     S3Config
}

// Open constructs the configured backend. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
