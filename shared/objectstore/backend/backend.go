// Package backend builds the configured objectstore.Store.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/azureblob"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/gcs"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/localfs"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/s3"
)

// Backend selectors accepted in configuration.
const (
	Local  = "local"
	GCS    = "gcs"
	Azure  = "azure"
	S3     = "s3"
	Memory = "memory"
)

// Config selects a backend and carries the parameters for each kind. Only
// the block matching Backend is read.
type Config struct {
	Backend string
	Local   LocalConfig
	GCS     gcs.Config
	Azure   azureblob.Config
	S3      s3.Config
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root string
}

// Supported lists the accepted selectors.
func Supported() []string {
	return []string{Local, GCS, Azure, S3, Memory}
}

// IsSupported reports whether name is a known selector.
func IsSupported(name string) bool {
	for _, s := range Supported() {
		if s == name {
			return true
		}
	}
	return false
}

// New constructs the store named by cfg.Backend. An unknown selector is an
// error; callers are expected to abort startup on it.
func New(ctx context.Context, cfg Config) (objectstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case Local:
		if cfg.Local.Root == "" {
			return nil, fmt.Errorf("local storage root must be provided")
		}
		return localfs.NewOS(cfg.Local.Root), nil
	case Memory:
		return localfs.NewMemory(), nil
	case GCS:
		return gcs.New(ctx, cfg.GCS)
	case Azure:
		return azureblob.New(cfg.Azure)
	case S3:
		return s3.New(cfg.S3)
	case "":
		return nil, fmt.Errorf("storage backend must be provided (one of %s)", strings.Join(Supported(), ", "))
	default:
		return nil, fmt.Errorf("unsupported storage backend %q (one of %s)", cfg.Backend, strings.Join(Supported(), ", "))
	}
}

// EnsureContainers creates each container on backends that support it.
func EnsureContainers(ctx context.Context, store objectstore.Store, containers ...string) error {
	creator, ok := store.(objectstore.ContainerCreator)
	if !ok {
		return nil
	}
	for _, c := range containers {
		if err := creator.EnsureContainer(ctx, c); err != nil {
			return fmt.Errorf("failed to ensure container %s: %w", c, err)
		}
	}
	return nil
}
