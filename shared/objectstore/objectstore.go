// Package objectstore defines the storage capability shared by the API, the
// workers and the copy tool. Every backend implements the same semantics:
// last-writer-wins puts, NotFound on missing keys and paginated listings.
package objectstore

import (
	"context"
	"time"
)

// DefaultPageSize is the page size used by Walk when none is given.
const DefaultPageSize = 1000

// Metadata is the caller-supplied metadata stored alongside a payload.
type Metadata struct {
	ContentType string
}

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ListPage is one page of a listing. NextMarker is empty once the listing
// is exhausted; otherwise passing it back to List resumes after the last
// returned key. Markers are only meaningful to the backend, container and
// prefix that produced them.
type ListPage struct {
	Objects    []ObjectInfo
	NextMarker string
}

// Store is the capability set every backend provides. Implementations do
// not retry: transient failures are returned wrapped in ErrTransient.
type Store interface {
	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, container, key string, data []byte, meta Metadata) error
	// Get returns the payload at key, or ErrNotFound.
	Get(ctx context.Context, container, key string) ([]byte, ObjectInfo, error)
	// Stat returns the object's info without reading the payload, or ErrNotFound.
	Stat(ctx context.Context, container, key string) (ObjectInfo, error)
	// List returns up to limit objects under prefix, resuming after marker.
	List(ctx context.Context, container, prefix, marker string, limit int) (ListPage, error)
	// Delete removes key, or returns ErrNotFound.
	Delete(ctx context.Context, container, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, container, key string) (bool, error)
}

// ConditionalStore is implemented by backends with an atomic
// create-if-absent primitive.
type ConditionalStore interface {
	Store
	// CreateIfAbsent writes data only if key does not exist, returning
	// ErrConflict otherwise.
	CreateIfAbsent(ctx context.Context, container, key string, data []byte, meta Metadata) error
}

// ContainerCreator is implemented by backends that can create a missing
// container (bucket, blob container or directory).
type ContainerCreator interface {
	EnsureContainer(ctx context.Context, container string) error
}

// Walk calls fn for every object under prefix, following continuation
// markers until the listing is exhausted or fn returns an error.
func Walk(ctx context.Context, s Store, container, prefix string, fn func(ObjectInfo) error) error {
	marker := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.List(ctx, container, prefix, marker, DefaultPageSize)
		if err != nil {
			return err
		}

		for _, obj := range page.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}

		if page.NextMarker == "" {
			return nil
		}
		marker = page.NextMarker
	}
}
