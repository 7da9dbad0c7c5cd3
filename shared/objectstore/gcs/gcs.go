// Package gcs implements objectstore.Store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Config holds Google Cloud Storage connection settings. When neither
// credential field is set the client falls back to application default
// credentials.
type Config struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	Endpoint string
}

// Store is a Google Cloud Storage backed object store.
type Store struct {
	client    *storage.Client
	projectID string
}

// New creates a GCS client from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []option.ClientOption

	switch {
	case cfg.CredentialsJSON != "":
		creds, err := google.CredentialsFromJSON(ctx, []byte(cfg.CredentialsJSON), storage.ScopeReadWrite)
		if err != nil {
			return nil, fmt.Errorf("failed to parse gcs credentials: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &Store{client: client, projectID: cfg.ProjectID}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Put(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := objectstore.ValidateKey(key); err != nil {
		return err
	}
	obj := s.client.Bucket(container).Object(key)
	return s.write(ctx, obj, container, key, data, meta)
}

// CreateIfAbsent uses a DoesNotExist precondition.
func (s *Store) CreateIfAbsent(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := objectstore.ValidateKey(key); err != nil {
		return err
	}
	obj := s.client.Bucket(container).Object(key).If(storage.Conditions{DoesNotExist: true})
	return s.write(ctx, obj, container, key, data, meta)
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, container, key string, data []byte, meta objectstore.Metadata) error {
	w := obj.NewWriter(ctx)
	w.ContentType = meta.ContentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify("put", container, key, err)
	}
	if err := w.Close(); err != nil {
		return classify("put", container, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, container, key string) ([]byte, objectstore.ObjectInfo, error) {
	r, err := s.client.Bucket(container).Object(key).NewReader(ctx)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}

	return data, objectstore.ObjectInfo{
		Key:          key,
		Size:         r.Attrs.Size,
		ContentType:  r.Attrs.ContentType,
		LastModified: r.Attrs.LastModified,
	}, nil
}

func (s *Store) Stat(ctx context.Context, container, key string) (objectstore.ObjectInfo, error) {
	attrs, err := s.client.Bucket(container).Object(key).Attrs(ctx)
	if err != nil {
		return objectstore.ObjectInfo{}, classify("stat", container, key, err)
	}
	return infoFromAttrs(attrs), nil
}

// List uses StartOffset, which is inclusive, so the marker key itself is
// skipped.
func (s *Store) List(ctx context.Context, container, prefix, marker string, limit int) (objectstore.ListPage, error) {
	if limit <= 0 {
		limit = objectstore.DefaultPageSize
	}

	query := &storage.Query{Prefix: prefix, StartOffset: marker}
	if err := query.SetAttrSelection([]string{"Name", "Size", "ContentType", "Updated"}); err != nil {
		return objectstore.ListPage{}, fmt.Errorf("failed to build gcs query: %w", err)
	}

	it := s.client.Bucket(container).Objects(ctx, query)

	var page objectstore.ListPage
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return page, nil
		}
		if err != nil {
			return objectstore.ListPage{}, classify("list", container, prefix, err)
		}
		if attrs.Name == marker {
			continue
		}

		if len(page.Objects) == limit {
			page.NextMarker = page.Objects[len(page.Objects)-1].Key
			return page, nil
		}
		page.Objects = append(page.Objects, infoFromAttrs(attrs))
	}
}

func (s *Store) Delete(ctx context.Context, container, key string) error {
	if err := s.client.Bucket(container).Object(key).Delete(ctx); err != nil {
		return classify("delete", container, key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, container, key string) (bool, error) {
	_, err := s.Stat(ctx, container, key)
	if err == nil {
		return true, nil
	}
	if objectstore.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// EnsureContainer creates the bucket in the configured project if missing.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	bucket := s.client.Bucket(container)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return classify("ensure bucket", container, "", err)
	}

	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			return nil
		}
		return classify("create bucket", container, "", err)
	}
	return nil
}

func infoFromAttrs(attrs *storage.ObjectAttrs) objectstore.ObjectInfo {
	return objectstore.ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}
}

func classify(op, container, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return objectstore.NotFound(container, key)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusPreconditionFailed:
			return objectstore.Conflict(container, key)
		case gerr.Code == http.StatusNotFound:
			return objectstore.NotFound(container, key)
		case objectstore.RetryableStatus(gerr.Code):
			return objectstore.Transient("gcs "+op, err)
		}
	}

	if objectstore.IsNetworkError(err) {
		return objectstore.Transient("gcs "+op, err)
	}

	return fmt.Errorf("gcs %s %s/%s: %w", op, container, key, err)
}

var (
	_ objectstore.ConditionalStore = (*Store)(nil)
	_ objectstore.ContainerCreator = (*Store)(nil)
)
