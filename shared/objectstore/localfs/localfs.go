// Package localfs implements objectstore.Store on a filesystem. Each
// container is a directory under the root and each key a file path inside it.
package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/spf13/afero"
)

const (
	// stagingDir holds partially written files so a crash never leaves a
	// torn object at its final key.
	stagingDir = ".staging"
	// metaDir mirrors the container tree with one JSON sidecar per object.
	metaDir = ".meta"
)

// Store is a filesystem-backed object store.
type Store struct {
	fs   afero.Fs
	root string

	// publishMu serializes create-if-absent on filesystems without hard links.
	publishMu sync.Mutex
}

type sidecar struct {
	ContentType string `json:"content_type,omitempty"`
}

// New returns a Store rooted at root on the given filesystem.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// NewOS returns a Store on the host filesystem.
func NewOS(root string) *Store {
	return New(afero.NewOsFs(), root)
}

// NewMemory returns a Store backed by an in-memory filesystem.
func NewMemory() *Store {
	return New(afero.NewMemMapFs(), "/data")
}

func (s *Store) containerDir(container string) (string, error) {
	switch container {
	case "", ".", "..", stagingDir, metaDir:
		return "", fmt.Errorf("%w: container %q", objectstore.ErrInvalidKey, container)
	}
	if strings.ContainsAny(container, `/\`) {
		return "", fmt.Errorf("%w: container %q", objectstore.ErrInvalidKey, container)
	}
	return filepath.Join(s.root, container), nil
}

func (s *Store) objectPath(container, key string) (string, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return "", err
	}
	if err := objectstore.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(key)), nil
}

func (s *Store) metaPath(container, key string) string {
	return filepath.Join(s.root, metaDir, container, filepath.FromSlash(key)+".json")
}

// stage writes data to a fresh file in the staging directory and returns
// its name.
func (s *Store) stage(key string, data []byte) (string, error) {
	staging := filepath.Join(s.root, stagingDir)
	if err := s.fs.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, staging, "put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to close staging file for %s: %w", key, err)
	}
	return tmpName, nil
}

// replace moves a staged file over dst.
func (s *Store) replace(key, tmpName, dst string) error {
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := s.fs.Rename(tmpName, dst); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return nil
}

// publishNew makes a staged file visible at dst only if dst does not exist.
// It returns an error matching fs.ErrExist otherwise.
func (s *Store) publishNew(tmpName, dst string) error {
	if _, ok := s.fs.(*afero.OsFs); ok {
		// link(2) fails with EEXIST instead of replacing.
		return os.Link(tmpName, dst)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if _, err := s.fs.Stat(dst); err == nil {
		return fs.ErrExist
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.fs.Rename(tmpName, dst)
}

// writeMeta records meta for key. An empty content type clears the sidecar
// so an overwrite never inherits stale metadata.
func (s *Store) writeMeta(container, key string, meta objectstore.Metadata) error {
	p := s.metaPath(container, key)
	if meta.ContentType == "" {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to clear metadata for %s: %w", key, err)
		}
		return nil
	}

	body, err := json.Marshal(sidecar{ContentType: meta.ContentType})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", key, err)
	}
	tmpName, err := s.stage(key, body)
	if err != nil {
		return err
	}
	return s.replace(key, tmpName, p)
}

// contentType prefers the stored metadata and falls back to the key's
// extension.
func (s *Store) contentType(container, key string) string {
	if data, err := afero.ReadFile(s.fs, s.metaPath(container, key)); err == nil {
		var meta sidecar
		if json.Unmarshal(data, &meta) == nil && meta.ContentType != "" {
			return meta.ContentType
		}
	}
	return mime.TypeByExtension(path.Ext(key))
}

// Put writes data through a staging file and renames it into place.
func (s *Store) Put(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst, err := s.objectPath(container, key)
	if err != nil {
		return err
	}

	tmpName, err := s.stage(key, data)
	if err != nil {
		return err
	}
	if err := s.replace(key, tmpName, dst); err != nil {
		return err
	}

	return s.writeMeta(container, key, meta)
}

// CreateIfAbsent stages the payload and publishes it without replacing, so
// a failed write never occupies the key.
func (s *Store) CreateIfAbsent(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst, err := s.objectPath(container, key)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmpName, err := s.stage(key, data)
	if err != nil {
		return err
	}
	// Left behind by a hard link, already gone after a rename.
	defer s.fs.Remove(tmpName)

	if err := s.publishNew(tmpName, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return objectstore.Conflict(container, key)
		}
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	return s.writeMeta(container, key, meta)
}

func (s *Store) Get(ctx context.Context, container, key string) ([]byte, objectstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}

	p, err := s.objectPath(container, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, objectstore.ObjectInfo{}, objectstore.NotFound(container, key)
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("failed to read %s: %w", key, err)
	}

	info, err := s.Stat(ctx, container, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	if info.ContentType == "" {
		info.ContentType = http.DetectContentType(data)
	}

	return data, info, nil
}

func (s *Store) Stat(ctx context.Context, container, key string) (objectstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.ObjectInfo{}, err
	}

	p, err := s.objectPath(container, key)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}

	fi, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return objectstore.ObjectInfo{}, objectstore.NotFound(container, key)
		}
		return objectstore.ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if fi.IsDir() {
		return objectstore.ObjectInfo{}, objectstore.NotFound(container, key)
	}

	return objectstore.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  s.contentType(container, key),
		LastModified: fi.ModTime(),
	}, nil
}

// List walks the container directory and paginates the sorted result.
func (s *Store) List(ctx context.Context, container, prefix, marker string, limit int) (objectstore.ListPage, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return objectstore.ListPage{}, err
	}

	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return objectstore.ListPage{}, fmt.Errorf("failed to check container %s: %w", container, err)
	}
	if !exists {
		return objectstore.ListPage{}, nil
	}

	var objects []objectstore.ObjectInfo
	err = afero.Walk(s.fs, dir, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		objects = append(objects, objectstore.ObjectInfo{
			Key:          key,
			Size:         fi.Size(),
			ContentType:  s.contentType(container, key),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return objectstore.ListPage{}, fmt.Errorf("failed to list %s: %w", container, err)
	}

	return objectstore.Paginate(objects, prefix, marker, limit), nil
}

func (s *Store) Delete(ctx context.Context, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := s.objectPath(container, key)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return objectstore.NotFound(container, key)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if err := s.fs.Remove(s.metaPath(container, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete metadata for %s: %w", key, err)
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

// EnsureContainer creates the container directory.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	dir, err := s.containerDir(container)
	if err != nil {
		return err
	}
	return s.fs.MkdirAll(dir, 0o755)
}

var (
	_ objectstore.ConditionalStore = (*Store)(nil)
	_ objectstore.ContainerCreator = (*Store)(nil)
)
