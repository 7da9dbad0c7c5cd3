// Package s3 implements objectstore.Store on S3-compatible services
// (AWS S3, MinIO, Sevalla and similar).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config encapsulates the connection info for S3-compatible storage.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Store is an S3-compatible object store.
type Store struct {
	client *minio.Client
	region string
}

// New builds a minio client from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials must be provided")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &Store{client: client, region: region}, nil
}

func (s *Store) Put(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	if err := objectstore.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, container, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: meta.ContentType,
	})
	if err != nil {
		return classify("put", container, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, container, key string) ([]byte, objectstore.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, container, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}

	return data, infoFromStat(stat), nil
}

func (s *Store) Stat(ctx context.Context, container, key string) (objectstore.ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, container, key, minio.StatObjectOptions{})
	if err != nil {
		return objectstore.ObjectInfo{}, classify("stat", container, key, err)
	}
	return infoFromStat(stat), nil
}

// List reads up to limit+1 keys after marker; the extra key only signals
// that another page exists.
func (s *Store) List(ctx context.Context, container, prefix, marker string, limit int) (objectstore.ListPage, error) {
	if limit <= 0 {
		limit = objectstore.DefaultPageSize
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := s.client.ListObjects(listCtx, container, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: marker,
		MaxKeys:    limit,
	})

	var page objectstore.ListPage
	for obj := range objects {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				return objectstore.ListPage{}, nil
			}
			return objectstore.ListPage{}, classify("list", container, prefix, obj.Err)
		}
		if len(page.Objects) == limit {
			page.NextMarker = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, objectstore.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}

	return page, nil
}

// Delete stats first because S3 deletes of missing keys succeed silently.
func (s *Store) Delete(ctx context.Context, container, key string) error {
	if _, err := s.Stat(ctx, container, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, container, key, minio.RemoveObjectOptions{}); err != nil {
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

// EnsureContainer creates the bucket when it does not exist.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	exists, err := s.client.BucketExists(ctx, container)
	if err != nil {
		return classify("bucket exists", container, "", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, container, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classify("make bucket", container, "", err)
	}
	return nil
}

func infoFromStat(stat minio.ObjectInfo) objectstore.ObjectInfo {
	return objectstore.ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}
}

func classify(op, container, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return objectstore.NotFound(container, key)
	case resp.Code == "SlowDown" || resp.Code == "InternalError" || objectstore.RetryableStatus(resp.StatusCode):
		return objectstore.Transient("s3 "+op, err)
	case objectstore.IsNetworkError(err):
		return objectstore.Transient("s3 "+op, err)
	}
	return fmt.Errorf("s3 %s %s/%s: %w", op, container, key, err)
}

var _ objectstore.ContainerCreator = (*Store)(nil)
