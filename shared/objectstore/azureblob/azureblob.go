// Package azureblob implements objectstore.Store on Azure Blob Storage.
package azureblob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
)

// Config holds Azure Blob Storage connection settings.
type Config struct {
	ConnectionString string
}

// Store is an Azure Blob Storage backed object store. Listing markers are
// the service's own opaque continuation tokens.
type Store struct {
	client *azblob.Client
}

// New creates a blob client from a storage account connection string.
func New(cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure connection string must be provided")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Put(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	return s.upload(ctx, container, key, data, meta, nil)
}

// CreateIfAbsent sends If-None-Match: * with the upload.
func (s *Store) CreateIfAbsent(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata) error {
	conditions := &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{
			IfNoneMatch: to.Ptr(azcore.ETagAny),
		},
	}
	return s.upload(ctx, container, key, data, meta, conditions)
}

func (s *Store) upload(ctx context.Context, container, key string, data []byte, meta objectstore.Metadata, conditions *blob.AccessConditions) error {
	if err := objectstore.ValidateKey(key); err != nil {
		return err
	}

	opts := &azblob.UploadBufferOptions{
		AccessConditions: conditions,
	}
	if meta.ContentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(meta.ContentType)}
	}

	if _, err := s.client.UploadBuffer(ctx, container, key, data, opts); err != nil {
		return classify("put", container, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, container, key string) ([]byte, objectstore.ObjectInfo, error) {
	resp, err := s.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, classify("get", container, key, err)
	}

	info := objectstore.ObjectInfo{Key: key, Size: int64(len(data))}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	return data, info, nil
}

func (s *Store) Stat(ctx context.Context, container, key string) (objectstore.ObjectInfo, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)

	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return objectstore.ObjectInfo{}, classify("stat", container, key, err)
	}

	info := objectstore.ObjectInfo{Key: key}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

// List fetches exactly one page from the flat blob listing.
func (s *Store) List(ctx context.Context, container, prefix, marker string, limit int) (objectstore.ListPage, error) {
	if limit <= 0 {
		limit = objectstore.DefaultPageSize
	}

	opts := &azblob.ListBlobsFlatOptions{
		MaxResults: to.Ptr(int32(limit)),
	}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	if marker != "" {
		opts.Marker = to.Ptr(marker)
	}

	pager := s.client.NewListBlobsFlatPager(container, opts)
	if !pager.More() {
		return objectstore.ListPage{}, nil
	}

	resp, err := pager.NextPage(ctx)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return objectstore.ListPage{}, nil
		}
		return objectstore.ListPage{}, classify("list", container, prefix, err)
	}

	var page objectstore.ListPage
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := objectstore.ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.ContentType != nil {
					info.ContentType = *item.Properties.ContentType
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			page.Objects = append(page.Objects, info)
		}
	}
	if resp.NextMarker != nil {
		page.NextMarker = *resp.NextMarker
	}

	return page, nil
}

func (s *Store) Delete(ctx context.Context, container, key string) error {
	if _, err := s.client.DeleteBlob(ctx, container, key, nil); err != nil {
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

// EnsureContainer creates the blob container, tolerating one that exists.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return classify("create container", container, "", err)
}

func classify(op, container, key string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return objectstore.NotFound(container, key)
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return objectstore.Conflict(container, key)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && objectstore.RetryableStatus(respErr.StatusCode) {
		return objectstore.Transient("azure "+op, err)
	}

	if objectstore.IsNetworkError(err) {
		return objectstore.Transient("azure "+op, err)
	}

	return fmt.Errorf("azure %s %s/%s: %w", op, container, key, err)
}

var (
	_ objectstore.ConditionalStore = (*Store)(nil)
	_ objectstore.ContainerCreator = (*Store)(nil)
)
