// Package storage provides object storage abstractions for archived
// snapshot blobs.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts cold object storage.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Put uploads a blob to object storage at objectPath.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get downloads the blob at objectPath.
	// Returns ErrObjectNotFound if no such object exists.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
