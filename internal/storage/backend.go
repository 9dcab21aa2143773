// Package storage defines the Backend interface for the document object
// store and selects an implementation from configuration.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/liuyunc/mkviewer/pkg/models"
)

// Backend is the read side of an object store holding documents.
// Implementations handle raw object I/O (S3/MinIO, local filesystem).
type Backend interface {
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]models.ObjectInfo, error)

	// Stat returns the current fingerprint and size of one object.
	// A missing object yields an error wrapping errs.ErrNotFound.
	Stat(ctx context.Context, key string) (models.ObjectInfo, error)

	// GetObject returns the object body and its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PresignGet returns a time-limited download URL for the object.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ReadAll fetches an object fully into memory.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, _, err := b.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
