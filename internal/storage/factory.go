package storage

import (
	"context"
	"fmt"

	"github.com/liuyunc/mkviewer/internal/config"
	"github.com/liuyunc/mkviewer/internal/storage/local"
	s3backend "github.com/liuyunc/mkviewer/internal/storage/s3"
)

// NewBackendFromConfig creates the Backend selected by cfg.StorageBackend.
func NewBackendFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoints: cfg.S3Endpoints,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Timeout:   cfg.RequestTimeout,
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.LocalStoragePath})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
