// Package local provides a local filesystem document store. Fingerprints
// are MD5 digests of the content, matching S3 single-part ETags.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend rooted at cfg.RootPath.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, &errs.ConnectionFailureError{
			Service:   "local store",
			Endpoints: []string{root},
			Last:      err,
		}
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &LocalBackend{rootPath: root}, nil
}

// fullPath maps a key to a path under the root. Keys that would escape
// the root are rejected.
func (b *LocalBackend) fullPath(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: empty key", errs.ErrInvalidInput)
	}
	return filepath.Join(b.rootPath, clean), nil
}

// List walks the root and returns files whose slash-separated key starts
// with prefix, sorted by key.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]models.ObjectInfo, error) {
	var objects []models.ObjectInfo
	err := filepath.WalkDir(b.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		sum, size, err := digest(path)
		if err != nil {
			return err
		}
		objects = append(objects, models.ObjectInfo{Key: key, Fingerprint: sum, Size: size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat hashes the file to produce its fingerprint.
func (b *LocalBackend) Stat(_ context.Context, key string) (models.ObjectInfo, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	sum, size, err := digest(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, errs.ErrNotFound)
		}
		return models.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return models.ObjectInfo{Key: key, Fingerprint: sum, Size: size}, nil
}

// GetObject opens a file for reading.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", key, errs.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// PresignGet returns a file:// URL. Local files do not expire, so ttl
// is ignored.
func (b *LocalBackend) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("presign %s: %w", key, errs.ErrNotFound)
		}
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String(), nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

func digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
