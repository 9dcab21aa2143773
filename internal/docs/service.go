// Package docs serves documents from the object store through the
// fingerprint cache. A cached rendering is reused only while the
// store's fingerprint for the key is unchanged.
package docs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/liuyunc/mkviewer/internal/convert"
	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/internal/storage"
	"github.com/liuyunc/mkviewer/pkg/cache"
	"github.com/liuyunc/mkviewer/pkg/models"
	"github.com/liuyunc/mkviewer/pkg/tree"
)

const (
	// DefaultPresignTTL is how long download links stay valid.
	DefaultPresignTTL = 6 * time.Hour

	// DefaultLoadTimeout bounds one fetch and conversion.
	DefaultLoadTimeout = 2 * time.Minute
)

// Converter turns document bytes into text and a preview.
type Converter interface {
	Convert(ctx context.Context, ext string, data []byte) (convert.Result, error)
}

// RenderCache is an optional shared cache consulted after the local one.
type RenderCache interface {
	Get(ctx context.Context, key, fingerprint string) (models.CacheEntry, bool)
	Set(ctx context.Context, entry models.CacheEntry)
}

// Config holds service settings.
type Config struct {
	Prefix      string        // only keys under this prefix are listed
	PresignTTL  time.Duration // download link lifetime
	LoadTimeout time.Duration // limit for one shared fetch and conversion
}

// Service lists, converts and caches documents.
type Service struct {
	store  storage.Backend
	conv   Converter
	cache  *cache.Cache
	shared RenderCache
	prefix string
	ttl    time.Duration
	loadTO time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a document service.
func New(store storage.Backend, conv Converter, c *cache.Cache, cfg Config) *Service {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	return &Service{
		store:  store,
		conv:   conv,
		cache:  c,
		prefix: cfg.Prefix,
		ttl:    cfg.PresignTTL,
		loadTO: cfg.LoadTimeout,
		logger: logging.Named("docs"),
	}
}

// WithSharedCache attaches a second-level render cache.
func (s *Service) WithSharedCache(rc RenderCache) *Service {
	s.shared = rc
	return s
}

// Prefix returns the listing prefix.
func (s *Service) Prefix() string { return s.prefix }

// PresignTTL returns the download link lifetime.
func (s *Service) PresignTTL() time.Duration { return s.ttl }

// ListDocuments returns the previewable objects under the prefix,
// sorted case-insensitively by key.
func (s *Service) ListDocuments(ctx context.Context) ([]models.DocumentRef, error) {
	objects, err := s.store.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]models.DocumentRef, 0, len(objects))
	for _, obj := range objects {
		ext := convert.ExtOf(obj.Key)
		docType, ok := convert.TypeForExt(ext)
		if !ok {
			continue
		}
		docs = append(docs, models.DocumentRef{
			Key:         obj.Key,
			Ext:         ext,
			Fingerprint: obj.Fingerprint,
			Type:        docType,
		})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return strings.ToLower(docs[i].Key) < strings.ToLower(docs[j].Key)
	})

	metrics.SetTreeSize(len(docs))
	return docs, nil
}

// Tree lists documents and arranges them into a directory tree.
func (s *Service) Tree(ctx context.Context) (*models.TreeNode, []models.DocumentRef, error) {
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	return tree.Build(keys, s.prefix), docs, nil
}

// Get returns the converted document for key. If knownFingerprint is
// empty the store is asked for the current one. A cached entry is
// returned only when its fingerprint equals the current fingerprint;
// otherwise the object is fetched, converted and cached again.
func (s *Service) Get(ctx context.Context, key, knownFingerprint string) (models.CacheEntry, error) {
	if key == "" {
		return models.CacheEntry{}, fmt.Errorf("%w: empty key", errs.ErrInvalidInput)
	}
	ext := convert.ExtOf(key)
	if _, ok := convert.TypeForExt(ext); !ok {
		return models.CacheEntry{}, errs.UnsupportedFormat(ext)
	}

	fingerprint := knownFingerprint
	if fingerprint == "" {
		info, err := s.store.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				s.forget(key)
			}
			return models.CacheEntry{}, err
		}
		fingerprint = info.Fingerprint
	}

	if entry, ok := s.cachedAt(key, fingerprint); ok {
		return entry, nil
	}

	// The conversion is shared by every caller waiting on this key and
	// fingerprint, so it runs detached from any one caller's cancellation.
	ch := s.group.DoChan(key+"\x00"+fingerprint, func() (interface{}, error) {
		if entry, ok := s.cache.Get(key); ok && entry.Fingerprint == fingerprint {
			return entry, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTO)
		defer cancel()
		return s.load(loadCtx, key, ext, fingerprint)
	})

	select {
	case <-ctx.Done():
		return models.CacheEntry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.CacheEntry{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("joined in-flight conversion", zap.String("key", key))
		}
		return res.Val.(models.CacheEntry), nil
	}
}

func (s *Service) cachedAt(key, fingerprint string) (models.CacheEntry, bool) {
	entry, ok := s.cache.Get(key)
	switch {
	case !ok:
		metrics.RecordCacheLookup("memory", "miss")
		return models.CacheEntry{}, false
	case entry.Fingerprint != fingerprint:
		metrics.RecordCacheLookup("memory", "stale")
		return models.CacheEntry{}, false
	default:
		metrics.RecordCacheLookup("memory", "hit")
		return entry, true
	}
}

// load runs the cold path: shared cache, then fetch and convert.
func (s *Service) load(ctx context.Context, key, ext, fingerprint string) (models.CacheEntry, error) {
	if s.shared != nil {
		if entry, ok := s.shared.Get(ctx, key, fingerprint); ok {
			s.put(entry)
			return entry, nil
		}
	}

	data, err := storage.ReadAll(ctx, s.store, key)
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("fetch %s: %w", key, err)
	}

	res, err := s.conv.Convert(ctx, ext, data)
	if err != nil {
		s.logger.Warn("conversion failed", zap.String("key", key), zap.Error(err))
		return models.CacheEntry{}, err
	}

	entry := models.CacheEntry{
		Key:         key,
		Fingerprint: fingerprint,
		Type:        res.Type,
		Text:        res.Text,
		Render:      res.Render,
	}
	s.put(entry)
	if s.shared != nil {
		s.shared.Set(ctx, entry)
	}

	s.logger.Debug("converted document",
		zap.String("key", key),
		zap.String("etag", fingerprint),
		zap.Int("text_len", len(res.Text)))
	return entry, nil
}

func (s *Service) put(entry models.CacheEntry) {
	if evictedKey, evicted := s.cache.Put(entry.Key, entry); evicted {
		metrics.RecordCacheEviction()
		s.logger.Debug("evicted cache entry", zap.String("key", evictedKey))
	}
	metrics.SetCacheEntries(s.cache.Len())
}

// forget drops the cached entry of an object that no longer exists.
func (s *Service) forget(key string) {
	s.cache.Evict(key)
	metrics.SetCacheEntries(s.cache.Len())
}

// DownloadURL returns a time-limited link to the raw object.
func (s *Service) DownloadURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", errs.ErrInvalidInput)
	}
	return s.store.PresignGet(ctx, key, s.ttl)
}

// ClearCache empties the local cache and returns the number of entries
// dropped.
func (s *Service) ClearCache() int {
	n := s.cache.Clear()
	metrics.SetCacheEntries(0)
	s.logger.Info("document cache cleared", zap.Int("entries", n))
	return n
}

// CacheStats reports local cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}
