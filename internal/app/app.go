// Package app assembles the engine from configuration: storage, the
// converter, the fingerprint cache, search and the reconciler. The
// server and the CLI both build one App and share it across requests.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/config"
	"github.com/liuyunc/mkviewer/internal/convert"
	"github.com/liuyunc/mkviewer/internal/docs"
	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/events"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/reconcile"
	"github.com/liuyunc/mkviewer/internal/rendercache"
	"github.com/liuyunc/mkviewer/internal/search"
	"github.com/liuyunc/mkviewer/internal/search/elastic"
	"github.com/liuyunc/mkviewer/internal/search/memory"
	"github.com/liuyunc/mkviewer/internal/storage"
	"github.com/liuyunc/mkviewer/pkg/cache"
	"github.com/liuyunc/mkviewer/pkg/models"
	"github.com/liuyunc/mkviewer/pkg/protocol"
	"github.com/liuyunc/mkviewer/pkg/retry"
)

// Components are the externally connected parts of an App.
type Components struct {
	Store  storage.Backend
	Search search.Backend     // nil disables search
	Shared *rendercache.Store // optional
	Sinks  []events.Sink      // optional event sinks besides SSE
}

// App is the assembled engine.
type App struct {
	Config     *config.Config
	Store      storage.Backend
	Docs       *docs.Service
	Search     *search.Service
	Reconciler *reconcile.Reconciler
	Events     *events.Notifier

	shared *rendercache.Store
}

// New connects to every configured service and assembles the engine.
// Storage must be reachable. An unreachable search backend, Redis or
// Kafka only disables that feature.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := storage.NewBackendFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	comp := Components{Store: store}
	comp.Search = connectSearch(ctx, cfg)

	if cfg.RedisAddr != "" {
		shared, err := rendercache.Dial(ctx, rendercache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			logging.Warn("shared render cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			comp.Shared = shared
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		comp.Sinks = append(comp.Sinks, events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logging.Info("publishing sync events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	return Assemble(cfg, comp), nil
}

// Assemble wires already connected components.
func Assemble(cfg *config.Config, comp Components) *App {
	dispatcher := convert.NewDispatcher(convert.Options{
		ImagePublicBase: cfg.ImagePublicBase,
		LegacyDocTool:   cfg.LegacyDocTool,
	})
	docService := docs.New(comp.Store, dispatcher, cache.New(cfg.CacheCapacity), docs.Config{
		Prefix:     cfg.DocPrefix,
		PresignTTL: cfg.PresignTTL,
	})
	if comp.Shared != nil {
		docService.WithSharedCache(comp.Shared)
	}

	return &App{
		Config: cfg,
		Store:  comp.Store,
		Docs:   docService,
		Search: search.NewService(comp.Search, cfg.SearchMaxAnalyzedOffset, cfg.RequestTimeout),
		Reconciler: reconcile.New(comp.Search, docService, reconcile.Config{
			Concurrency: cfg.SyncConcurrency,
			Timeout:     cfg.RequestTimeout,
		}),
		Events: events.NewNotifier(events.NewBroadcaster(), comp.Sinks...),
		shared: comp.Shared,
	}
}

// connectSearch returns the configured search backend or nil.
func connectSearch(ctx context.Context, cfg *config.Config) search.Backend {
	var backend search.Backend
	switch cfg.SearchBackend {
	case "elasticsearch":
		es, err := elastic.New(ctx, elastic.Config{
			Hosts:         cfg.SearchHosts,
			Index:         cfg.SearchIndex,
			Username:      cfg.SearchUsername,
			Password:      cfg.SearchPassword,
			VerifyCerts:   cfg.SearchVerifyCerts,
			CompatVersion: cfg.SearchCompatVersion,
			Timeout:       cfg.RequestTimeout,
		})
		if err != nil {
			logging.Error("search disabled", zap.Strings("hosts", cfg.SearchHosts), zap.Error(err))
			return nil
		}
		backend = es
	case "memory":
		backend = memory.New()
	default:
		logging.Info("search disabled by configuration")
		return nil
	}

	if err := ensureIndex(ctx, backend, cfg.RequestTimeout); err != nil {
		// Upserts still create the index with a dynamic mapping.
		logging.Warn("could not ensure search index", zap.String("backend", backend.Name()), zap.Error(err))
	}
	return backend
}

// ensureIndex retries transient failures with backoff.
func ensureIndex(ctx context.Context, backend search.Backend, timeout time.Duration) error {
	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Debug("retrying ensure index", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return retry.Do(ctx, rc, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := backend.EnsureIndex(callCtx)
		if errs.IsTimeout(err) || errors.Is(err, errs.ErrConnectionFailure) {
			return retry.Retryable(err)
		}
		return err
	})
}

// Sync lists storage and reconciles the index, then notifies
// subscribers of the outcome.
func (a *App) Sync(ctx context.Context, force bool) (*models.SyncOutcome, error) {
	refs, err := a.Docs.ListDocuments(ctx)
	if err != nil {
		err = fmt.Errorf("list documents: %w", err)
		a.Events.Notify(ctx, events.SyncFailed(err))
		return nil, err
	}
	out, err := a.Reconciler.Sync(ctx, refs, force)
	if err != nil {
		a.Events.Notify(ctx, events.SyncFailed(err))
		return out, err
	}
	a.Events.Notify(ctx, events.SyncCompleted(out))
	return out, nil
}

// ClearCache empties the local cache and the shared render cache.
// It returns the number of local entries dropped.
func (a *App) ClearCache(ctx context.Context) int {
	n := a.Docs.ClearCache()
	if a.shared != nil {
		if _, err := a.shared.Invalidate(ctx); err != nil {
			logging.Warn("shared render cache invalidation failed", zap.Error(err))
		}
	}
	a.Events.Notify(ctx, protocol.SyncEvent{Type: events.EventCacheCleared})
	return n
}

// Close releases connections.
func (a *App) Close() error {
	var errList []error
	if err := a.Events.Close(); err != nil {
		errList = append(errList, err)
	}
	if a.shared != nil {
		if err := a.shared.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}
