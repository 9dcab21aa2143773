// Package reconcile brings the search index in line with the storage
// listing: stale documents are deleted, new and changed ones upserted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/internal/search"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// TextSource yields converted documents. docs.Service satisfies it.
type TextSource interface {
	Get(ctx context.Context, key, knownFingerprint string) (models.CacheEntry, error)
}

// Config tunes a Reconciler.
type Config struct {
	Concurrency int           // parallel deletes and upserts
	Timeout     time.Duration // per backend call, 0 for none
}

// Reconciler runs index syncs. Runs are serialized.
type Reconciler struct {
	backend     search.Backend
	source      TextSource
	concurrency int
	timeout     time.Duration

	mu     sync.Mutex
	logger *zap.Logger
}

// New creates a Reconciler. A nil backend means search is disabled and
// every Sync fails with errs.ErrIndexUnavailable.
func New(backend search.Backend, source TextSource, cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		backend:     backend,
		source:      source,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		logger:      logging.Named("reconcile"),
	}
}

type itemState int

const (
	stateUnchanged itemState = iota
	stateUpdated
	stateSkipped
	stateFailed
)

type itemResult struct {
	state itemState
	err   error
}

// Sync reconciles the index with docs. Failing to list the index aborts
// the run; every other failure is recorded per document and the run
// continues. When force is false, documents whose indexed fingerprint
// matches are left alone.
func (r *Reconciler) Sync(ctx context.Context, docs []models.DocumentRef, force bool) (*models.SyncOutcome, error) {
	if r.backend == nil {
		return nil, errs.ErrIndexUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	indexed, err := r.listIndexed(ctx)
	if err != nil {
		metrics.RecordSync(time.Since(start), 0, 0, 0, false)
		r.logger.Error("index listing failed", zap.Error(err))
		return nil, fmt.Errorf("list indexed documents: %w", err)
	}

	current := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		current[d.Key] = struct{}{}
	}
	var stale []string
	for id := range indexed {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)

	out := &models.SyncOutcome{}
	removed := r.removeStale(ctx, stale)
	for i, err := range removed {
		if err != nil {
			out.Errors = append(out.Errors, models.ItemError{Key: stale[i], Message: "delete: " + err.Error()})
			continue
		}
		out.Removed++
	}

	results := r.upsertAll(ctx, docs, indexed, force)
	for i, res := range results {
		switch res.state {
		case stateUpdated:
			out.Updated++
		case stateSkipped:
			out.Skipped++
		case stateFailed:
			out.Errors = append(out.Errors, models.ItemError{Key: docs[i].Key, Message: res.err.Error()})
		}
	}

	if out.Updated+out.Removed > 0 {
		if err := r.call(ctx, r.backend.Refresh); err != nil {
			r.logger.Warn("index refresh failed", zap.Error(err))
		}
	}

	metrics.RecordSync(time.Since(start), out.Updated, out.Removed, len(out.Errors), ctx.Err() == nil)
	r.logger.Info("index sync complete",
		zap.Int("documents", len(docs)),
		zap.Int("updated", out.Updated),
		zap.Int("removed", out.Removed),
		zap.Int("skipped", out.Skipped),
		zap.Int("errors", len(out.Errors)),
		zap.Bool("force", force),
		zap.Duration("duration", time.Since(start)))

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("sync interrupted: %w", err)
	}
	return out, nil
}

func (r *Reconciler) listIndexed(ctx context.Context) (map[string]string, error) {
	var indexed map[string]string
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		indexed, err = r.backend.ListIndexed(ctx)
		return err
	})
	return indexed, err
}

// removeStale deletes ids concurrently and returns one error slot per id.
// A document that is already gone counts as removed.
func (r *Reconciler) removeStale(ctx context.Context, ids []string) []error {
	results := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			results[i] = ctx.Err()
			continue
		}
		g.Go(func() error {
			err := r.call(ctx, func(ctx context.Context) error {
				return r.backend.Delete(ctx, id)
			})
			if errors.Is(err, errs.ErrNotFound) {
				err = nil
			}
			results[i] = err
			return nil
		})
	}
	g.Wait()
	return results
}

// upsertAll indexes new and changed documents concurrently. Results are
// positional so errors keep the input order.
func (r *Reconciler) upsertAll(ctx context.Context, docs []models.DocumentRef, indexed map[string]string, force bool) []itemResult {
	results := make([]itemResult, len(docs))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, ref := range docs {
		if !force {
			if fp, ok := indexed[ref.Key]; ok && fp == ref.Fingerprint {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			results[i] = itemResult{state: stateFailed, err: err}
			continue
		}
		g.Go(func() error {
			results[i] = r.upsert(ctx, ref)
			return nil
		})
	}
	g.Wait()
	return results
}

func (r *Reconciler) upsert(ctx context.Context, ref models.DocumentRef) itemResult {
	var entry models.CacheEntry
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		entry, err = r.source.Get(ctx, ref.Key, ref.Fingerprint)
		return err
	})
	if err != nil {
		r.logger.Debug("document not indexed", zap.String("key", ref.Key), zap.Error(err))
		return itemResult{state: stateFailed, err: err}
	}
	if strings.TrimSpace(entry.Text) == "" {
		return itemResult{state: stateSkipped}
	}

	fingerprint := ref.Fingerprint
	if fingerprint == "" {
		fingerprint = entry.Fingerprint
	}
	rec := models.IndexRecord{
		ID:          ref.Key,
		Path:        ref.Key,
		Title:       models.TitleOf(ref.Key),
		Content:     entry.Text,
		Fingerprint: fingerprint,
		Ext:         string(ref.Type),
	}
	if err := r.call(ctx, func(ctx context.Context) error {
		return r.backend.Upsert(ctx, rec)
	}); err != nil {
		return itemResult{state: stateFailed, err: fmt.Errorf("upsert: %w", err)}
	}
	return itemResult{state: stateUpdated}
}

// call runs fn under the per-call timeout.
func (r *Reconciler) call(ctx context.Context, fn func(context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return fn(ctx)
}
