// Package memory is an in-process search backend. It scores documents
// by how often the query occurs in their content and returns no
// highlight fragments, so callers fall back to snippets.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/search"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// Backend implements search.Backend in memory.
type Backend struct {
	mu      sync.RWMutex
	created bool
	docs    map[string]models.IndexRecord
	visible map[string]models.IndexRecord // state as of the last Refresh

	// FailOn, when set, is consulted before each operation; a non-nil
	// result is returned as that operation's error.
	FailOn func(op, id string) error
}

// New creates an empty backend without an index.
func New() *Backend {
	return &Backend{
		docs:    make(map[string]models.IndexRecord),
		visible: make(map[string]models.IndexRecord),
	}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) fail(op, id string) error {
	if b.FailOn == nil {
		return nil
	}
	return b.FailOn(op, id)
}

func (b *Backend) EnsureIndex(context.Context) error {
	if err := b.fail("ensure_index", ""); err != nil {
		return err
	}
	b.mu.Lock()
	b.created = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) ListIndexed(ctx context.Context) (map[string]string, error) {
	if err := b.fail("list", ""); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.docs))
	if !b.created {
		return out, nil
	}
	for id, rec := range b.docs {
		out[id] = rec.Fingerprint
	}
	return out, nil
}

func (b *Backend) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	if err := b.fail("search", ""); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.created {
		return nil, errs.ErrIndexNotFound
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var hits []search.Hit
	for id, rec := range b.visible {
		n := strings.Count(strings.ToLower(rec.Content), needle)
		if n == 0 {
			continue
		}
		hits = append(hits, search.Hit{ID: id, Score: float64(n), Content: rec.Content})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Size > 0 && len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	return hits, nil
}

// Upsert creates the index on first write, like a dynamic mapping would.
func (b *Backend) Upsert(ctx context.Context, rec models.IndexRecord) error {
	if err := b.fail("upsert", rec.ID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = true
	b.docs[rec.ID] = rec
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.fail("delete", id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, id)
	return nil
}

func (b *Backend) Refresh(ctx context.Context) error {
	if err := b.fail("refresh", ""); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visible = make(map[string]models.IndexRecord, len(b.docs))
	for id, rec := range b.docs {
		b.visible[id] = rec
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.fail("ping", "")
}

// Get returns a stored record, for tests and diagnostics.
func (b *Backend) Get(id string) (models.IndexRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.docs[id]
	return rec, ok
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}
