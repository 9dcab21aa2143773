package docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liuyunc/mkviewer/internal/convert"
	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/pkg/cache"
	"github.com/liuyunc/mkviewer/pkg/models"
)

type memObject struct {
	data []byte
	etag string
}

// memStore is an in-memory storage.Backend.
type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	stats   atomic.Int32
	gets    atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]memObject)}
}

func (m *memStore) put(key, content, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: []byte(content), etag: etag}
}

func (m *memStore) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *memStore) List(_ context.Context, prefix string) ([]models.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ObjectInfo
	for k, o := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, models.ObjectInfo{Key: k, Fingerprint: o.etag, Size: int64(len(o.data))})
		}
	}
	return out, nil
}

func (m *memStore) Stat(_ context.Context, key string) (models.ObjectInfo, error) {
	m.stats.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return models.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, errs.ErrNotFound)
	}
	return models.ObjectInfo{Key: key, Fingerprint: o.etag, Size: int64(len(o.data))}, nil
}

func (m *memStore) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(o.data)), int64(len(o.data)), nil
}

func (m *memStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("mem://%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (m *memStore) Type() string { return "mem" }

func (m *memStore) Close() error { return nil }

// countingConverter counts conversions and can slow them down.
type countingConverter struct {
	inner Converter
	delay time.Duration
	calls atomic.Int32
}

func (c *countingConverter) Convert(ctx context.Context, ext string, data []byte) (convert.Result, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.inner.Convert(ctx, ext, data)
}

func newTestService(t *testing.T, capacity int) (*Service, *memStore, *countingConverter) {
	t.Helper()
	logging.InitNop()
	store := newMemStore()
	conv := &countingConverter{inner: convert.NewDispatcher(convert.Options{ImagePublicBase: "http://img"})}
	svc := New(store, conv, cache.New(capacity), Config{Prefix: "docs/"})
	return svc, store, conv
}

func TestListDocuments_FiltersAndSorts(t *testing.T) {
	svc, store, _ := newTestService(t, 8)
	store.put("docs/b.md", "b", "e1")
	store.put("docs/A.docx", "a", "e2")
	store.put("docs/notes.txt", "n", "e3")
	store.put("docs/sub/c.DOC", "c", "e4")
	store.put("other/x.md", "x", "e5")

	docs, err := svc.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	want := []string{"docs/A.docx", "docs/b.md", "docs/sub/c.DOC"}
	if len(docs) != len(want) {
		t.Fatalf("got %+v", docs)
	}
	for i, d := range docs {
		if d.Key != want[i] {
			t.Errorf("docs[%d] = %s, want %s", i, d.Key, want[i])
		}
	}
	if docs[2].Type != models.TypeDoc || docs[2].Ext != ".doc" || docs[2].Fingerprint != "e4" {
		t.Errorf("unexpected ref: %+v", docs[2])
	}
}

func TestGet_ReusesCacheWhileFingerprintUnchanged(t *testing.T) {
	svc, store, conv := newTestService(t, 8)
	store.put("docs/a.md", "# One", "e1")
	ctx := context.Background()

	first, err := svc.Get(ctx, "docs/a.md", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := svc.Get(ctx, "docs/a.md", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.calls.Load() != 1 {
		t.Errorf("conversions = %d, want 1", conv.calls.Load())
	}
	if first.Render != second.Render || first.Fingerprint != "e1" {
		t.Errorf("cached entry differs: %+v vs %+v", first, second)
	}
	if store.stats.Load() != 0 {
		t.Errorf("known fingerprint should skip Stat, got %d calls", store.stats.Load())
	}

	store.put("docs/a.md", "# Two", "e2")
	third, err := svc.Get(ctx, "docs/a.md", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.calls.Load() != 2 {
		t.Errorf("changed fingerprint should reconvert, conversions = %d", conv.calls.Load())
	}
	if third.Fingerprint != "e2" || third.Text != "# Two" {
		t.Errorf("stale entry returned: %+v", third)
	}
}

func TestGet_ConcurrentMissesConvertOnce(t *testing.T) {
	svc, store, conv := newTestService(t, 8)
	conv.delay = 50 * time.Millisecond
	store.put("docs/a.md", "# Same", "e1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Get(context.Background(), "docs/a.md", "e1"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if conv.calls.Load() != 1 {
		t.Errorf("conversions = %d, want 1", conv.calls.Load())
	}
}

// gatedConverter blocks until released or until its context ends.
type gatedConverter struct {
	inner   Converter
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (g *gatedConverter) Convert(ctx context.Context, ext string, data []byte) (convert.Result, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return convert.Result{}, ctx.Err()
	}
	return g.inner.Convert(ctx, ext, data)
}

func TestGet_CancelledCallerDoesNotFailOthers(t *testing.T) {
	logging.InitNop()
	store := newMemStore()
	store.put("docs/a.md", "# Shared", "e1")
	conv := &gatedConverter{
		inner:   convert.NewDispatcher(convert.Options{}),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := New(store, conv, cache.New(8), Config{Prefix: "docs/"})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Get(ctxA, "docs/a.md", "e1")
		errA <- err
	}()
	<-conv.started

	type result struct {
		entry models.CacheEntry
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		entry, err := svc.Get(context.Background(), "docs/a.md", "e1")
		resB <- result{entry, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(conv.release)
	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("second caller failed: %v", r.err)
		}
		if r.entry.Fingerprint != "e1" || r.entry.Text == "" {
			t.Errorf("unexpected entry: %+v", r.entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}

	if n := conv.calls.Load(); n != 1 {
		t.Errorf("conversions = %d, want 1", n)
	}
	if _, err := svc.Get(context.Background(), "docs/a.md", "e1"); err != nil {
		t.Errorf("cached Get: %v", err)
	}
	if n := conv.calls.Load(); n != 1 {
		t.Errorf("conversions after cached Get = %d, want 1", n)
	}
}

func TestGet_Errors(t *testing.T) {
	svc, store, conv := newTestService(t, 8)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "docs/a.pdf", ""); !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if store.stats.Load() != 0 {
		t.Error("unsupported format should be rejected before touching the store")
	}
	if _, err := svc.Get(ctx, "docs/missing.md", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, "", ""); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	store.put("docs/bad.docx", "not a zip", "e1")
	if _, err := svc.Get(ctx, "docs/bad.docx", ""); !errors.Is(err, errs.ErrConversionFailed) {
		t.Errorf("expected ErrConversionFailed, got %v", err)
	}
	if _, err := svc.Get(ctx, "docs/bad.docx", ""); err == nil {
		t.Error("failed conversions must not be cached")
	}
	if conv.calls.Load() != 2 {
		t.Errorf("conversions = %d, want 2", conv.calls.Load())
	}
}

type fakeShared struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
}

func (f *fakeShared) Get(_ context.Context, key, fp string) (models.CacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key+"|"+fp]
	return e, ok
}

func (f *fakeShared) Set(_ context.Context, e models.CacheEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Key+"|"+e.Fingerprint] = e
}

func TestGet_SharedCache(t *testing.T) {
	svc, store, conv := newTestService(t, 8)
	shared := &fakeShared{entries: map[string]models.CacheEntry{}}
	svc.WithSharedCache(shared)
	store.put("docs/a.md", "# A", "e1")
	ctx := context.Background()

	if _, err := svc.Get(ctx, "docs/a.md", "e1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := shared.Get(ctx, "docs/a.md", "e1"); !ok {
		t.Fatal("conversion should populate the shared cache")
	}

	// A fresh instance with an empty local cache reads from the shared one.
	other := New(store, conv, cache.New(8), Config{Prefix: "docs/"}).WithSharedCache(shared)
	if _, err := other.Get(ctx, "docs/a.md", "e1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.calls.Load() != 1 {
		t.Errorf("conversions = %d, want 1", conv.calls.Load())
	}
	if store.gets.Load() != 1 {
		t.Errorf("object fetches = %d, want 1", store.gets.Load())
	}
}

func TestTreeAndDownload(t *testing.T) {
	svc, store, _ := newTestService(t, 8)
	store.put("docs/guide/a.md", "a", "e1")
	store.put("docs/b.docx", "b", "e2")

	root, docs, err := svc.Tree(context.Background())
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(docs) != 2 || len(root.Files) != 1 || root.Dirs["guide"] == nil {
		t.Fatalf("unexpected tree: %+v", root)
	}
	if root.Dirs["guide"].Files[0] != "docs/guide/a.md" {
		t.Errorf("files store full keys: %v", root.Dirs["guide"].Files)
	}

	url, err := svc.DownloadURL(context.Background(), "docs/b.docx")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if url != "mem://docs/b.docx?ttl=21600" {
		t.Errorf("url = %s", url)
	}
}

func TestClearCacheAndEviction(t *testing.T) {
	svc, store, conv := newTestService(t, 1)
	store.put("docs/a.md", "a", "e1")
	store.put("docs/b.md", "b", "e1")
	ctx := context.Background()

	svc.Get(ctx, "docs/a.md", "e1")
	svc.Get(ctx, "docs/b.md", "e1")
	svc.Get(ctx, "docs/a.md", "e1")
	if conv.calls.Load() != 3 {
		t.Errorf("capacity 1 should evict, conversions = %d", conv.calls.Load())
	}

	if n := svc.ClearCache(); n != 1 {
		t.Errorf("ClearCache = %d, want 1", n)
	}
	if svc.CacheStats().Entries != 0 {
		t.Error("cache should be empty")
	}
}

func TestGet_DeletedObjectDropsCacheEntry(t *testing.T) {
	svc, store, _ := newTestService(t, 8)
	store.put("docs/a.md", "a", "e1")
	ctx := context.Background()

	if _, err := svc.Get(ctx, "docs/a.md", ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if svc.CacheStats().Entries != 1 {
		t.Fatalf("entries = %d, want 1", svc.CacheStats().Entries)
	}

	store.remove("docs/a.md")
	if _, err := svc.Get(ctx, "docs/a.md", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if svc.CacheStats().Entries != 0 {
		t.Errorf("stale entry kept after delete: %d entries", svc.CacheStats().Entries)
	}
}
