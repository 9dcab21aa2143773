package api

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/liuyunc/mkviewer/internal/app"
	"github.com/liuyunc/mkviewer/internal/config"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/search/memory"
	"github.com/liuyunc/mkviewer/internal/storage/local"
	"github.com/liuyunc/mkviewer/pkg/protocol"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	logging.InitNop()

	root := t.TempDir()
	files := map[string]string{
		"guides/install.md": "# Install\n\n![diagram](images/flow.png)\n\nRun the installer.",
		"guides/faq.md":     "Frequently asked questions",
		"readme.md":         "Top level readme",
		"images/flow.png":   "\x89PNG",
	}
	for key, content := range files {
		path := filepath.Join(root, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	store, err := local.New(local.Config{RootPath: root})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.StorageBackend = "local"
	cfg.LocalStoragePath = root
	cfg.SearchBackend = "memory"
	cfg.ImagePublicBase = "http://minio:9000/docs"

	a := app.Assemble(cfg, app.Components{Store: store, Search: memory.New()})
	srv := httptest.NewServer(NewServer(a).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := setupServer(t)
	var body map[string]any
	getJSON(t, srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" || body["storage"] != "local" || body["search"] != "memory" {
		t.Errorf("health: %v", body)
	}
}

func TestListDocuments(t *testing.T) {
	srv := setupServer(t)
	var resp protocol.DocumentListResponse
	getJSON(t, srv.URL+"/api/v1/documents", http.StatusOK, &resp)

	var keys []string
	for _, d := range resp.Documents {
		keys = append(keys, d.Key)
	}
	if got := strings.Join(keys, ","); got != "guides/faq.md,guides/install.md,readme.md" {
		t.Errorf("documents: %s", got)
	}
}

func TestGetDocument(t *testing.T) {
	srv := setupServer(t)

	var doc protocol.DocumentResponse
	getJSON(t, srv.URL+"/api/v1/documents/guides/install.md", http.StatusOK, &doc)
	if doc.Type != "markdown" || doc.Fingerprint == "" {
		t.Errorf("document: %+v", doc)
	}
	if !strings.Contains(doc.HTML, `src="http://minio:9000/docs/images/flow.png"`) {
		t.Errorf("image link not rewritten: %s", doc.HTML)
	}

	var errResp protocol.ErrorResponse
	getJSON(t, srv.URL+"/api/v1/documents/missing.md", http.StatusNotFound, &errResp)
	if errResp.Code != http.StatusNotFound || errResp.Error != "document not found" {
		t.Errorf("error response: %+v", errResp)
	}

	getJSON(t, srv.URL+"/api/v1/documents/images/flow.png", http.StatusUnsupportedMediaType, nil)
}

func TestErrorResponseCarriesRequestID(t *testing.T) {
	srv := setupServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/documents/missing.md", nil)
	req.Header.Set(logging.RequestIDHeader, "trace-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get(logging.RequestIDHeader) != "trace-42" {
		t.Errorf("response header: %q", resp.Header.Get(logging.RequestIDHeader))
	}
	var errResp protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.RequestID != "trace-42" || errResp.Code != http.StatusNotFound {
		t.Errorf("error response: %+v", errResp)
	}
}

func TestTreeGzip(t *testing.T) {
	srv := setupServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tree", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, got %q", resp.Header.Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var tr protocol.TreeResponse
	if err := json.NewDecoder(gr).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	if tr.Files != 3 || tr.Dirs != 1 {
		t.Errorf("tree counts: dirs=%d files=%d", tr.Dirs, tr.Files)
	}
	if len(tr.Root.Dirs["guides"].Files) != 2 {
		t.Errorf("guides: %+v", tr.Root.Dirs["guides"])
	}
}

func TestSyncAndSearch(t *testing.T) {
	srv := setupServer(t)

	var errResp protocol.ErrorResponse
	getJSON(t, srv.URL+"/api/v1/search?q=installer", http.StatusServiceUnavailable, &errResp)
	if !strings.Contains(errResp.Error, "not built yet") {
		t.Errorf("unexpected message: %q", errResp.Error)
	}
	getJSON(t, srv.URL+"/api/v1/search?q=+", http.StatusBadRequest, nil)

	var sync protocol.SyncResponse
	postJSON(t, srv.URL+"/api/v1/sync", http.StatusOK, &sync)
	if sync.Updated != 3 || sync.Message != "index sync complete: updated 3, removed 0" {
		t.Errorf("sync: %+v", sync)
	}

	postJSON(t, srv.URL+"/api/v1/sync", http.StatusOK, &sync)
	if sync.Updated != 0 {
		t.Errorf("second sync should be a no-op: %+v", sync)
	}
	postJSON(t, srv.URL+"/api/v1/sync?force=true", http.StatusOK, &sync)
	if sync.Updated != 3 {
		t.Errorf("forced sync: %+v", sync)
	}
	postJSON(t, srv.URL+"/api/v1/sync?force=maybe", http.StatusBadRequest, nil)

	var res protocol.SearchResponse
	getJSON(t, srv.URL+"/api/v1/search?q=installer", http.StatusOK, &res)
	if len(res.Hits) != 1 || res.Hits[0].Key != "guides/install.md" {
		t.Fatalf("hits: %+v", res.Hits)
	}
	if !strings.Contains(res.Hits[0].Snippet, "<mark>installer</mark>") {
		t.Errorf("snippet: %q", res.Hits[0].Snippet)
	}
}

func TestDownloadAndClearCache(t *testing.T) {
	srv := setupServer(t)

	var dl protocol.DownloadResponse
	getJSON(t, srv.URL+"/api/v1/download/readme.md", http.StatusOK, &dl)
	if !strings.HasPrefix(dl.URL, "file://") || dl.ExpiresIn != 21600 {
		t.Errorf("download: %+v", dl)
	}

	getJSON(t, srv.URL+"/api/v1/documents/readme.md", http.StatusOK, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/cache", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var cleared protocol.CacheClearResponse
	if err := json.NewDecoder(resp.Body).Decode(&cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", cleared.Evicted)
	}
}

func TestEventsStream(t *testing.T) {
	srv := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	postJSON(t, srv.URL+"/api/v1/sync", http.StatusOK, nil)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			var ev protocol.SyncEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatal(err)
			}
			if eventLine != "event: sync_complete" || ev.Updated != 3 {
				t.Errorf("event %q: %+v", eventLine, ev)
			}
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
