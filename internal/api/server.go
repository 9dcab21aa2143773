// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/app"
	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/events"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/internal/search"
	"github.com/liuyunc/mkviewer/pkg/protocol"
	"github.com/liuyunc/mkviewer/pkg/tree"
)

// Pool gzip writers to reduce allocations on the tree endpoint.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Server is the HTTP server.
type Server struct {
	app         *app.App
	broadcaster *events.Broadcaster
}

// NewServer creates a new server.
func NewServer(a *app.App) *Server {
	return &Server{
		app:         a,
		broadcaster: a.Events.Broadcaster(),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{key...}", s.handleGetDocument)
	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/download/{key...}", s.handleDownload)

	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	mux.HandleFunc("DELETE /api/v1/cache", s.handleClearCache)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"storage": s.app.Store.Type(),
		"search":  "disabled",
		"cache":   s.app.Docs.CacheStats(),
	}
	if b := s.app.Search.Backend(); b != nil {
		status["search"] = b.Name()
	}
	s.sendJSON(w, http.StatusOK, status)
}

// ─── Documents ──────────────────────────────────────────────────────────────

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.Docs.ListDocuments(r.Context())
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DocumentListResponse{Documents: docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	entry, err := s.app.Docs.Get(r.Context(), key, r.URL.Query().Get("etag"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DocumentResponse{
		Key:         entry.Key,
		Fingerprint: entry.Fingerprint,
		Type:        entry.Type,
		Text:        entry.Text,
		HTML:        entry.Render,
	})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	root, _, err := s.app.Docs.Tree(r.Context())
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	dirs, files := tree.CountNodes(root)
	resp := protocol.TreeResponse{
		Prefix: s.app.Docs.Prefix(),
		Root:   root,
		Dirs:   dirs,
		Files:  files,
	}

	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		json.NewEncoder(gw).Encode(resp)
		gw.Close()
		gzipPool.Put(gw)
		return
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.sendError(w, r, http.StatusBadRequest, "missing document key")
		return
	}
	url, err := s.app.Docs.DownloadURL(r.Context(), key)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DownloadResponse{
		Key:       key,
		URL:       url,
		ExpiresIn: int64(s.app.Docs.PresignTTL().Seconds()),
	})
}

// ─── Sync & Search ──────────────────────────────────────────────────────────

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, r, http.StatusBadRequest, "invalid force parameter: "+v)
			return
		}
		force = b
	}

	out, err := s.app.Sync(r.Context(), force)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SyncResponse{SyncOutcome: *out, Message: out.Message()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	hits, err := s.app.Search.Search(r.Context(), q)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SearchResponse{Query: q, Hits: hits})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.app.ClearCache(r.Context())
	s.sendJSON(w, http.StatusOK, protocol.CacheClearResponse{Evicted: n})
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that saw the
	// response cannot miss an event.
	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.sendErrorDetails(w, r, code, message, "")
}

// sendErrorDetails writes an ErrorResponse tagged with the request ID
// assigned by the logging middleware.
func (s *Server) sendErrorDetails(w http.ResponseWriter, r *http.Request, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: logging.GetRequestID(r.Context()),
	})
}

// sendServiceError maps an engine error to a status and user message.
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.HTTPStatusCode(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	s.sendErrorDetails(w, r, code, userMessage(err), err.Error())
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		return "please enter a search query"
	case errors.Is(err, errs.ErrIndexNotFound):
		return "search index not built yet, run a sync first"
	case errors.Is(err, errs.ErrIndexUnavailable):
		return "search is not configured"
	case errors.Is(err, errs.ErrNotFound):
		return "document not found"
	case errors.Is(err, errs.ErrUnsupportedFormat):
		return "unsupported document format"
	case errors.Is(err, errs.ErrConversionFailed):
		return "document could not be converted"
	case errors.Is(err, errs.ErrShapeNegotiationExhausted):
		return "search backend rejected every request form"
	case errors.Is(err, errs.ErrConnectionFailure):
		return "backend service unreachable"
	case errs.IsTimeout(err):
		return "backend request timed out"
	case errors.Is(err, errs.ErrInvalidInput):
		return "invalid request"
	default:
		return "internal error"
	}
}
