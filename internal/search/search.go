// Package search defines the full-text search backend and the query
// service built on it.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// Search request shape.
const (
	DefaultResultSize        = 200
	DefaultMaxAnalyzedOffset = 999999
	FragmentSize             = 120
	FragmentCount            = 3
	SnippetWidth             = 60
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = fmt.Errorf("%w: empty query", errs.ErrInvalidInput)

// Query is a full-text query against document content.
type Query struct {
	Text              string
	Size              int
	MaxAnalyzedOffset int
}

// Hit is one raw backend match.
type Hit struct {
	ID        string
	Score     float64
	Fragments []string // highlighted content fragments, may be empty
	Content   string   // stored content, used when there are no fragments
}

// Backend is a document index.
type Backend interface {
	// EnsureIndex creates the index with its mapping if it is missing.
	EnsureIndex(ctx context.Context) error

	// ListIndexed returns id -> fingerprint for every indexed document.
	// A missing index yields an empty map.
	ListIndexed(ctx context.Context) (map[string]string, error)

	// Search runs a query. A missing index yields errs.ErrIndexNotFound.
	Search(ctx context.Context, q Query) ([]Hit, error)

	// Upsert writes a document under rec.ID.
	Upsert(ctx context.Context, rec models.IndexRecord) error

	// Delete removes a document. Deleting a missing document succeeds.
	Delete(ctx context.Context, id string) error

	// Refresh makes recent writes visible to searches.
	Refresh(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Name identifies the backend in logs.
	Name() string
}

// Service answers user queries. A nil backend means search is disabled.
type Service struct {
	backend   Backend
	maxOffset int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewService creates a query service.
func NewService(backend Backend, maxAnalyzedOffset int, timeout time.Duration) *Service {
	if maxAnalyzedOffset <= 0 {
		maxAnalyzedOffset = DefaultMaxAnalyzedOffset
	}
	return &Service{
		backend:   backend,
		maxOffset: maxAnalyzedOffset,
		timeout:   timeout,
		logger:    logging.Named("search"),
	}
}

// Enabled reports whether a backend is configured.
func (s *Service) Enabled() bool { return s.backend != nil }

// Backend returns the configured backend, or nil.
func (s *Service) Backend() Backend { return s.backend }

// Search runs query and renders hits. Hits without highlight fragments
// get a snippet cut from the stored content.
func (s *Service) Search(ctx context.Context, query string) ([]models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if s.backend == nil {
		return nil, errs.ErrIndexUnavailable
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	hits, err := s.backend.Search(ctx, Query{
		Text:              query,
		Size:              DefaultResultSize,
		MaxAnalyzedOffset: s.maxOffset,
	})
	metrics.RecordSearchOperation("query", time.Since(start), err == nil || errors.Is(err, errs.ErrIndexNotFound))
	if err != nil {
		if !errors.Is(err, errs.ErrIndexNotFound) {
			s.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		}
		return nil, err
	}

	out := make([]models.SearchHit, 0, len(hits))
	for _, h := range hits {
		hit := models.SearchHit{
			Key:       h.ID,
			Title:     models.TitleOf(h.ID),
			Score:     h.Score,
			Fragments: h.Fragments,
		}
		if hit.Title == "" {
			hit.Title = "unknown file"
		}
		if len(h.Fragments) == 0 {
			hit.Snippet = MakeSnippet(h.Content, query, SnippetWidth)
		}
		out = append(out, hit)
	}
	return out, nil
}

var snippetEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// MakeSnippet cuts up to width characters either side of the first
// case-insensitive match of q and wraps matches in <mark>. Without a
// match the first 2*width characters are returned. The result is
// HTML-escaped; ellipses mark truncation.
func MakeSnippet(text, q string, width int) string {
	runes := []rune(text)
	pos := -1
	if q != "" {
		pos = indexFold(runes, []rune(q))
	}
	if pos < 0 {
		n := 2 * width
		if len(runes) <= n {
			return snippetEscaper.Replace(text)
		}
		return snippetEscaper.Replace(string(runes[:n]) + "…")
	}

	qLen := utf8.RuneCountInString(q)
	a := pos - width
	if a < 0 {
		a = 0
	}
	b := pos + qLen + width
	if b > len(runes) {
		b = len(runes)
	}

	snippet := snippetEscaper.Replace(string(runes[a:b]))
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(snippetEscaper.Replace(q)))
	snippet = re.ReplaceAllStringFunc(snippet, func(m string) string {
		return "<mark>" + m + "</mark>"
	})

	var sb strings.Builder
	if a > 0 {
		sb.WriteString("…")
	}
	sb.WriteString(snippet)
	if b < len(runes) {
		sb.WriteString("…")
	}
	return sb.String()
}

// indexFold finds needle in haystack ignoring case, in runes.
func indexFold(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if strings.EqualFold(string(haystack[i:i+len(needle)]), string(needle)) {
			return i
		}
	}
	return -1
}
