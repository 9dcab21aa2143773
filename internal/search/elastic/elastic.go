// Package elastic implements search.Backend on Elasticsearch, pinning the
// compatibility media type and negotiating the search call shape.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/internal/search"
	"github.com/liuyunc/mkviewer/internal/search/compat"
	"github.com/liuyunc/mkviewer/pkg/models"
)

const listPageSize = 1000

// Config holds Elasticsearch connection settings.
type Config struct {
	Hosts         []string
	Index         string
	Username      string
	Password      string
	VerifyCerts   bool
	CompatVersion string
	Timeout       time.Duration // connectivity probe timeout

	// Transport overrides the base HTTP transport. Used by tests.
	Transport http.RoundTripper
}

// Backend is an Elasticsearch document index.
type Backend struct {
	es         *elasticsearch.Client
	client     *searchClient
	negotiator *compat.Negotiator
	index      string
	mediaType  string
	logger     *zap.Logger
}

var _ search.Backend = (*Backend)(nil)

// New creates the client and pings the cluster. An unreachable cluster
// yields an *errs.ConnectionFailureError.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("%w: no search hosts configured", errs.ErrInvalidInput)
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("%w: search index name is empty", errs.ErrInvalidInput)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	base := cfg.Transport
	if base == nil && !cfg.VerifyCerts {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		base = t
	}
	transport := compat.NewHeaderTransport(base, cfg.CompatVersion)

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Hosts,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create search client: %w", err)
	}

	b := &Backend{
		es:         es,
		client:     &searchClient{es: es},
		negotiator: compat.NewNegotiator(),
		index:      cfg.Index,
		mediaType:  transport.MediaType(),
		logger:     logging.Named("elasticsearch"),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		return nil, &errs.ConnectionFailureError{
			Service:   "search backend",
			Endpoints: cfg.Hosts,
			Last:      err,
		}
	}

	b.logger.Info("connected to search backend",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("index", cfg.Index),
		zap.String("media_type", b.mediaType))
	return b, nil
}

// Name returns "elasticsearch".
func (b *Backend) Name() string { return "elasticsearch" }

// Index returns the index name.
func (b *Backend) Index() string { return b.index }

// Ping checks the cluster answers.
func (b *Backend) Ping(ctx context.Context) error {
	start := time.Now()
	res, err := b.es.Info(b.es.Info.WithContext(ctx))
	_, err = readResponse("ping", res, err)
	metrics.RecordSearchOperation("ping", time.Since(start), err == nil)
	return err
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"path":    map[string]any{"type": "keyword"},
			"title":   map[string]any{"type": "keyword"},
			"content": map[string]any{"type": "text"},
			"etag":    map[string]any{"type": "keyword"},
			"ext":     map[string]any{"type": "keyword"},
		},
	},
}

// EnsureIndex creates the index if it does not exist.
func (b *Backend) EnsureIndex(ctx context.Context) error {
	start := time.Now()
	err := b.ensureIndex(ctx)
	metrics.RecordSearchOperation("ensure_index", time.Since(start), err == nil)
	return err
}

func (b *Backend) ensureIndex(ctx context.Context) error {
	res, err := b.es.Indices.Exists([]string{b.index}, b.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index exists: %w", err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("index exists: unexpected status %d", res.StatusCode)
	}

	body, err := json.Marshal(indexMapping)
	if err != nil {
		return err
	}
	res, err = b.es.Indices.Create(b.index,
		b.es.Indices.Create.WithContext(ctx),
		b.es.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	_, err = readResponse("create index", res, err)
	var re *ResponseError
	if errors.As(err, &re) && re.Type == "resource_already_exists_exception" {
		return nil
	}
	if err != nil {
		return err
	}
	b.logger.Info("created search index", zap.String("index", b.index))
	return nil
}

type listResponse struct {
	Hits struct {
		Hits []struct {
			ID     string            `json:"_id"`
			Source map[string]any    `json:"_source"`
			Sort   []json.RawMessage `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// ListIndexed pages through the index sorted by path and returns
// id -> etag.
func (b *Backend) ListIndexed(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	out, err := b.listIndexed(ctx)
	metrics.RecordSearchOperation("list", time.Since(start), err == nil)
	return out, err
}

func (b *Backend) listIndexed(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	var after []json.RawMessage
	for {
		query := map[string]any{
			"size":    listPageSize,
			"_source": []string{"etag"},
			"query":   map[string]any{"match_all": map[string]any{}},
			"sort":    []any{map[string]any{"path": "asc"}},
		}
		if after != nil {
			query["search_after"] = after
		}
		body, err := json.Marshal(query)
		if err != nil {
			return nil, err
		}

		raw, err := b.client.Search(ctx, b.index, body)
		if errors.Is(err, errs.ErrIndexNotFound) {
			return map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list indexed documents: %w", err)
		}

		var page listResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode list response: %w", err)
		}
		hits := page.Hits.Hits
		for _, h := range hits {
			etag, _ := h.Source["etag"].(string)
			out[h.ID] = etag
		}
		if len(hits) < listPageSize || len(hits[len(hits)-1].Sort) == 0 {
			return out, nil
		}
		after = hits[len(hits)-1].Sort
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				Content string `json:"content"`
			} `json:"_source"`
			Highlight struct {
				Content []string `json:"content"`
			} `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a match query on content with highlighting. The analyzed
// offset is sent both in the highlight body and as a request parameter;
// the parameter goes through call-shape negotiation.
func (b *Backend) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	if q.Size <= 0 {
		q.Size = search.DefaultResultSize
	}
	if q.MaxAnalyzedOffset <= 0 {
		q.MaxAnalyzedOffset = search.DefaultMaxAnalyzedOffset
	}
	body, err := json.Marshal(map[string]any{
		"size": q.Size,
		"query": map[string]any{
			"match": map[string]any{"content": map[string]any{"query": q.Text}},
		},
		"highlight": map[string]any{
			"pre_tags":  []string{"<mark>"},
			"post_tags": []string{"</mark>"},
			"fields": map[string]any{
				"content": map[string]any{
					"fragment_size":       search.FragmentSize,
					"number_of_fragments": search.FragmentCount,
				},
			},
			"max_analyzed_offset": q.MaxAnalyzedOffset,
		},
	})
	if err != nil {
		return nil, err
	}

	raw, err := b.negotiator.Search(ctx, b.client, compat.Request{
		Index:  b.index,
		Body:   body,
		Params: map[string]string{"max_analyzed_offset": strconv.Itoa(q.MaxAnalyzedOffset)},
	})
	if err != nil {
		return nil, err
	}

	var res searchResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]search.Hit, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		hits = append(hits, search.Hit{
			ID:        h.ID,
			Score:     h.Score,
			Fragments: h.Highlight.Content,
			Content:   h.Source.Content,
		})
	}
	return hits, nil
}

// Upsert indexes rec under rec.ID. Document ids are storage keys that
// contain "/", so writes go through the bulk API with the id in the body.
func (b *Backend) Upsert(ctx context.Context, rec models.IndexRecord) error {
	start := time.Now()
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = b.bulk(ctx, "index", rec.ID, doc)
	metrics.RecordSearchOperation("upsert", time.Since(start), err == nil)
	return err
}

// Delete removes id. A missing document is not an error.
func (b *Backend) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := b.bulk(ctx, "delete", id, nil)
	metrics.RecordSearchOperation("delete", time.Since(start), err == nil)
	return err
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Result string `json:"result"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (b *Backend) bulk(ctx context.Context, action, id string, doc []byte) error {
	meta, err := json.Marshal(map[string]any{action: map[string]string{"_id": id}})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(meta)
	buf.WriteByte('\n')
	if doc != nil {
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	res, err := b.es.Bulk(&buf,
		b.es.Bulk.WithContext(ctx),
		b.es.Bulk.WithIndex(b.index),
	)
	raw, err := readResponse(action+" "+id, res, err)
	if err != nil {
		return err
	}

	var br bulkResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	for _, item := range br.Items {
		r, ok := item[action]
		if !ok {
			continue
		}
		if action == "delete" && r.Status == http.StatusNotFound {
			return nil
		}
		if r.Error != nil {
			return &ResponseError{Op: action + " " + id, Status: r.Status, Type: r.Error.Type, Reason: r.Error.Reason}
		}
		if r.Status > 299 {
			return &ResponseError{Op: action + " " + id, Status: r.Status, Reason: r.Result}
		}
	}
	return nil
}

// Refresh makes recent writes searchable.
func (b *Backend) Refresh(ctx context.Context) error {
	start := time.Now()
	res, err := b.es.Indices.Refresh(
		b.es.Indices.Refresh.WithContext(ctx),
		b.es.Indices.Refresh.WithIndex(b.index),
	)
	_, err = readResponse("refresh", res, err)
	metrics.RecordSearchOperation("refresh", time.Since(start), err == nil)
	return err
}

// ResponseError is a non-2xx answer from the cluster.
type ResponseError struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Op, e.Status)
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// readResponse drains res and converts error statuses.
func readResponse(op string, res *esapi.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if res.IsError() {
		return nil, responseError(op, res.StatusCode, body)
	}
	return body, nil
}

// responseError classifies an error body. A missing index maps to
// errs.ErrIndexNotFound and a rejected query parameter maps to
// errs.ErrUnsupportedArgument so call-shape negotiation can move on.
func responseError(op string, status int, body []byte) error {
	var eb struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &eb)
	typ, reason := eb.Error.Type, eb.Error.Reason

	switch {
	case status == http.StatusNotFound && typ == "index_not_found_exception":
		return fmt.Errorf("%s: %w: %s", op, errs.ErrIndexNotFound, reason)
	case status == http.StatusBadRequest && strings.Contains(reason, "unrecognized parameter"):
		return fmt.Errorf("%s: %w: %s", op, errs.ErrUnsupportedArgument, reason)
	default:
		if reason == "" && typ == "" {
			reason = strings.TrimSpace(string(body))
		}
		return &ResponseError{Op: op, Status: status, Type: typ, Reason: reason}
	}
}
