package elastic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/search/compat"
)

// searchClient adapts the Elasticsearch client to the compat calling
// conventions. It supports plain, native-option and params searches,
// per-request option binding and raw transport requests.
type searchClient struct {
	es *elasticsearch.Client
}

var (
	_ compat.Client         = (*searchClient)(nil)
	_ compat.NativeSearcher = (*searchClient)(nil)
	_ compat.ParamsSearcher = (*searchClient)(nil)
	_ compat.OptionsBinder  = (*searchClient)(nil)
	_ compat.RawTransport   = (*searchClient)(nil)
)

func (c *searchClient) Search(ctx context.Context, index string, body []byte) ([]byte, error) {
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	return readResponse("search", res, err)
}

// SearchNative maps parameters onto the typed search options. Anything
// without a typed option is rejected.
func (c *searchClient) SearchNative(ctx context.Context, req compat.Request) ([]byte, error) {
	opts := []func(*esapi.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(req.Index),
		c.es.Search.WithBody(bytes.NewReader(req.Body)),
	}
	for k, v := range req.Params {
		opt, err := c.nativeOption(k, v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	res, err := c.es.Search(opts...)
	return readResponse("search", res, err)
}

func (c *searchClient) nativeOption(k, v string) (func(*esapi.SearchRequest), error) {
	switch k {
	case "size", "from":
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q is not an integer", errs.ErrInvalidInput, k, v)
		}
		if k == "size" {
			return c.es.Search.WithSize(n), nil
		}
		return c.es.Search.WithFrom(n), nil
	case "timeout":
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout=%q", errs.ErrInvalidInput, v)
		}
		return c.es.Search.WithTimeout(d), nil
	case "request_cache":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: request_cache=%q", errs.ErrInvalidInput, v)
		}
		return c.es.Search.WithRequestCache(b), nil
	default:
		return nil, fmt.Errorf("%w: search() got an unexpected keyword argument %q", errs.ErrUnsupportedArgument, k)
	}
}

// SearchWithParams sends the typed request with params appended to the
// query string.
func (c *searchClient) SearchWithParams(ctx context.Context, req compat.Request) ([]byte, error) {
	return c.searchWith(ctx, req.Index, req.Body, req.Params)
}

func (c *searchClient) searchWith(ctx context.Context, index string, body []byte, params map[string]string) ([]byte, error) {
	sr := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(body),
	}
	res, err := sr.Do(ctx, paramTransport{base: c.es, params: params})
	return readResponse("search", res, err)
}

// WithRequestOptions supports binding params or nothing; the client has
// no query_params convention.
func (c *searchClient) WithRequestOptions(style string, params map[string]string) (compat.Client, error) {
	switch style {
	case compat.BindParams:
		return &boundClient{parent: c, params: params}, nil
	case compat.BindDefault:
		return &boundClient{parent: c}, nil
	default:
		return nil, fmt.Errorf("%w: options() got an unexpected keyword argument %q", errs.ErrUnsupportedArgument, style)
	}
}

// PerformSearch sends a prepared request through the client transport,
// which adds the node address, credentials and compatibility headers.
func (c *searchClient) PerformSearch(ctx context.Context, req *http.Request) ([]byte, error) {
	res, err := c.es.Perform(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}
	if res.StatusCode > 299 {
		return nil, responseError("search", res.StatusCode, body)
	}
	return body, nil
}

// boundClient carries params into every search.
type boundClient struct {
	parent *searchClient
	params map[string]string
}

func (b *boundClient) Search(ctx context.Context, index string, body []byte) ([]byte, error) {
	return b.parent.searchWith(ctx, index, body, b.params)
}

// paramTransport appends params to each request's query string.
type paramTransport struct {
	base   esapi.Transport
	params map[string]string
}

func (t paramTransport) Perform(req *http.Request) (*http.Response, error) {
	if len(t.params) > 0 {
		q := req.URL.Query()
		for k, v := range t.params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return t.base.Perform(req)
}
