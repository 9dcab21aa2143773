package compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
)

// Request is one logical search. Params are extra query-string
// arguments that not every client version can express.
type Request struct {
	Index  string
	Body   []byte
	Params map[string]string
}

// Client is the minimum a search client supports: a search without
// extra parameters. The remaining capabilities are optional and are
// detected with type assertions.
type Client interface {
	Search(ctx context.Context, index string, body []byte) ([]byte, error)
}

// NativeSearcher maps parameters onto the client's own typed options.
// Parameters it has no option for are rejected with
// errs.ErrUnsupportedArgument.
type NativeSearcher interface {
	SearchNative(ctx context.Context, req Request) ([]byte, error)
}

// ParamsSearcher accepts parameters as a generic "params" mapping.
type ParamsSearcher interface {
	SearchWithParams(ctx context.Context, req Request) ([]byte, error)
}

// QueryParamsSearcher accepts parameters as a "query_params" mapping.
type QueryParamsSearcher interface {
	SearchWithQueryParams(ctx context.Context, req Request) ([]byte, error)
}

// Binding styles accepted by OptionsBinder.
const (
	BindParams      = "params"
	BindQueryParams = "query_params"
	BindDefault     = "default"
)

// OptionsBinder returns a client with per-request options bound in.
// BindDefault binds nothing.
type OptionsBinder interface {
	WithRequestOptions(style string, params map[string]string) (Client, error)
}

// RawTransport sends a prepared HTTP request. Non-2xx responses must be
// returned as errors by the implementation.
type RawTransport interface {
	PerformSearch(ctx context.Context, req *http.Request) ([]byte, error)
}

// Strategy is one calling convention for a search.
type Strategy struct {
	Name string
	Call func(ctx context.Context) ([]byte, error)
}

// Attempt records a rejected strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// ShapeNegotiationExhaustedError is returned when every strategy
// rejected the call shape.
type ShapeNegotiationExhaustedError struct {
	Attempts []Attempt
}

func (e *ShapeNegotiationExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Strategy + ": " + a.Err.Error()
	}
	return "no search call shape accepted (search attempts: " + strings.Join(parts, "; ") + ")"
}

func (e *ShapeNegotiationExhaustedError) Unwrap() error {
	return errs.ErrShapeNegotiationExhausted
}

// IsShapeError reports whether err means "this calling convention is
// not accepted" as opposed to a real failure of the call.
func IsShapeError(err error) bool {
	return errors.Is(err, errs.ErrUnsupportedArgument)
}

func unsupported(capability string) error {
	return fmt.Errorf("%w: client does not support %s", errs.ErrUnsupportedArgument, capability)
}

// Negotiator runs strategies in order.
type Negotiator struct {
	logger *zap.Logger
}

// NewNegotiator creates a Negotiator.
func NewNegotiator() *Negotiator {
	return &Negotiator{logger: logging.Named("search-compat")}
}

// Search performs req on client. Without params it is a single plain
// call. Otherwise the conventions from Strategies are tried in order.
func (n *Negotiator) Search(ctx context.Context, client Client, req Request) ([]byte, error) {
	if len(req.Params) == 0 {
		return client.Search(ctx, req.Index, req.Body)
	}
	return n.Run(ctx, Strategies(client, req))
}

// Run tries each strategy until one succeeds. A shape rejection moves on
// to the next strategy; any other error is returned as is. If all
// strategies are rejected the result is a *ShapeNegotiationExhaustedError.
func (n *Negotiator) Run(ctx context.Context, strategies []Strategy) ([]byte, error) {
	var attempts []Attempt
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.Call(ctx)
		switch {
		case err == nil:
			metrics.RecordShapeAttempt(s.Name, "accepted")
			if len(attempts) > 0 {
				n.logger.Debug("search call shape accepted",
					zap.String("strategy", s.Name), zap.Int("rejected", len(attempts)))
			}
			return out, nil
		case IsShapeError(err):
			metrics.RecordShapeAttempt(s.Name, "rejected")
			attempts = append(attempts, Attempt{Strategy: s.Name, Err: err})
		default:
			metrics.RecordShapeAttempt(s.Name, "failed")
			return nil, err
		}
	}
	n.logger.Warn("all search call shapes rejected", zap.Int("attempts", len(attempts)))
	return nil, &ShapeNegotiationExhaustedError{Attempts: attempts}
}

// Strategies lists the calling conventions for req, most specific first:
// native options, params mapping, query_params mapping, option-bound
// clients (params, query_params, default), and finally a raw transport
// request. Conventions the client lacks are kept and fail as shape
// rejections so they show up in the exhausted error.
func Strategies(client Client, req Request) []Strategy {
	strategies := perClient("search", client, req)

	for _, style := range []string{BindParams, BindQueryParams, BindDefault} {
		style := style
		label := "options(" + style + ")"
		binder, ok := client.(OptionsBinder)
		if !ok {
			strategies = append(strategies, Strategy{Name: label, Call: func(context.Context) ([]byte, error) {
				return nil, unsupported("per-request options")
			}})
			continue
		}
		bound, err := binder.WithRequestOptions(style, req.Params)
		if err != nil {
			strategies = append(strategies, Strategy{Name: label, Call: func(context.Context) ([]byte, error) {
				return nil, err
			}})
			continue
		}
		strategies = append(strategies, Strategy{Name: label + ".search", Call: func(ctx context.Context) ([]byte, error) {
			return bound.Search(ctx, req.Index, req.Body)
		}})
		strategies = append(strategies, perClient(label+".search", bound, req)...)
	}

	strategies = append(strategies, Strategy{Name: "transport", Call: func(ctx context.Context) ([]byte, error) {
		rt, ok := client.(RawTransport)
		if !ok {
			return nil, unsupported("raw transport")
		}
		httpReq, err := NewSearchRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return rt.PerformSearch(ctx, httpReq)
	}})
	return strategies
}

// perClient returns the three argument conventions for one client.
func perClient(prefix string, client Client, req Request) []Strategy {
	return []Strategy{
		{Name: prefix + "(native)", Call: func(ctx context.Context) ([]byte, error) {
			c, ok := client.(NativeSearcher)
			if !ok {
				return nil, unsupported("native options")
			}
			return c.SearchNative(ctx, req)
		}},
		{Name: prefix + "(params)", Call: func(ctx context.Context) ([]byte, error) {
			c, ok := client.(ParamsSearcher)
			if !ok {
				return nil, unsupported("params")
			}
			return c.SearchWithParams(ctx, req)
		}},
		{Name: prefix + "(query_params)", Call: func(ctx context.Context) ([]byte, error) {
			c, ok := client.(QueryParamsSearcher)
			if !ok {
				return nil, unsupported("query_params")
			}
			return c.SearchWithQueryParams(ctx, req)
		}},
	}
}

// NewSearchRequest builds POST /<index>/_search?<params> with a JSON body.
// The URL is relative; the transport supplies scheme and host.
func NewSearchRequest(ctx context.Context, req Request) (*http.Request, error) {
	path := "/_search"
	if req.Index != "" {
		path = "/" + url.PathEscape(req.Index) + "/_search"
	}
	u := &url.URL{Path: path, RawQuery: EncodeParams(req.Params)}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(string(req.Body)))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// EncodeParams renders params as a query string with sorted keys.
func EncodeParams(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}
