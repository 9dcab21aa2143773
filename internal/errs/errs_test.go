package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestConnectionFailureError(t *testing.T) {
	last := errors.New("dial tcp: refused")
	err := error(&ConnectionFailureError{Service: "object store", Endpoints: []string{"a:9000", "b:9000"}, Last: last})

	if !errors.Is(err, ErrConnectionFailure) {
		t.Error("should match ErrConnectionFailure")
	}
	if !errors.Is(err, last) {
		t.Error("should match the last endpoint error")
	}
	if !strings.Contains(err.Error(), "a:9000, b:9000") {
		t.Errorf("message should list endpoints: %s", err)
	}
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("stat: %w", ErrNotFound), http.StatusNotFound},
		{UnsupportedFormat(".pdf"), http.StatusUnsupportedMediaType},
		{&ConversionError{Type: "docx", Err: errors.New("bad zip")}, http.StatusUnprocessableEntity},
		{ErrIndexUnavailable, http.StatusServiceUnavailable},
		{&ConnectionFailureError{Service: "s3", Last: errors.New("x")}, http.StatusServiceUnavailable},
		{fmt.Errorf("search: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{ErrShapeNegotiationExhausted, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatusCode(tt.err); got != tt.want {
			t.Errorf("HTTPStatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
