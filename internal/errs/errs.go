// Package errs defines the error kinds shared by the viewer engine.
// Callers branch on kind with errors.Is / errors.As.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConnectionFailure         = errors.New("connection failure")
	ErrUnsupportedFormat         = errors.New("unsupported format")
	ErrConversionFailed          = errors.New("conversion failed")
	ErrIndexUnavailable          = errors.New("search index unavailable")
	ErrIndexNotFound             = errors.New("search index not found")
	ErrShapeNegotiationExhausted = errors.New("call shape negotiation exhausted")
	ErrUnsupportedArgument       = errors.New("unsupported argument")
	ErrNotFound                  = errors.New("not found")
	ErrInvalidInput              = errors.New("invalid input")
)

// ConnectionFailureError reports that no endpoint in a failover list was
// reachable.
type ConnectionFailureError struct {
	Service   string
	Endpoints []string
	Last      error
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("cannot connect to %s (tried %s): %v",
		e.Service, strings.Join(e.Endpoints, ", "), e.Last)
}

func (e *ConnectionFailureError) Unwrap() []error {
	return []error{ErrConnectionFailure, e.Last}
}

// ConversionError wraps a format handler failure.
type ConversionError struct {
	Type string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s conversion failed: %v", e.Type, e.Err)
}

func (e *ConversionError) Unwrap() []error {
	return []error{ErrConversionFailed, e.Err}
}

// UnsupportedFormat returns an error for an unrecognized extension.
func UnsupportedFormat(ext string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// HTTPStatusCode maps an error kind to an HTTP status.
func HTTPStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrConversionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrIndexUnavailable), errors.Is(err, ErrIndexNotFound),
		errors.Is(err, ErrConnectionFailure):
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrShapeNegotiationExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
