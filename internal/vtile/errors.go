package vtile

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNoData      = errors.New("no tile data")
	ErrUnsupported = errors.New("unsupported")
)

// Specific errors.
var (
	ErrFetch               = fmt.Errorf("fetch: %w", ErrNoData)
	ErrDecode              = fmt.Errorf("decode: %w", ErrNoData)
	ErrEmptyPayload        = fmt.Errorf("empty payload: %w", ErrDecode)
	ErrUnsupportedGeometry = fmt.Errorf("geometry: %w", ErrUnsupported)
)

// StatusError reports a non-success response from a tile source.
type StatusError struct {
	URL    string
	Status int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("tile source %s returned status %d", e.URL, e.Status)
}

// Unwrap returns the underlying error type.
func (e *StatusError) Unwrap() error {
	return ErrFetch
}
