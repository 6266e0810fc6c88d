package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// DefaultMaxBytes caps a single tile download.
const DefaultMaxBytes = 16 << 20

// HTTPConfig configures the HTTP fetcher.
type HTTPConfig struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	Headers   map[string]string
}

// HTTP fetches tiles over HTTP(S).
type HTTP struct {
	cfg HTTPConfig
}

// NewHTTP creates an HTTP fetcher.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mvtimagery/1.0"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &HTTP{cfg: cfg}
}

// Fetch implements Fetcher. 404 and 204 map to ErrNotFound, any other
// non-2xx status to a *vtile.StatusError.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "application/vnd.mapbox-vector-tile, application/x-protobuf, */*")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &vtile.StatusError{URL: rawURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", vtile.ErrFetch, err)
	}
	if int64(len(data)) > h.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", vtile.ErrFetch, rawURL, h.cfg.MaxBytes)
	}
	return data, nil
}
