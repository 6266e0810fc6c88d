// Package source fetches raw tile payloads from HTTP servers, local files and
// MBTiles databases, selected by URL scheme.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

var (
	// ErrNotFound reports a tile the source does not have.
	ErrNotFound = fmt.Errorf("tile not found: %w", vtile.ErrFetch)
	// ErrUnsupportedScheme reports a URL no fetcher handles.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// Fetcher returns the raw payload stored at a resolved tile URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Config configures a Mux.
type Config struct {
	HTTP   HTTPConfig
	Logger *slog.Logger
}

// Mux dispatches on the URL scheme: http and https go to an HTTP client,
// file to the local filesystem, mbtiles to a lazily opened database.
type Mux struct {
	http    *HTTP
	file    *File
	logger  *slog.Logger
	mu      sync.Mutex
	mbtiles map[string]*MBTiles
}

// NewMux creates a fetcher for every supported scheme.
func NewMux(cfg Config) *Mux {
	return &Mux{
		http:    NewHTTP(cfg.HTTP),
		file:    &File{},
		logger:  cfg.Logger,
		mbtiles: make(map[string]*MBTiles),
	}
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, rawURL)
	}

	switch strings.ToLower(scheme) {
	case "http", "https":
		return m.http.Fetch(ctx, rawURL)
	case "file":
		return m.file.Fetch(ctx, rawURL)
	case "mbtiles":
		ref, err := ParseMBTilesURL(rawURL)
		if err != nil {
			return nil, err
		}
		src, err := m.openMBTiles(ref.Path)
		if err != nil {
			return nil, err
		}
		return src.Read(ctx, ref.Coords)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func (m *Mux) openMBTiles(path string) (*MBTiles, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if src, ok := m.mbtiles[path]; ok {
		return src, nil
	}
	src, err := OpenMBTiles(path, m.log())
	if err != nil {
		return nil, err
	}
	m.mbtiles[path] = src
	return src, nil
}

// Close releases every opened MBTiles database.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for path, src := range m.mbtiles {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.mbtiles, path)
	}
	return errors.Join(errs...)
}

func (m *Mux) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// ValidateTemplate checks that a URL template names a supported scheme and
// carries the {z}, {x} and {y} placeholders.
func ValidateTemplate(template string) error {
	scheme, rest, ok := strings.Cut(template, "://")
	if !ok || rest == "" {
		return fmt.Errorf("template %q: missing scheme", template)
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		if _, err := url.Parse(strings.NewReplacer("{z}", "0", "{x}", "0", "{y}", "0").Replace(template)); err != nil {
			return fmt.Errorf("template %q: %w", template, err)
		}
	case "file", "mbtiles":
	default:
		return fmt.Errorf("template %q: %w: %s", template, ErrUnsupportedScheme, scheme)
	}
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, p) {
			return fmt.Errorf("template %q: missing %s placeholder", template, p)
		}
	}
	return nil
}
