package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// File reads tiles from file:// URLs.
type File struct{}

// Fetch implements Fetcher.
func (File) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := FilePath(rawURL)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	return data, nil
}

// FilePath extracts the local path from a file:// URL. Both file:///abs and
// file://rel forms are accepted.
func FilePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path, nil
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: empty file path", vtile.ErrFetch)
	}
	return u.Path, nil
}
