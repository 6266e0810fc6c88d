package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/mvtimagery/internal/mbtiles"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// MBTilesRef is a parsed mbtiles:// URL.
type MBTilesRef struct {
	Path   string
	Coords tile.Coords
}

// ParseMBTilesURL parses mbtiles://<path>/<z>/<x>/<y>[.ext]. The path is
// everything before the last three segments, so mbtiles:///data/osm.mbtiles/3/4/5
// names /data/osm.mbtiles.
func ParseMBTilesURL(rawURL string) (MBTilesRef, error) {
	rest, ok := strings.CutPrefix(rawURL, "mbtiles://")
	if !ok {
		return MBTilesRef{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, rawURL)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 4 {
		return MBTilesRef{}, fmt.Errorf("%w: mbtiles url %q needs <path>/<z>/<x>/<y>", vtile.ErrFetch, rawURL)
	}
	n := len(parts)
	y, _, _ := strings.Cut(parts[n-1], ".")

	var nums [3]uint32
	for i, s := range []string{parts[n-3], parts[n-2], y} {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return MBTilesRef{}, fmt.Errorf("%w: mbtiles url %q: bad tile index %q", vtile.ErrFetch, rawURL, s)
		}
		nums[i] = uint32(v)
	}

	path := strings.Join(parts[:n-3], "/")
	if path == "" {
		return MBTilesRef{}, fmt.Errorf("%w: mbtiles url %q has no database path", vtile.ErrFetch, rawURL)
	}
	return MBTilesRef{Path: path, Coords: tile.NewCoords(nums[0], nums[1], nums[2])}, nil
}

// MBTiles reads vector tiles from one MBTiles database.
type MBTiles struct {
	reader *mbtiles.Reader
	meta   mbtiles.Metadata
}

// OpenMBTiles opens a database and checks that it holds vector tiles.
func OpenMBTiles(path string, logger *slog.Logger) (*MBTiles, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := mbtiles.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	meta, err := r.Metadata()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	if meta.Format != "" && meta.Format != mbtiles.FormatPBF {
		logger.Warn("mbtiles source does not declare pbf tiles", "path", path, "format", meta.Format)
	}
	logger.Info("opened mbtiles source", "path", path, "name", meta.Name, "maxzoom", meta.MaxZoom)
	return &MBTiles{reader: r, meta: meta}, nil
}

// Metadata returns the database metadata read at open time.
func (m *MBTiles) Metadata() mbtiles.Metadata { return m.meta }

// Read returns the stored payload. Gzipped tiles are passed through as they
// are, the decoder handles them.
func (m *MBTiles) Read(ctx context.Context, c tile.Coords) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := m.reader.ReadTileRaw(c)
	if errors.Is(err, mbtiles.ErrTileNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, c, m.reader.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vtile.ErrFetch, err)
	}
	return data, nil
}

func (m *MBTiles) Close() error {
	return m.reader.Close()
}
