package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MeKo-Tech/mvtimagery/internal/mbtiles"
)

// MBTilesHandler serves tiles pre-rendered into an MBTiles file by the
// render command.
type MBTilesHandler struct {
	reader       *mbtiles.Reader
	logger       *slog.Logger
	cacheControl string
	contentType  string
}

// MBTilesConfig configures the MBTiles handler.
type MBTilesConfig struct {
	MBTilesPath  string
	CacheControl string
}

// NewMBTilesHandler opens the file and reads its format from the metadata.
func NewMBTilesHandler(cfg MBTilesConfig, logger *slog.Logger) (*MBTilesHandler, error) {
	reader, err := mbtiles.OpenReader(cfg.MBTilesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MBTiles: %w", err)
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "public, max-age=86400"
	}

	contentType := "image/png"
	if meta, err := reader.Metadata(); err == nil && meta.Format == mbtiles.FormatPBF {
		contentType = "application/vnd.mapbox-vector-tile"
	}

	return &MBTilesHandler{
		reader:       reader,
		logger:       logger,
		cacheControl: cfg.CacheControl,
		contentType:  contentType,
	}, nil
}

// Handler serves /{z}/{x}/{y}.png style routes.
func (h *MBTilesHandler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveTile(w, r)
	}
}

func (h *MBTilesHandler) serveTile(w http.ResponseWriter, r *http.Request) {
	// the scale suffix is ignored, one file holds one tile size
	coords, _, ok := parseTileParams(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	data, err := h.reader.ReadTile(coords)
	if err != nil {
		if !errors.Is(err, mbtiles.ErrTileNotFound) {
			h.log().Error("failed to read tile", "coords", coords.String(), "error", err)
		}
		http.Error(w, "tile not found", http.StatusNotFound)
		return
	}

	etag := etagFor(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", h.cacheControl)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", h.contentType)
	if _, err := w.Write(data); err != nil {
		h.log().Error("failed to write response", "error", err)
	}
}

// Close closes the MBTiles reader.
func (h *MBTilesHandler) Close() error {
	return h.reader.Close()
}

func (h *MBTilesHandler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
