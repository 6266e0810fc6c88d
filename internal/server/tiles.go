package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/MeKo-Tech/mvtimagery/internal/geojson"
	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/logger"
	"github.com/MeKo-Tech/mvtimagery/internal/pick"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

const (
	maxZoom = 30
	// maxLatitude is the Web Mercator cut-off.
	maxLatitude = 85.0511287798
)

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request) {
	l, ok := s.cfg.Layers.Get(chi.URLParam(r, "layer"))
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}

	coords, scale, ok := parseTileParams(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if !ok {
		http.Error(w, "invalid tile address", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(logger.WithLayerKey(r.Context(), l.Provider.Key()), s.cfg.RenderTimeout)
	defer cancel()

	s.active.Add(1)
	data, stats, err := l.Provider.RenderPNG(ctx, coords, scale)
	s.active.Add(-1)
	if err != nil {
		s.renderError(w, r, l.ID, coords, err)
		return
	}
	s.rendered.Add(1)

	etag := etagFor(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", s.cfg.CacheControl)
	w.Header().Set("X-Features-Drawn", strconv.Itoa(stats.Drawn))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(data); err != nil {
		s.log().Error("failed to write response", "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, layer string, coords tile.Coords, err error) {
	switch {
	case errors.Is(err, imagery.ErrAdmissionRejected):
		s.rejected.Add(1)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case errors.Is(err, imagery.ErrClosed), errors.Is(err, scheduler.ErrAbandoned):
		http.Error(w, "layer is being replaced", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		s.failed.Add(1)
		http.Error(w, "render timed out", http.StatusGatewayTimeout)
	default:
		s.failed.Add(1)
		s.log().ErrorContext(r.Context(), "tile render failed",
			"layer", layer,
			"coords", coords.String(),
			"error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}

func (s *Server) servePick(w http.ResponseWriter, r *http.Request) {
	l, ok := s.cfg.Layers.Get(chi.URLParam(r, "layer"))
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	z, errZ := strconv.ParseUint(q.Get("z"), 10, 32)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	if errZ != nil || errLon != nil || errLat != nil || z > maxZoom ||
		lon < -180 || lon > 180 || lat < -maxLatitude || lat > maxLatitude {
		http.Error(w, "expected z, lon and lat query parameters", http.StatusBadRequest)
		return
	}

	coords := tile.At(lon, lat, uint32(z))
	hits, err := l.Provider.PickFeatures(r.Context(), coords, lon, lat)
	if err != nil {
		if errors.Is(err, imagery.ErrClosed) {
			http.Error(w, "layer is being replaced", http.StatusServiceUnavailable)
			return
		}
		s.log().ErrorContext(r.Context(), "pick failed", "layer", l.ID, "coords", coords.String(), "error", err)
		http.Error(w, "pick failed", http.StatusInternalServerError)
		return
	}

	data, err := geojson.ToGeoJSONBytes(pick.Collection(hits), false)
	if err != nil {
		s.log().Error("failed to encode pick result", "error", err)
		http.Error(w, "failed to encode result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.log().Error("failed to write response", "error", err)
	}
}

// parseTileParams parses {z}/{x}/{y} where y carries the extension and an
// optional @Nx scale suffix, as in 2692.png or 2692@2x.png.
func parseTileParams(zs, xs, ys string) (tile.Coords, float64, bool) {
	name, ok := strings.CutSuffix(ys, ".png")
	if !ok {
		return tile.Coords{}, 0, false
	}

	scale := 1.0
	if at := strings.LastIndexByte(name, '@'); at >= 0 {
		factor, ok := strings.CutSuffix(name[at+1:], "x")
		if !ok {
			return tile.Coords{}, 0, false
		}
		n, err := strconv.Atoi(factor)
		if err != nil || n < 1 || n > imagery.MaxScaleFactor {
			return tile.Coords{}, 0, false
		}
		scale = float64(n)
		name = name[:at]
	}

	z, err := strconv.ParseUint(zs, 10, 32)
	if err != nil || z > maxZoom {
		return tile.Coords{}, 0, false
	}
	x, errX := strconv.ParseUint(xs, 10, 32)
	y, errY := strconv.ParseUint(name, 10, 32)
	if errX != nil || errY != nil {
		return tile.Coords{}, 0, false
	}
	if n := uint64(1) << z; x >= n || y >= n {
		return tile.Coords{}, 0, false
	}
	return tile.NewCoords(uint32(z), uint32(x), uint32(y)), scale, true
}

func etagFor(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}
