// Package raster draws decoded vector tiles onto a surface.
package raster

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

const (
	// MaxBatchVertices bounds the ring vertices submitted in one polygon
	// fill. Some surfaces reject larger paths. Rings are never split, so a
	// single ring longer than the bound is still filled in one batch.
	MaxBatchVertices = 5400
	DefaultTileSize  = 256
	DefaultPadding   = 8
)

// Config configures a Pipeline.
type Config struct {
	// TileSize is the display tile edge in logical pixels, before the
	// per-request scale factor.
	TileSize float64
	// Padding extends the culling viewport so strokes near tile edges are
	// not cut off. Zero selects DefaultPadding, a negative value disables it.
	Padding          float64
	MaxBatchVertices int
	Resolver         style.Resolver
	Logger           *slog.Logger
}

// Stats counts what one Render call did.
type Stats struct {
	Layers      int `json:"layers"`
	Drawn       int `json:"drawn"`
	Skipped     int `json:"skipped"`
	Culled      int `json:"culled"`
	Unsupported int `json:"unsupported"`
	Flushes     int `json:"flushes"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Layers += o.Layers
	s.Drawn += o.Drawn
	s.Skipped += o.Skipped
	s.Culled += o.Culled
	s.Unsupported += o.Unsupported
	s.Flushes += o.Flushes
}

// Pipeline is stateless between calls and safe for concurrent use as long as
// each call gets its own surface.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline. A nil Resolver skips every feature.
func New(cfg Config) *Pipeline {
	if cfg.TileSize <= 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.Padding < 0 {
		cfg.Padding = 0
	} else if cfg.Padding == 0 {
		cfg.Padding = DefaultPadding
	}
	if cfg.MaxBatchVertices <= 0 {
		cfg.MaxBatchVertices = MaxBatchVertices
	}
	if cfg.Resolver == nil {
		cfg.Resolver = style.ResolverFunc(func(*vtile.Feature, tile.Coords, style.LayerContext) (style.Style, bool) {
			return style.Style{}, false
		})
	}
	return &Pipeline{cfg: cfg}
}

// TileSize returns the logical tile edge in pixels.
func (p *Pipeline) TileSize() float64 { return p.cfg.TileSize }

// ResolveLayers maps requested names to the layers present in t. Each name
// may itself be a comma separated list. Absent names are skipped.
func ResolveLayers(t *vtile.Tile, names []string) []*vtile.Layer {
	return t.LayersNamed(names)
}

// transform maps layer-extent coordinates to display pixels.
type transform struct {
	k      float64
	origin orb.Point
}

func (tr transform) apply(p orb.Point) (float64, float64) {
	return p[0]*tr.k - tr.origin[0], p[1]*tr.k - tr.origin[1]
}

// Render draws the named layers of t for the display tile coords. maximumLevel
// is the deepest level the source has; deeper display tiles magnify the
// ancestor at that level. The surface is expected to be TileSize*scaleFactor
// pixels wide. A nil tile draws nothing. Errors from the surface do not stop
// the remaining features; the first one is returned.
func (p *Pipeline) Render(
	s surface.Surface,
	coords tile.Coords,
	scaleFactor float64,
	layerNames []string,
	lc style.LayerContext,
	t *vtile.Tile,
	maximumLevel uint32,
) (Stats, error) {
	var stats Stats
	if t == nil || s == nil {
		return stats, nil
	}
	if scaleFactor <= 0 || math.IsNaN(scaleFactor) {
		scaleFactor = 1
	}

	dt := tile.DataTileForDisplayTile(coords, maximumLevel, p.cfg.TileSize)

	s.Save()
	defer s.Restore()
	s.Scale(scaleFactor, scaleFactor)

	var errs []error
	for _, l := range ResolveLayers(t, layerNames) {
		stats.Layers++
		tr := transform{k: p.cfg.TileSize / l.Extent * dt.Scale, origin: dt.Origin}

		for _, f := range l.Features {
			if p.culled(f, tr) {
				stats.Culled++
				continue
			}

			st, ok := p.cfg.Resolver.Resolve(f, dt.Coords, lc)
			if !ok {
				stats.Skipped++
				continue
			}
			applyStyle(s, st)

			var err error
			switch f.Type {
			case vtile.GeometryPolygon:
				var n int
				n, err = p.drawPolygon(s, f, tr, st)
				stats.Flushes += n
			case vtile.GeometryLineString:
				err = drawLineString(s, f, tr)
			case vtile.GeometryPoint:
				err = drawPoint(s, f, tr, st)
			default:
				stats.Unsupported++
				p.log().Warn("unsupported geometry",
					"type", f.SourceType, "layer", l.Name, "coords", coords.String(),
					"error", vtile.ErrUnsupportedGeometry)
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("draw %s feature in %s: %w", f.Type, l.Name, err))
			}
			stats.Drawn++
		}
	}

	if len(errs) > 0 {
		return stats, errs[0]
	}
	return stats, nil
}

func (p *Pipeline) culled(f *vtile.Feature, tr transform) bool {
	if f.Type == vtile.GeometryUnknown {
		return false
	}
	minX, minY := tr.apply(f.Bound.Min)
	maxX, maxY := tr.apply(f.Bound.Max)
	lo, hi := -p.cfg.Padding, p.cfg.TileSize+p.cfg.Padding
	return maxX < lo || minX > hi || maxY < lo || minY > hi
}

func applyStyle(s surface.Surface, st style.Style) {
	s.SetFillColor(st.FillColor)
	s.SetStrokeColor(st.StrokeColor)
	s.SetLineWidth(st.LineWidth)
	s.SetLineJoin(st.LineJoin)
}

// drawPolygon adds rings as sub-paths and flushes whenever the next ring
// would take the path over the vertex ceiling. It returns the flush count.
func (p *Pipeline) drawPolygon(s surface.Surface, f *vtile.Feature, tr transform, st style.Style) (int, error) {
	var (
		flushes int
		count   int
		errs    []error
	)
	flush := func() {
		flushes++
		if err := s.Fill(); err != nil {
			errs = append(errs, err)
		}
		if st.LineWidth > 0 {
			if err := s.Stroke(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.BeginPath()
	for _, ring := range f.Geometry {
		if len(ring) == 0 {
			continue
		}
		if count > 0 && count+len(ring) > p.cfg.MaxBatchVertices {
			flush()
			s.BeginPath()
			count = 0
		}
		addSequence(s, ring, tr)
		count += len(ring)
	}
	if count > 0 {
		flush()
	}
	return flushes, errors.Join(errs...)
}

func drawLineString(s surface.Surface, f *vtile.Feature, tr transform) error {
	s.BeginPath()
	for _, seq := range f.Geometry {
		addSequence(s, seq, tr)
	}
	return s.Stroke()
}

// drawPoint fills a circle per sequence. The line width doubles as the
// radius.
func drawPoint(s surface.Surface, f *vtile.Feature, tr transform, st style.Style) error {
	var errs []error
	for _, seq := range f.Geometry {
		if len(seq) == 0 {
			continue
		}
		x, y := tr.apply(seq[0])
		s.BeginPath()
		s.Arc(x, y, st.LineWidth, 0, 2*math.Pi)
		if err := s.Fill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func addSequence(s surface.Surface, seq orb.LineString, tr transform) {
	for i, pt := range seq {
		x, y := tr.apply(pt)
		if i == 0 {
			s.MoveTo(x, y)
		} else {
			s.LineTo(x, y)
		}
	}
}

func (p *Pipeline) log() *slog.Logger {
	if p.cfg.Logger != nil {
		return p.cfg.Logger
	}
	return slog.Default()
}
