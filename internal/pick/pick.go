// Package pick hit-tests decoded vector features at a geographic position.
package pick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	vgeojson "github.com/MeKo-Tech/mvtimagery/internal/geojson"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// Thresholds are in layer extent units of a tile drawn at its native level.
const (
	DefaultLineThreshold  = 48
	DefaultPointThreshold = 64
	DefaultSearchRadius   = 128
)

// ErrNoTileSource is returned by Pick when the picker has no tile getter.
var ErrNoTileSource = errors.New("pick: no tile source configured")

// TileGetter returns the decoded tile for a URL, or nil when there is none.
// *tilecache.Cache satisfies it.
type TileGetter interface {
	Get(ctx context.Context, url string) *vtile.Tile
}

// ThresholdFunc returns the hit distance for a feature of the data tile c.
type ThresholdFunc func(f *vtile.Feature, c tile.Coords) float64

// Constant returns a ThresholdFunc that always yields d.
func Constant(d float64) ThresholdFunc {
	return func(*vtile.Feature, tile.Coords) float64 { return d }
}

// Thresholds controls which geometry types are hit-tested and how close a
// query has to be to lines and points.
type Thresholds struct {
	// Types limits hit-testing to these geometry types. Empty enables all.
	Types []vtile.GeometryType
	Line  ThresholdFunc
	Point ThresholdFunc
	// SearchRadius pads the indexed candidate lookup around the query point.
	// Features with a larger threshold are still tested against their own
	// padded bounds.
	SearchRadius float64
}

func (t Thresholds) enabled(gt vtile.GeometryType) bool {
	return len(t.Types) == 0 || slices.Contains(t.Types, gt)
}

// FeatureInfo is one pick hit.
type FeatureInfo struct {
	Layer      string         `json:"layer"`
	ID         any            `json:"id,omitempty"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	// Geometry is in WGS84.
	Geometry orb.Geometry `json:"-"`
}

// GeoJSON converts the hit into a GeoJSON feature.
func (fi FeatureInfo) GeoJSON() *geojson.Feature {
	return vgeojson.NewFeature(fi.Layer, fi.ID, fi.Properties, fi.Geometry)
}

// Collection wraps hits into a FeatureCollection, keeping their order.
func Collection(hits []FeatureInfo) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, h := range hits {
		fc.Append(h.GeoJSON())
	}
	return fc
}

// Selector turns a hit feature into a result. Returning false drops it.
// c is the data tile the feature geometry belongs to.
type Selector func(f *vtile.Feature, c tile.Coords, lc style.LayerContext) (FeatureInfo, bool)

// DefaultSelector reports layer, ID, properties and WGS84 geometry.
func DefaultSelector(f *vtile.Feature, c tile.Coords, _ style.LayerContext) (FeatureInfo, bool) {
	return FeatureInfo{
		Layer:      f.Layer,
		ID:         f.ID,
		Type:       f.Type.String(),
		Properties: f.Properties,
		Geometry:   vgeojson.Geometry(f, c),
	}, true
}

// Config configures a Picker.
type Config struct {
	Tiles        TileGetter
	URLTemplate  string
	MaximumLevel uint32
	LayerNames   []string
	Thresholds   Thresholds
	Selector     Selector
	Logger       *slog.Logger
}

// Picker answers pick queries. It holds no mutable state and is safe for
// concurrent use.
type Picker struct {
	cfg Config
}

// New creates a picker, filling in default thresholds and selector.
func New(cfg Config) *Picker {
	if cfg.Thresholds.Line == nil {
		cfg.Thresholds.Line = Constant(DefaultLineThreshold)
	}
	if cfg.Thresholds.Point == nil {
		cfg.Thresholds.Point = Constant(DefaultPointThreshold)
	}
	if cfg.Thresholds.SearchRadius <= 0 {
		cfg.Thresholds.SearchRadius = DefaultSearchRadius
	}
	if cfg.Selector == nil {
		cfg.Selector = DefaultSelector
	}
	return &Picker{cfg: cfg}
}

// Pick returns the features of the configured layers under (lon, lat) on the
// display tile coords, in layer order then feature order. A tile that cannot
// be fetched or decoded yields an empty result.
func (p *Picker) Pick(ctx context.Context, coords tile.Coords, lon, lat float64, lc style.LayerContext) ([]FeatureInfo, error) {
	if p.cfg.Tiles == nil {
		return nil, ErrNoTileSource
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := tile.DataURL(p.cfg.URLTemplate, coords, p.cfg.MaximumLevel)
	t := p.cfg.Tiles.Get(ctx, url)
	if t == nil {
		return nil, ctx.Err()
	}
	return p.PickTile(t, coords, lon, lat, lc), nil
}

// PickTile hit-tests an already decoded data tile for the display tile coords.
func (p *Picker) PickTile(t *vtile.Tile, coords tile.Coords, lon, lat float64, lc style.LayerContext) []FeatureInfo {
	if t == nil {
		return nil
	}
	dt := tile.DataTileForDisplayTile(coords, p.cfg.MaximumLevel, 1)

	var out []FeatureInfo
	for _, l := range t.LayersNamed(p.cfg.LayerNames) {
		out = append(out, p.pickLayer(l, dt, lon, lat, lc)...)
	}
	return out
}

// pickLayer evaluates one layer. A panic drops the layer's hits only.
func (p *Picker) pickLayer(l *vtile.Layer, dt tile.DataTile, lon, lat float64, lc style.LayerContext) (hits []FeatureInfo) {
	defer func() {
		if r := recover(); r != nil {
			p.log().Error("pick layer panicked",
				"layer", l.Name,
				"coords", dt.Coords.String(),
				"error", fmt.Sprint(r))
			hits = nil
		}
	}()

	q := tile.NewExtentTransform(dt.Coords, l.Extent).FromLonLat(lon, lat)
	th := p.cfg.Thresholds
	radius := th.SearchRadius / dt.Scale

	near := make(map[*vtile.Feature]bool)
	for _, f := range l.Candidates(orb.Bound{Min: q, Max: q}.Pad(radius)) {
		near[f] = true
	}

	for _, f := range l.Features {
		if !th.enabled(f.Type) {
			continue
		}

		var hit bool
		switch f.Type {
		case vtile.GeometryPolygon:
			hit = near[f] && insideRings(f.Geometry, q)
		case vtile.GeometryLineString:
			d := th.Line(f, dt.Coords) / dt.Scale
			hit = reachable(f, q, d, radius, near[f]) && nearLine(f.Geometry, q, d)
		case vtile.GeometryPoint:
			d := th.Point(f, dt.Coords) / dt.Scale
			hit = reachable(f, q, d, radius, near[f]) && nearPoint(f.Geometry, q, d)
		}
		if !hit {
			continue
		}

		if info, ok := p.cfg.Selector(f, dt.Coords, lc); ok {
			hits = append(hits, info)
		}
	}
	return hits
}

// reachable reports whether f can lie within d of q. Features outside the
// search window are only considered when d exceeds the window radius.
func reachable(f *vtile.Feature, q orb.Point, d, radius float64, near bool) bool {
	if near {
		return true
	}
	return d > radius && len(f.Geometry) > 0 && f.Bound.Pad(d).Contains(q)
}

// insideRings applies the even-odd rule over all rings, so holes and the
// parts of multi polygons are handled without regrouping.
func insideRings(rings []orb.LineString, q orb.Point) bool {
	inside := false
	for _, r := range rings {
		if len(r) < 3 {
			continue
		}
		if planar.RingContains(orb.Ring(r), q) {
			inside = !inside
		}
	}
	return inside
}

func nearLine(lines []orb.LineString, q orb.Point, threshold float64) bool {
	for _, ls := range lines {
		switch len(ls) {
		case 0:
			continue
		case 1:
			if planar.Distance(ls[0], q) <= threshold {
				return true
			}
			continue
		}
		for i := 0; i < len(ls)-1; i++ {
			if planar.DistanceFromSegment(ls[i], ls[i+1], q) <= threshold {
				return true
			}
		}
	}
	return false
}

func nearPoint(points []orb.LineString, q orb.Point, threshold float64) bool {
	for _, seq := range points {
		if len(seq) > 0 && planar.Distance(seq[0], q) <= threshold {
			return true
		}
	}
	return false
}

func (p *Picker) log() *slog.Logger {
	if p.cfg.Logger != nil {
		return p.cfg.Logger
	}
	return slog.Default()
}
