// Package vtile holds the decoded, read-only form of a vector tile.
//
// A Tile is built once by Decode and never mutated afterwards, so it can be
// shared between render workers and the picker without locking. Geometry and
// bounds of every feature are computed during decode.
package vtile

import (
	"sort"
	"strings"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

// DefaultExtent is used when a layer does not declare its extent.
const DefaultExtent = 4096

// GeometryType is the closed set of geometry kinds a feature can carry.
type GeometryType uint8

const (
	GeometryUnknown GeometryType = iota
	GeometryPoint
	GeometryLineString
	GeometryPolygon
)

func (t GeometryType) String() string {
	switch t {
	case GeometryPoint:
		return "Point"
	case GeometryLineString:
		return "LineString"
	case GeometryPolygon:
		return "Polygon"
	default:
		return "Unknown"
	}
}

// Feature is one decoded vector feature in layer-extent coordinates.
type Feature struct {
	ID any
	// Layer and Extent are copied from the owning layer.
	Layer  string
	Extent float64
	Type   GeometryType
	// Geometry holds rings for polygons and point sequences for lines and
	// points. Multi-part geometries are flattened in encoding order.
	Geometry   []orb.LineString
	Bound      orb.Bound
	Properties map[string]any
	// SourceType is the GeoJSON type name the decoder produced. It is only
	// interesting for diagnostics on unknown geometry.
	SourceType string
}

// Layer is a named, ordered collection of features. Order is painter order.
type Layer struct {
	Name     string
	Version  uint32
	Extent   float64
	Features []*Feature

	index *rtreego.Rtree
}

// Tile maps layer names to decoded layers.
type Tile struct {
	Layers map[string]*Layer
}

// Layer returns the named layer.
func (t *Tile) Layer(name string) (*Layer, bool) {
	if t == nil {
		return nil, false
	}
	l, ok := t.Layers[name]
	return l, ok
}

// LayersNamed returns the layers for the requested names in request order.
// An entry may be a comma separated list; names absent from the tile are
// skipped.
func (t *Tile) LayersNamed(names []string) []*Layer {
	var out []*Layer
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			if l, ok := t.Layer(strings.TrimSpace(name)); ok {
				out = append(out, l)
			}
		}
	}
	return out
}

// FeatureCount returns the number of features across all layers.
func (t *Tile) FeatureCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, l := range t.Layers {
		n += len(l.Features)
	}
	return n
}

// indexedFeature wraps a feature for R-tree storage.
type indexedFeature struct {
	pos   int
	bound orb.Bound
}

// Bounds implements rtreego.Spatial.
func (f *indexedFeature) Bounds() rtreego.Rect {
	return boundToRect(f.bound)
}

func boundToRect(b orb.Bound) rtreego.Rect {
	// rtreego rejects zero-length sides, which points and axis-aligned lines have
	const epsilon = 1e-6
	dx := b.Max[0] - b.Min[0]
	dy := b.Max[1] - b.Min[1]
	if dx < epsilon {
		dx = epsilon
	}
	if dy < epsilon {
		dy = epsilon
	}
	rect, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{dx, dy})
	return rect
}

func newLayer(name string, version uint32, extent float64, features []*Feature) *Layer {
	l := &Layer{
		Name:     name,
		Version:  version,
		Extent:   extent,
		Features: features,
		index:    rtreego.NewTree(2, 25, 50),
	}
	for i, f := range features {
		f.Layer = name
		f.Extent = extent
		if f.Type == GeometryUnknown || len(f.Geometry) == 0 {
			continue
		}
		l.index.Insert(&indexedFeature{pos: i, bound: f.Bound})
	}
	return l
}

// Candidates returns the features whose bounds intersect b, in painter order.
func (l *Layer) Candidates(b orb.Bound) []*Feature {
	if l == nil || l.index == nil {
		return nil
	}
	hits := l.index.SearchIntersect(boundToRect(b))
	if len(hits) == 0 {
		return nil
	}

	pos := make([]int, 0, len(hits))
	for _, h := range hits {
		pos = append(pos, h.(*indexedFeature).pos)
	}
	sort.Ints(pos)

	out := make([]*Feature, 0, len(pos))
	for _, p := range pos {
		out = append(out, l.Features[p])
	}
	return out
}
