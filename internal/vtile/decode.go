package vtile

import (
	"bytes"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Decode parses a Mapbox Vector Tile payload, gzipped or not, into a Tile.
// The result is fully built before it is returned and is safe to share.
func Decode(data []byte) (*Tile, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var (
		layers mvt.Layers
		err    error
	)
	if bytes.HasPrefix(data, gzipMagic) {
		layers, err = mvt.UnmarshalGzipped(data)
	} else {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	t := &Tile{Layers: make(map[string]*Layer, len(layers))}
	for _, ml := range layers {
		extent := float64(ml.Extent)
		if extent <= 0 {
			extent = DefaultExtent
		}

		features := make([]*Feature, 0, len(ml.Features))
		for _, gf := range ml.Features {
			features = append(features, newFeature(gf.ID, gf.Geometry, gf.Properties))
		}
		t.Layers[ml.Name] = newLayer(ml.Name, ml.Version, extent, features)
	}
	return t, nil
}

// NewFeature builds a feature from an orb geometry in layer-extent space.
func NewFeature(id any, g orb.Geometry, props map[string]any) *Feature {
	return newFeature(id, g, props)
}

// NewLayer builds an indexed layer from already decoded features.
func NewLayer(name string, extent float64, features []*Feature) *Layer {
	if extent <= 0 {
		extent = DefaultExtent
	}
	return newLayer(name, 2, extent, features)
}

func newFeature(id any, g orb.Geometry, props map[string]any) *Feature {
	f := &Feature{ID: id, Properties: props}
	if g == nil {
		return f
	}
	f.SourceType = g.GeoJSONType()

	switch geom := g.(type) {
	case orb.Point:
		f.Type = GeometryPoint
		f.Geometry = []orb.LineString{{geom}}
	case orb.MultiPoint:
		f.Type = GeometryPoint
		for _, p := range geom {
			f.Geometry = append(f.Geometry, orb.LineString{p})
		}
	case orb.LineString:
		f.Type = GeometryLineString
		f.Geometry = []orb.LineString{geom}
	case orb.MultiLineString:
		f.Type = GeometryLineString
		f.Geometry = append(f.Geometry, geom...)
	case orb.Polygon:
		f.Type = GeometryPolygon
		for _, r := range geom {
			f.Geometry = append(f.Geometry, orb.LineString(r))
		}
	case orb.MultiPolygon:
		f.Type = GeometryPolygon
		for _, p := range geom {
			for _, r := range p {
				f.Geometry = append(f.Geometry, orb.LineString(r))
			}
		}
	default:
		return f
	}

	f.Bound = g.Bound()
	return f
}
