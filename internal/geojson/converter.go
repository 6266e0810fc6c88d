// Package geojson converts decoded vector tile features back into WGS84
// GeoJSON for pick results and debugging output.
package geojson

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Property keys added next to the feature's own properties.
const (
	PropLayer        = "layer"
	PropGeometryType = "geometry_type"
)

// Geometry rebuilds the feature's geometry in WGS84. c must be the tile the
// feature was decoded from. Unknown geometry yields nil.
func Geometry(f *vtile.Feature, c tile.Coords) orb.Geometry {
	if f == nil || len(f.Geometry) == 0 {
		return nil
	}
	extent := f.Extent
	if extent <= 0 {
		extent = vtile.DefaultExtent
	}
	tr := tile.NewExtentTransform(c, extent)

	project := func(ls orb.LineString) orb.LineString {
		out := make(orb.LineString, len(ls))
		for i, p := range ls {
			out[i] = tr.ToLonLat(p)
		}
		return out
	}

	switch f.Type {
	case vtile.GeometryPoint:
		mp := make(orb.MultiPoint, 0, len(f.Geometry))
		for _, seq := range f.Geometry {
			if len(seq) > 0 {
				mp = append(mp, tr.ToLonLat(seq[0]))
			}
		}
		if len(mp) == 1 {
			return mp[0]
		}
		return mp
	case vtile.GeometryLineString:
		if len(f.Geometry) == 1 {
			return project(f.Geometry[0])
		}
		mls := make(orb.MultiLineString, 0, len(f.Geometry))
		for _, seq := range f.Geometry {
			mls = append(mls, project(seq))
		}
		return mls
	case vtile.GeometryPolygon:
		return polygons(f.Geometry, project)
	default:
		return nil
	}
}

// polygons regroups flattened rings. A ring wound like the first ring starts a
// new polygon, any other ring is a hole of the current one.
func polygons(rings []orb.LineString, project func(orb.LineString) orb.LineString) orb.Geometry {
	var (
		mp    orb.MultiPolygon
		outer orb.Orientation
	)
	for i, seq := range rings {
		r := orb.Ring(seq)
		o := r.Orientation()
		if i == 0 {
			outer = o
		}
		if i == 0 || o == outer {
			mp = append(mp, orb.Polygon{})
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], orb.Ring(project(seq)))
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

// NewFeature builds a GeoJSON feature carrying the layer name and the
// original properties.
func NewFeature(layer string, id any, props map[string]any, g orb.Geometry) *geojson.Feature {
	gf := geojson.NewFeature(g)
	gf.ID = id
	for key, value := range props {
		gf.Properties[key] = value
	}
	gf.Properties[PropLayer] = layer
	if g != nil {
		gf.Properties[PropGeometryType] = g.GeoJSONType()
	}
	return gf
}

// FromTileFeature converts a decoded feature of tile c.
func FromTileFeature(f *vtile.Feature, c tile.Coords) *geojson.Feature {
	return NewFeature(f.Layer, f.ID, f.Properties, Geometry(f, c))
}

// ToGeoJSON converts every feature of the named layers to a FeatureCollection.
// Features without geometry are left out.
func ToGeoJSON(t *vtile.Tile, c tile.Coords, layers []string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range t.LayersNamed(layers) {
		for _, f := range l.Features {
			if f.Type == vtile.GeometryUnknown {
				continue
			}
			fc.Append(FromTileFeature(f, c))
		}
	}
	return fc
}

// ToGeoJSONBytes marshals a collection, indented when pretty is set.
func ToGeoJSONBytes(fc *geojson.FeatureCollection, pretty bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = json.Marshal(fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON: %w", err)
	}
	return data, nil
}

// LayerSummary returns feature counts per layer, sorted by layer name.
func LayerSummary(t *vtile.Tile) string {
	if t == nil {
		return "empty tile"
	}
	names := make([]string, 0, len(t.Layers))
	for name := range t.Layers {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %d", name, len(t.Layers[name].Features)))
	}
	return fmt.Sprintf("%s (Total: %d)", strings.Join(parts, ", "), t.FeatureCount())
}
