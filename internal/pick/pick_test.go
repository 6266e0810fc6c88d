package pick

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

var dataCoords = tile.Coords{Z: 14, X: 8634, Y: 5374}

func fixture() *vtile.Tile {
	water := vtile.NewLayer("water", 4096, []*vtile.Feature{
		vtile.NewFeature("lake", orb.Polygon{
			{{1000, 1000}, {3000, 1000}, {3000, 3000}, {1000, 3000}, {1000, 1000}},
			{{1500, 1500}, {1500, 2500}, {2500, 2500}, {2500, 1500}, {1500, 1500}},
		}, map[string]any{"class": "lake"}),
	})
	roads := vtile.NewLayer("roads", 4096, []*vtile.Feature{
		vtile.NewFeature("street", orb.LineString{{0, 500}, {4000, 500}}, map[string]any{"class": "minor"}),
	})
	places := vtile.NewLayer("places", 4096, []*vtile.Feature{
		vtile.NewFeature("town", orb.Point{200, 3800}, nil),
		vtile.NewFeature("village", orb.MultiPoint{{3800, 3800}, {3900, 3900}}, nil),
	})
	return &vtile.Tile{Layers: map[string]*vtile.Layer{
		"water": water, "roads": roads, "places": places,
	}}
}

// at returns lon/lat for an extent position of the data tile.
func at(x, y float64) (float64, float64) {
	p := tile.NewExtentTransform(dataCoords, 4096).ToLonLat(orb.Point{x, y})
	return p[0], p[1]
}

func ids(hits []FeatureInfo) []any {
	out := make([]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ID)
	}
	return out
}

func newPicker(cfg Config) *Picker {
	if cfg.MaximumLevel == 0 {
		cfg.MaximumLevel = 14
	}
	if cfg.LayerNames == nil {
		cfg.LayerNames = []string{"water,roads,places"}
	}
	return New(cfg)
}

func TestPickPolygonRespectsHoles(t *testing.T) {
	p := newPicker(Config{LayerNames: []string{"water"}})
	tl := fixture()

	tests := []struct {
		name string
		x, y float64
		hit  bool
	}{
		{"inside shell", 1200, 1200, true},
		{"inside hole", 2000, 2000, false},
		{"between hole and shell", 2800, 2000, true},
		{"outside", 3500, 3500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lon, lat := at(tt.x, tt.y)
			hits := p.PickTile(tl, dataCoords, lon, lat, nil)
			if tt.hit {
				require.Len(t, hits, 1)
				assert.Equal(t, "lake", hits[0].ID)
				assert.Equal(t, "water", hits[0].Layer)
				assert.Equal(t, "Polygon", hits[0].Type)
			} else {
				assert.Empty(t, hits)
			}
		})
	}
}

func TestPickLineThreshold(t *testing.T) {
	p := newPicker(Config{LayerNames: []string{"roads"}})
	tl := fixture()

	lon, lat := at(2000, 530)
	assert.Equal(t, []any{"street"}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))

	lon, lat = at(2000, 600)
	assert.Empty(t, p.PickTile(tl, dataCoords, lon, lat, nil))

	wide := newPicker(Config{
		LayerNames: []string{"roads"},
		Thresholds: Thresholds{Line: Constant(120)},
	})
	assert.Equal(t, []any{"street"}, ids(wide.PickTile(tl, dataCoords, lon, lat, nil)))
}

func TestPickThresholdBeyondSearchRadius(t *testing.T) {
	tl := fixture()
	lon, lat := at(2000, 650)

	assert.Empty(t, newPicker(Config{LayerNames: []string{"roads"}}).PickTile(tl, dataCoords, lon, lat, nil))

	wide := newPicker(Config{
		LayerNames: []string{"roads"},
		Thresholds: Thresholds{Line: Constant(200)},
	})
	assert.Equal(t, []any{"street"}, ids(wide.PickTile(tl, dataCoords, lon, lat, nil)))

	lon, lat = at(500, 3800)
	far := newPicker(Config{
		LayerNames: []string{"places"},
		Thresholds: Thresholds{Point: Constant(350)},
	})
	assert.Equal(t, []any{"town"}, ids(far.PickTile(tl, dataCoords, lon, lat, nil)))
}

func TestPickThresholdIsMonotonic(t *testing.T) {
	tl := fixture()
	distances := []float64{10, 40, 80, 120, 160, 250, 400, 800}

	tests := []struct {
		name   string
		layer  string
		x, y   float64
		config func(d float64) Thresholds
	}{
		{"line", "roads", 2000, 650, func(d float64) Thresholds { return Thresholds{Line: Constant(d)} }},
		{"point", "places", 500, 3800, func(d float64) Thresholds { return Thresholds{Point: Constant(d)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lon, lat := at(tt.x, tt.y)
			hitSeen := false
			for _, d := range distances {
				p := newPicker(Config{LayerNames: []string{tt.layer}, Thresholds: tt.config(d)})
				hit := len(p.PickTile(tl, dataCoords, lon, lat, nil)) > 0
				if hitSeen {
					assert.True(t, hit, "threshold %v lost a hit found at a smaller threshold", d)
				}
				hitSeen = hitSeen || hit
			}
			assert.True(t, hitSeen, "largest threshold should reach the feature")
		})
	}
}

func TestPickPointUsesFirstPointOfEachSequence(t *testing.T) {
	p := newPicker(Config{LayerNames: []string{"places"}})
	tl := fixture()

	lon, lat := at(240, 3800)
	assert.Equal(t, []any{"town"}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))

	lon, lat = at(3900, 3880)
	assert.Equal(t, []any{"village"}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))

	lon, lat = at(300, 3800)
	assert.Empty(t, p.PickTile(tl, dataCoords, lon, lat, nil))
}

func TestPickTypesFilter(t *testing.T) {
	tl := fixture()
	// on the road and inside the lake shell at once
	tl.Layers["roads"] = vtile.NewLayer("roads", 4096, []*vtile.Feature{
		vtile.NewFeature("crossing", orb.LineString{{1100, 0}, {1100, 4000}}, nil),
	})
	lon, lat := at(1100, 1200)

	all := newPicker(Config{LayerNames: []string{"water", "roads"}})
	assert.Equal(t, []any{"lake", "crossing"}, ids(all.PickTile(tl, dataCoords, lon, lat, nil)))

	polygons := newPicker(Config{
		LayerNames: []string{"water", "roads"},
		Thresholds: Thresholds{Types: []vtile.GeometryType{vtile.GeometryPolygon}},
	})
	assert.Equal(t, []any{"lake"}, ids(polygons.PickTile(tl, dataCoords, lon, lat, nil)))
}

func TestPickLayerOrderAndFeatureOrder(t *testing.T) {
	tl := &vtile.Tile{Layers: map[string]*vtile.Layer{
		"a": vtile.NewLayer("a", 4096, []*vtile.Feature{
			vtile.NewFeature(1, orb.Point{100, 100}, nil),
			vtile.NewFeature(2, orb.Point{110, 100}, nil),
		}),
		"b": vtile.NewLayer("b", 4096, []*vtile.Feature{
			vtile.NewFeature(3, orb.Point{100, 110}, nil),
		}),
	}}
	p := newPicker(Config{LayerNames: []string{"b", "a", "missing"}})

	lon, lat := at(105, 105)
	assert.Equal(t, []any{3, 1, 2}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))
}

func TestPickSelector(t *testing.T) {
	tl := fixture()
	var seen []tile.Coords
	p := newPicker(Config{
		Selector: func(f *vtile.Feature, c tile.Coords, lc style.LayerContext) (FeatureInfo, bool) {
			seen = append(seen, c)
			if f.ID == "lake" {
				return FeatureInfo{}, false
			}
			v, _ := lc.Get("tag")
			return FeatureInfo{Layer: f.Layer, ID: v}, true
		},
	})

	lon, lat := at(1200, 510)
	hits := p.PickTile(tl, dataCoords, lon, lat, style.LayerContext{"tag": "x"})
	assert.Equal(t, []any{"x"}, ids(hits))
	assert.Equal(t, []tile.Coords{dataCoords}, seen)

	lon, lat = at(1200, 1200)
	assert.Empty(t, p.PickTile(tl, dataCoords, lon, lat, nil))
	assert.Len(t, seen, 2)
}

func TestPickPanickingLayerIsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tl := fixture()
	tl.Layers["roads"] = vtile.NewLayer("roads", 4096, []*vtile.Feature{
		vtile.NewFeature("street", orb.LineString{{1000, 1200}, {3000, 1200}}, nil),
	})
	p := newPicker(Config{
		LayerNames: []string{"roads", "water"},
		Logger:     logger,
		Thresholds: Thresholds{Line: func(*vtile.Feature, tile.Coords) float64 {
			panic("broken threshold")
		}},
	})

	lon, lat := at(1200, 1200)
	assert.Equal(t, []any{"lake"}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))
	assert.Contains(t, buf.String(), "pick layer panicked")
	assert.Contains(t, buf.String(), "broken threshold")
}

func TestPickOverZoomScalesThresholds(t *testing.T) {
	tl := &vtile.Tile{Layers: map[string]*vtile.Layer{
		"roads": vtile.NewLayer("roads", 4096, []*vtile.Feature{
			vtile.NewFeature("street", orb.LineString{{0, 2000}, {4000, 2000}}, nil),
		}),
	}}
	p := newPicker(Config{LayerNames: []string{"roads"}})
	// two levels deeper: four times magnified, threshold 48/4 = 12
	display := tile.Coords{Z: 16, X: dataCoords.X*4 + 1, Y: dataCoords.Y*4 + 1}

	lon, lat := at(1500, 2010)
	assert.Equal(t, []any{"street"}, ids(p.PickTile(tl, display, lon, lat, nil)))

	lon, lat = at(1500, 2020)
	assert.Empty(t, p.PickTile(tl, display, lon, lat, nil))

	// at native level the same offset is within the threshold
	assert.Equal(t, []any{"street"}, ids(p.PickTile(tl, dataCoords, lon, lat, nil)))
}

func TestDefaultSelectorGeometry(t *testing.T) {
	p := newPicker(Config{LayerNames: []string{"places"}})
	lon, lat := at(200, 3800)

	hits := p.PickTile(fixture(), dataCoords, lon, lat, nil)
	require.Len(t, hits, 1)
	pt, ok := hits[0].Geometry.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, lon, pt[0], 1e-9)
	assert.InDelta(t, lat, pt[1], 1e-9)

	fc := Collection(hits)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "town", fc.Features[0].ID)
	assert.Equal(t, "places", fc.Features[0].Properties["layer"])
}

type fakeGetter struct {
	mu   sync.Mutex
	urls []string
	tile *vtile.Tile
}

func (g *fakeGetter) Get(_ context.Context, url string) *vtile.Tile {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, url)
	return g.tile
}

func TestPickFetchesDataTile(t *testing.T) {
	g := &fakeGetter{tile: fixture()}
	p := newPicker(Config{Tiles: g, URLTemplate: "mem://{z}/{x}/{y}"})

	display := tile.Coords{Z: 15, X: dataCoords.X * 2, Y: dataCoords.Y * 2}
	lon, lat := at(1200, 1200)
	hits, err := p.Pick(context.Background(), display, lon, lat, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"lake"}, ids(hits))
	assert.Equal(t, []string{"mem://14/8634/5374"}, g.urls)
}

func TestPickWithoutData(t *testing.T) {
	lon, lat := at(1200, 1200)

	hits, err := newPicker(Config{Tiles: &fakeGetter{}}).Pick(context.Background(), dataCoords, lon, lat, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = newPicker(Config{}).Pick(context.Background(), dataCoords, lon, lat, nil)
	assert.True(t, errors.Is(err, ErrNoTileSource))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newPicker(Config{Tiles: &fakeGetter{tile: fixture()}}).Pick(ctx, dataCoords, lon, lat, nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Nil(t, newPicker(Config{}).PickTile(nil, dataCoords, lon, lat, nil))
}
