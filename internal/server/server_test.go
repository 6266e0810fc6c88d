package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/mbtiles"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface/surfacetest"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

var coords = tile.Coords{Z: 14, X: 8634, Y: 5374}

// memTiles serves one tile for every URL. With a release channel each Get
// parks until released.
type memTiles struct {
	tile    *vtile.Tile
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *memTiles) Get(ctx context.Context, _ string) *vtile.Tile {
	if m.release != nil {
		m.entered <- struct{}{}
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil
		}
	}
	return m.tile
}

func (m *memTiles) unblock() { m.once.Do(func() { close(m.release) }) }

func fixtureTile() *vtile.Tile {
	water := vtile.NewLayer("water", 4096, []*vtile.Feature{
		vtile.NewFeature("lake", orb.Polygon{
			{{1000, 1000}, {3000, 1000}, {3000, 3000}, {1000, 3000}, {1000, 1000}},
		}, map[string]any{"class": "lake"}),
	})
	return &vtile.Tile{Layers: map[string]*vtile.Layer{"water": water}}
}

func newLayer(t *testing.T, sched *scheduler.Scheduler, id string, tiles imagery.Config, mutate func(*imagery.Options)) *Layer {
	t.Helper()
	opts := imagery.Options{
		Key:          id,
		URLTemplate:  "mem://{z}/{x}/{y}",
		MaximumLevel: 14,
		LayerNames:   []string{"water"},
		Resolver:     style.Fixed(style.Style{FillColor: color.White}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	tiles.Options = opts
	tiles.Scheduler = sched
	tiles.Surfaces = surfacetest.Factory
	p, err := imagery.New(tiles)
	require.NoError(t, err)
	return &Layer{ID: id, Provider: p}
}

func newTestServer(t *testing.T, mt *memTiles, mutate func(*imagery.Options)) (*Server, http.Handler) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Concurrency: 1, Fraction: 1})
	t.Cleanup(sched.Close)

	l := newLayer(t, sched, "osm", imagery.Config{Tiles: mt}, mutate)
	s := New(Config{Layers: NewLayers(l), Scheduler: sched, Metrics: http.NotFoundHandler()})
	return s, s.Router()
}

func get(h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServeTile(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	rr := get(h, "/tiles/osm/14/8634/5374.png")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1", rr.Header().Get("X-Features-Drawn"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	cfg, err := png.DecodeConfig(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)

	etag := rr.Header().Get("ETag")
	require.NotEmpty(t, etag)
	cached := get(h, "/tiles/osm/14/8634/5374.png", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, cached.Code)
	assert.Zero(t, cached.Body.Len())
}

func TestServeTileHiDPI(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	rr := get(h, "/tiles/osm/14/8634/5374@2x.png")
	require.Equal(t, http.StatusOK, rr.Code)
	cfg, err := png.DecodeConfig(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Width)
}

func TestServeTileErrors(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	tests := []struct {
		path string
		code int
	}{
		{"/tiles/nope/1/0/0.png", http.StatusNotFound},
		{"/tiles/osm/1/0/abc.png", http.StatusBadRequest},
		{"/tiles/osm/1/2/0.png", http.StatusBadRequest},
		{"/tiles/osm/1/0/0.jpg", http.StatusBadRequest},
		{"/tiles/osm/1/0/0@9x.png", http.StatusBadRequest},
		{"/tiles/osm/31/0/0.png", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(h, tt.path).Code)
		})
	}
}

func TestServeTileRejectsWhenSaturated(t *testing.T) {
	mt := &memTiles{tile: fixtureTile(), entered: make(chan struct{}, 4), release: make(chan struct{})}
	s, h := newTestServer(t, mt, func(o *imagery.Options) { o.MaxInFlight = 1 })
	t.Cleanup(mt.unblock)

	first := make(chan int, 1)
	go func() { first <- get(h, "/tiles/osm/14/8634/5374.png").Code }()
	<-mt.entered

	rr := get(h, "/tiles/osm/14/8634/5375.png")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	mt.unblock()
	select {
	case code := <-first:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("first request did not finish")
	}

	st := s.Status()
	assert.Equal(t, int64(1), st.Render.Rejected)
	assert.Equal(t, int64(1), st.Render.Rendered)
}

func TestServeTileDuringLayerSwitch(t *testing.T) {
	mt := &memTiles{tile: fixtureTile(), entered: make(chan struct{}, 4), release: make(chan struct{})}
	s, h := newTestServer(t, mt, nil)
	t.Cleanup(mt.unblock)

	code := make(chan int, 1)
	go func() { code <- get(h, "/tiles/osm/14/8634/5374.png").Code }()
	<-mt.entered

	closed, _ := s.cfg.Layers.Replace(nil)
	assert.Equal(t, []string{"osm"}, closed)

	select {
	case c := <-code:
		assert.Equal(t, http.StatusServiceUnavailable, c)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not released by the layer switch")
	}
	assert.Equal(t, http.StatusNotFound, get(h, "/tiles/osm/14/8634/5374.png").Code)
}

func TestServePick(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	ll := tile.NewExtentTransform(coords, 4096).ToLonLat(orb.Point{2000, 2000})
	target := "/pick/osm?z=14&lon=" + ftoa(ll[0]) + "&lat=" + ftoa(ll[1])
	rr := get(h, target)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         any            `json:"id"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "lake", fc.Features[0].ID)
	assert.Equal(t, "water", fc.Features[0].Properties["layer"])
	assert.Equal(t, "lake", fc.Features[0].Properties["class"])
}

func TestServePickBadRequest(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	for _, target := range []string{
		"/pick/osm",
		"/pick/osm?z=14&lon=200&lat=0",
		"/pick/osm?z=14&lon=0&lat=89",
		"/pick/osm?z=x&lon=0&lat=0",
	} {
		assert.Equal(t, http.StatusBadRequest, get(h, target).Code, target)
	}
	assert.Equal(t, http.StatusNotFound, get(h, "/pick/nope?z=1&lon=0&lat=0").Code)
}

func TestStatusHealthAndCORS(t *testing.T) {
	_, h := newTestServer(t, &memTiles{tile: fixtureTile()}, nil)

	rr := get(h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())

	rr = get(h, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Len(t, st.Layers, 1)
	assert.Equal(t, "osm", st.Layers[0].ID)
	assert.Equal(t, imagery.DefaultMaxInFlight, st.Layers[0].Provider.MaxInFlight)

	assert.Equal(t, http.StatusNotFound, get(h, "/metrics").Code)

	req := httptest.NewRequest(http.MethodOptions, "/tiles/osm/1/0/0.png", nil)
	opt := httptest.NewRecorder()
	h.ServeHTTP(opt, req)
	assert.Equal(t, http.StatusNoContent, opt.Code)
	assert.Contains(t, opt.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestParseTileParams(t *testing.T) {
	tests := []struct {
		z, x, y string
		coords  tile.Coords
		scale   float64
		ok      bool
	}{
		{"13", "4317", "2692.png", tile.NewCoords(13, 4317, 2692), 1, true},
		{"5", "1", "2@2x.png", tile.NewCoords(5, 1, 2), 2, true},
		{"5", "1", "2@1x.png", tile.NewCoords(5, 1, 2), 1, true},
		{"5", "1", "2.jpg", tile.Coords{}, 0, false},
		{"5", "1", "2@x.png", tile.Coords{}, 0, false},
		{"5", "1", "2@2.png", tile.Coords{}, 0, false},
		{"5", "32", "2.png", tile.Coords{}, 0, false},
		{"-1", "0", "0.png", tile.Coords{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.z+"/"+tt.x+"/"+tt.y, func(t *testing.T) {
			c, scale, ok := parseTileParams(tt.z, tt.x, tt.y)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.coords, c)
			assert.Equal(t, tt.scale, scale)
		})
	}
}

func TestLayersReplace(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Concurrency: 1})
	defer sched.Close()
	mt := &memTiles{tile: fixtureTile()}

	a := newLayer(t, sched, "a", imagery.Config{Tiles: mt}, nil)
	a.Fingerprint = "v1"
	b := newLayer(t, sched, "b", imagery.Config{Tiles: mt}, nil)
	b.Fingerprint = "v1"
	r := NewLayers(a, b)

	a2 := newLayer(t, sched, "a", imagery.Config{Tiles: mt}, nil)
	a2.Fingerprint = "v1"
	b2 := newLayer(t, sched, "b", imagery.Config{Tiles: mt}, nil)
	b2.Fingerprint = "v2"
	c := newLayer(t, sched, "c", imagery.Config{Tiles: mt}, nil)

	closed, kept := r.Replace([]*Layer{a2, b2, c})
	assert.Equal(t, []string{"b"}, closed)
	assert.Equal(t, []string{"a"}, kept)

	got, _ := r.Get("a")
	assert.Same(t, a, got)
	got, _ = r.Get("b")
	assert.Same(t, b2, got)
	assert.True(t, b.Provider.Status().Closed)
	assert.False(t, a.Provider.Status().Closed)

	ids := []string{}
	for _, l := range r.All() {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	r.Close()
	assert.Empty(t, r.All())
	assert.True(t, c.Provider.Status().Closed)
}

func TestMBTilesHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	w, err := mbtiles.New(path, mbtiles.Metadata{Name: "out", Format: mbtiles.FormatPNG})
	require.NoError(t, err)
	require.NoError(t, w.WriteTile(tile.NewCoords(1, 0, 1), []byte("\x89PNGfake")))
	require.NoError(t, w.Close())

	mh, err := NewMBTilesHandler(MBTilesConfig{MBTilesPath: path}, nil)
	require.NoError(t, err)
	defer mh.Close()

	s := New(Config{MBTiles: mh})
	h := s.Router()

	rr := get(h, "/mbtiles/1/0/1.png")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNGfake", rr.Body.String())

	assert.Equal(t, http.StatusNotFound, get(h, "/mbtiles/1/1/1.png").Code)
}

func ftoa(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
