package imagery

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
	"github.com/MeKo-Tech/mvtimagery/internal/surface/surfacetest"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

var coords = tile.Coords{Z: 14, X: 8634, Y: 5374}

func fixture() *vtile.Tile {
	water := vtile.NewLayer("water", 4096, []*vtile.Feature{
		vtile.NewFeature("lake", orb.Polygon{
			{{1000, 1000}, {3000, 1000}, {3000, 3000}, {1000, 3000}, {1000, 1000}},
		}, nil),
	})
	return &vtile.Tile{Layers: map[string]*vtile.Layer{"water": water}}
}

// gatedTiles serves one tile. With a release channel every Get parks until
// released or cancelled.
type gatedTiles struct {
	tile    *vtile.Tile
	entered chan string
	release chan struct{}

	mu   sync.Mutex
	urls []string
}

func (g *gatedTiles) Get(ctx context.Context, url string) *vtile.Tile {
	g.mu.Lock()
	g.urls = append(g.urls, url)
	g.mu.Unlock()

	if g.release != nil {
		g.entered <- url
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil
		}
	}
	return g.tile
}

func (g *gatedTiles) URLs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.urls...)
}

func gated() *gatedTiles {
	return &gatedTiles{tile: fixture(), entered: make(chan string, 16), release: make(chan struct{})}
}

type recorders struct {
	mu  sync.Mutex
	all []*surfacetest.Recorder
}

func (r *recorders) factory(w, h int) surface.Canvas {
	rec := surfacetest.Factory(w, h).(*surfacetest.Recorder)
	r.mu.Lock()
	r.all = append(r.all, rec)
	r.mu.Unlock()
	return rec
}

func options() Options {
	return Options{
		Key:          "osm",
		URLTemplate:  "mem://{z}/{x}/{y}",
		MaximumLevel: 14,
		LayerNames:   []string{"water"},
		Resolver:     style.Fixed(style.Style{FillColor: color.White}),
	}
}

func newProvider(t *testing.T, opts Options, tiles *gatedTiles, m *Metrics) (*Provider, *recorders) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Concurrency: 1, Fraction: 1})
	t.Cleanup(sched.Close)

	recs := &recorders{}
	p, err := New(Config{
		Options:   opts,
		Scheduler: sched,
		Tiles:     tiles,
		Surfaces:  recs.factory,
		Metrics:   m,
	})
	require.NoError(t, err)
	return p, recs
}

func await(t *testing.T, r *Request) (*Image, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	img, err := r.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return img, err
}

func TestRequestImage(t *testing.T) {
	tiles := &gatedTiles{tile: fixture()}
	p, recs := newProvider(t, options(), tiles, nil)

	req, err := p.RequestImage(coords, 2)
	require.NoError(t, err)
	img, err := await(t, req)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, 1, img.Stats.Drawn)
	assert.Equal(t, coords, img.Coords)
	require.Len(t, recs.all, 1)
	w, h := recs.all[0].Size()
	assert.Equal(t, 512, w)
	assert.Equal(t, 512, h)
	assert.Equal(t, 1, recs.all[0].Count("Fill"))
	assert.Equal(t, []string{"mem://14/8634/5374"}, tiles.URLs())
}

func TestRequestImageOverZoomUsesAncestor(t *testing.T) {
	tiles := &gatedTiles{tile: fixture()}
	p, _ := newProvider(t, options(), tiles, nil)

	req, err := p.RequestImage(tile.Coords{Z: 16, X: coords.X*4 + 3, Y: coords.Y * 4}, 1)
	require.NoError(t, err)
	_, err = await(t, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://14/8634/5374"}, tiles.URLs())
}

func TestRenderPNG(t *testing.T) {
	p, _ := newProvider(t, options(), &gatedTiles{tile: fixture()}, nil)

	data, stats, err := p.RenderPNG(context.Background(), coords, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
	assert.Equal(t, 1, stats.Drawn)
}

func TestRenderWithoutDataIsBlank(t *testing.T) {
	p, recs := newProvider(t, options(), &gatedTiles{}, nil)

	req, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	img, err := await(t, req)
	require.NoError(t, err)
	assert.Zero(t, img.Stats.Drawn)
	assert.Zero(t, recs.all[0].Count("Fill"))
}

func TestQueueGate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tiles := gated()
	opts := options()
	opts.MaxQueuedJobs = 1
	opts.MaxInFlight = 10
	p, _ := newProvider(t, opts, tiles, m)

	first, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	<-tiles.entered

	second, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status().QueueDepth)

	_, err = p.RequestImage(coords, 1)
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, int64(1), p.Status().Rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("osm", GateQueue)))

	close(tiles.release)
	_, err = await(t, first)
	require.NoError(t, err)
	_, err = await(t, second)
	require.NoError(t, err)
}

func TestInFlightGate(t *testing.T) {
	tiles := gated()
	opts := options()
	opts.MaxQueuedJobs = 10
	opts.MaxInFlight = 1
	p, _ := newProvider(t, opts, tiles, nil)

	first, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	<-tiles.entered
	assert.Equal(t, int32(1), p.Status().InFlight)

	_, err = p.RequestImage(coords, 1)
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Contains(t, err.Error(), GateInFlight)

	close(tiles.release)
	_, err = await(t, first)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Status().InFlight == 0 }, time.Second, 5*time.Millisecond)
	again, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	_, err = await(t, again)
	require.NoError(t, err)
}

func TestCloseAbandonsWork(t *testing.T) {
	tiles := gated()
	p, _ := newProvider(t, options(), tiles, nil)

	running, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	<-tiles.entered
	queued, err := p.RequestImage(coords, 1)
	require.NoError(t, err)

	p.Close()
	p.Close()

	_, err = await(t, running)
	assert.ErrorIs(t, err, scheduler.ErrPoolTornDown)
	_, err = await(t, queued)
	assert.ErrorIs(t, err, scheduler.ErrPoolTornDown)

	require.Eventually(t, func() bool { return p.Status().InFlight == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Status().Closed)

	_, err = p.RequestImage(coords, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.PickFeatures(context.Background(), coords, 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

// failingCanvas records like a Recorder but rejects every fill.
type failingCanvas struct {
	*surfacetest.Recorder
}

func (failingCanvas) Fill() error { return errors.New("fill rejected") }

func TestFailedRenderClosesCanvas(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Concurrency: 1, Fraction: 1})
	t.Cleanup(sched.Close)

	var canvases []*surfacetest.Recorder
	p, err := New(Config{
		Options:   options(),
		Scheduler: sched,
		Tiles:     &gatedTiles{tile: fixture()},
		Surfaces: func(w, h int) surface.Canvas {
			rec := surfacetest.Factory(w, h).(*surfacetest.Recorder)
			canvases = append(canvases, rec)
			return failingCanvas{rec}
		},
	})
	require.NoError(t, err)

	req, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	img, err := await(t, req)
	assert.Nil(t, img)
	assert.ErrorIs(t, err, scheduler.ErrRender)

	require.Len(t, canvases, 1)
	assert.True(t, canvases[0].Closed())

	_, err = await(t, req)
	assert.ErrorIs(t, err, scheduler.ErrRender)
}

func TestAbandonedRenderKeepsCanvas(t *testing.T) {
	tiles := gated()
	p, recs := newProvider(t, options(), tiles, nil)

	running, err := p.RequestImage(coords, 1)
	require.NoError(t, err)
	<-tiles.entered
	p.Close()

	_, err = await(t, running)
	assert.ErrorIs(t, err, scheduler.ErrPoolTornDown)
	require.Len(t, recs.all, 1)
	assert.False(t, recs.all[0].Closed())
}

func TestPickFeatures(t *testing.T) {
	p, _ := newProvider(t, options(), &gatedTiles{tile: fixture()}, nil)

	ll := tile.NewExtentTransform(coords, 4096).ToLonLat(orb.Point{2000, 2000})
	hits, err := p.PickFeatures(context.Background(), coords, ll[0], ll[1])
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "lake", hits[0].ID)
	assert.Equal(t, "water", hits[0].Layer)

	ll = tile.NewExtentTransform(coords, 4096).ToLonLat(orb.Point{100, 100})
	hits, err = p.PickFeatures(context.Background(), coords, ll[0], ll[1])
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNewValidates(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Concurrency: 1})
	defer sched.Close()
	tiles := &gatedTiles{}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"empty key", func(o *Options) { o.Key = "" }},
		{"empty template", func(o *Options) { o.URLTemplate = "" }},
		{"no layers", func(o *Options) { o.LayerNames = nil }},
		{"level out of range", func(o *Options) { o.MaximumLevel = 31 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options()
			tt.mutate(&opts)
			_, err := New(Config{Options: opts, Scheduler: sched, Tiles: tiles})
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	_, err := New(Config{Options: options(), Tiles: tiles})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	p, err := New(Config{Options: Options{Key: "k", URLTemplate: "x", LayerNames: []string{"a"}}, Scheduler: sched, Tiles: tiles})
	require.NoError(t, err)
	o := p.Options()
	assert.Equal(t, uint32(DefaultMaximumLevel), o.MaximumLevel)
	assert.Equal(t, 256, o.TileSize)
	assert.Equal(t, DefaultMaxQueuedJobs, o.MaxQueuedJobs)
	assert.Equal(t, DefaultMaxInFlight, o.MaxInFlight)
}
