// Package imagery ties the tile cache, scheduler, raster pipeline and picker
// together behind one vector tile layer.
package imagery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MeKo-Tech/mvtimagery/internal/pick"
	"github.com/MeKo-Tech/mvtimagery/internal/raster"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
	"github.com/MeKo-Tech/mvtimagery/internal/surface/ggsurface"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

const (
	DefaultMaximumLevel  = 14
	DefaultMaxQueuedJobs = 64
	DefaultMaxInFlight   = 32
	// MaxScaleFactor bounds the device pixel ratio of one request.
	MaxScaleFactor = 4
)

var (
	// ErrAdmissionRejected means one of the admission gates is closed. The
	// caller should retry later.
	ErrAdmissionRejected = errors.New("imagery: admission rejected")
	ErrClosed            = errors.New("imagery: provider closed")
	ErrInvalidOptions    = errors.New("imagery: invalid options")
)

// Options describe one imagery layer.
type Options struct {
	// Key names the scheduler pool. Providers sharing a key share workers.
	Key          string
	URLTemplate  string
	MaximumLevel uint32
	TileSize     int
	LayerNames   []string
	LayerContext style.LayerContext
	// MaxQueuedJobs is the per key queue ceiling checked through
	// Scheduler.CanAdmit.
	MaxQueuedJobs int
	// MaxInFlight caps requests this provider has accepted and not yet
	// settled.
	MaxInFlight int
	Padding     float64
	Resolver    style.Resolver
	Thresholds  pick.Thresholds
	Selector    pick.Selector
}

// Validate checks the options without applying defaults.
func (o Options) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidOptions)
	}
	if o.URLTemplate == "" {
		return fmt.Errorf("%w: %s: empty url template", ErrInvalidOptions, o.Key)
	}
	if len(o.LayerNames) == 0 {
		return fmt.Errorf("%w: %s: no layer names", ErrInvalidOptions, o.Key)
	}
	if o.MaximumLevel > 30 {
		return fmt.Errorf("%w: %s: maximum level %d out of range", ErrInvalidOptions, o.Key, o.MaximumLevel)
	}
	return nil
}

// Config wires a Provider to its collaborators.
type Config struct {
	Options   Options
	Scheduler *scheduler.Scheduler
	Tiles     pick.TileGetter
	// Surfaces creates the canvas for each request. Defaults to gg.
	Surfaces surface.Factory
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Status is a snapshot of the provider's admission state.
type Status struct {
	Key           string `json:"key"`
	InFlight      int32  `json:"in_flight"`
	MaxInFlight   int    `json:"max_in_flight"`
	QueueDepth    int    `json:"queue_depth"`
	MaxQueuedJobs int    `json:"max_queued_jobs"`
	Rejected      int64  `json:"rejected"`
	Closed        bool   `json:"closed"`
}

// Provider renders and picks tiles of one vector layer.
type Provider struct {
	opts     Options
	sched    *scheduler.Scheduler
	tiles    pick.TileGetter
	surfaces surface.Factory
	pipeline *raster.Pipeline
	picker   *pick.Picker
	metrics  *Metrics
	logger   *slog.Logger

	inFlight atomic.Int32
	rejected atomic.Int64
	closed   atomic.Bool
}

// New validates the options and builds a provider.
func New(cfg Config) (*Provider, error) {
	opts := cfg.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scheduler == nil || cfg.Tiles == nil {
		return nil, fmt.Errorf("%w: %s: scheduler and tiles are required", ErrInvalidOptions, opts.Key)
	}
	if opts.MaximumLevel == 0 {
		opts.MaximumLevel = DefaultMaximumLevel
	}
	if opts.TileSize <= 0 {
		opts.TileSize = raster.DefaultTileSize
	}
	if opts.MaxQueuedJobs <= 0 {
		opts.MaxQueuedJobs = DefaultMaxQueuedJobs
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Surfaces == nil {
		cfg.Surfaces = ggsurface.Factory
	}

	p := &Provider{
		opts:     opts,
		sched:    cfg.Scheduler,
		tiles:    cfg.Tiles,
		surfaces: cfg.Surfaces,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	p.pipeline = raster.New(raster.Config{
		TileSize: float64(opts.TileSize),
		Padding:  opts.Padding,
		Resolver: opts.Resolver,
		Logger:   cfg.Logger,
	})
	p.picker = pick.New(pick.Config{
		Tiles:        cfg.Tiles,
		URLTemplate:  opts.URLTemplate,
		MaximumLevel: opts.MaximumLevel,
		LayerNames:   opts.LayerNames,
		Thresholds:   opts.Thresholds,
		Selector:     opts.Selector,
		Logger:       cfg.Logger,
	})
	return p, nil
}

// Options returns the effective options.
func (p *Provider) Options() Options { return p.opts }

// Key returns the scheduler pool key.
func (p *Provider) Key() string { return p.opts.Key }

// RequestImage admits and enqueues a render of coords at the given scale
// factor. It returns ErrAdmissionRejected when the key's queue is full or the
// provider has MaxInFlight requests outstanding. It does not wait for the
// render.
func (p *Provider) RequestImage(coords tile.Coords, scaleFactor float64) (*Request, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if scaleFactor <= 0 || math.IsNaN(scaleFactor) {
		scaleFactor = 1
	}
	scaleFactor = math.Min(scaleFactor, MaxScaleFactor)

	if !p.sched.CanAdmit(p.opts.Key, p.opts.MaxQueuedJobs) {
		return nil, p.reject(GateQueue)
	}
	if !p.acquire() {
		return nil, p.reject(GateInFlight)
	}

	size := int(math.Ceil(float64(p.opts.TileSize) * scaleFactor))
	canvas := p.surfaces(size, size)

	fut := p.sched.Enqueue(p.opts.Key, scheduler.RenderTask{
		Coords:       coords,
		Surface:      canvas,
		ScaleFactor:  scaleFactor,
		LayerNames:   p.opts.LayerNames,
		MaximumLevel: p.opts.MaximumLevel,
		LayerContext: p.opts.LayerContext,
		Renderer:     p,
	})
	go p.release(fut)

	return &Request{fut: fut, canvas: canvas, Coords: coords, ScaleFactor: scaleFactor}, nil
}

// RenderPNG requests an image, waits for it and encodes it.
func (p *Provider) RenderPNG(ctx context.Context, coords tile.Coords, scaleFactor float64) ([]byte, raster.Stats, error) {
	req, err := p.RequestImage(coords, scaleFactor)
	if err != nil {
		return nil, raster.Stats{}, err
	}
	img, err := req.Await(ctx)
	if err != nil {
		return nil, raster.Stats{}, err
	}
	defer img.Close()

	data, err := img.PNG()
	if err != nil {
		return nil, img.Stats, err
	}
	return data, img.Stats, nil
}

// Render implements scheduler.Renderer. It runs on a worker goroutine.
func (p *Provider) Render(ctx context.Context, task scheduler.RenderTask) (raster.Stats, error) {
	url := tile.DataURL(p.opts.URLTemplate, task.Coords, task.MaximumLevel)
	t := p.tiles.Get(ctx, url)
	if err := ctx.Err(); err != nil {
		return raster.Stats{}, err
	}
	return p.pipeline.Render(task.Surface, task.Coords, task.ScaleFactor, task.LayerNames, task.LayerContext, t, task.MaximumLevel)
}

// PickFeatures hit-tests the provider's layers at (lon, lat) on the display
// tile coords. It runs on the calling goroutine and bypasses admission.
func (p *Provider) PickFeatures(ctx context.Context, coords tile.Coords, lon, lat float64) ([]pick.FeatureInfo, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	hits, err := p.picker.Pick(ctx, coords, lon, lat, p.opts.LayerContext)
	if err != nil {
		return nil, err
	}
	p.metrics.picked(p.opts.Key, len(hits))
	return hits, nil
}

// Status snapshots the admission state.
func (p *Provider) Status() Status {
	return Status{
		Key:           p.opts.Key,
		InFlight:      p.inFlight.Load(),
		MaxInFlight:   p.opts.MaxInFlight,
		QueueDepth:    p.sched.QueueDepth(p.opts.Key),
		MaxQueuedJobs: p.opts.MaxQueuedJobs,
		Rejected:      p.rejected.Load(),
		Closed:        p.closed.Load(),
	}
}

// Close tears down the provider's pool, abandoning its queued and running
// renders. Other providers on the same key lose their work too.
func (p *Provider) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.sched.Teardown(p.opts.Key)
}

// acquire takes an in-flight slot unless all are taken.
func (p *Provider) acquire() bool {
	limit := int32(p.opts.MaxInFlight)
	for {
		n := p.inFlight.Load()
		if n >= limit {
			return false
		}
		if p.inFlight.CompareAndSwap(n, n+1) {
			p.metrics.setInFlight(p.opts.Key, n+1)
			return true
		}
	}
}

// release frees the in-flight slot once the render settles, whatever the
// outcome.
func (p *Provider) release(fut *scheduler.Future[scheduler.RenderResult]) {
	<-fut.Done()
	p.metrics.setInFlight(p.opts.Key, p.inFlight.Add(-1))
}

func (p *Provider) reject(gate string) error {
	p.rejected.Add(1)
	p.metrics.reject(p.opts.Key, gate)
	p.log().Debug("request rejected", "layer_key", p.opts.Key, "gate", gate)
	return fmt.Errorf("%w: %s gate", ErrAdmissionRejected, gate)
}

func (p *Provider) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}
