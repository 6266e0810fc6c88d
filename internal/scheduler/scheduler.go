// Package scheduler runs render tasks on per-layer worker pools.
//
// Every layer key gets its own pool, created on first use. Enqueue never
// blocks and never rejects; admission is the caller's job (see CanAdmit).
// Teardown is the only way to cancel work: it drops the pool and settles all
// of its futures with ErrPoolTornDown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/MeKo-Tech/mvtimagery/internal/raster"
	"github.com/MeKo-Tech/mvtimagery/internal/style"
	"github.com/MeKo-Tech/mvtimagery/internal/surface"
	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

// DefaultFraction is the share of Concurrency each pool gets.
const DefaultFraction = 0.5

// Base error types (sentinel errors).
var (
	ErrAbandoned = errors.New("render abandoned")
	ErrRender    = errors.New("render failed")
)

// Specific errors.
var (
	ErrPoolTornDown    = fmt.Errorf("pool torn down: %w", ErrAbandoned)
	ErrSchedulerClosed = fmt.Errorf("scheduler closed: %w", ErrAbandoned)
	ErrPanic           = fmt.Errorf("worker panic: %w", ErrRender)
	ErrNoRenderer      = fmt.Errorf("no renderer: %w", ErrRender)
)

// RenderTask is one display tile to draw. The surface belongs to the worker
// until the task's future settles.
type RenderTask struct {
	Coords       tile.Coords
	Surface      surface.Surface
	ScaleFactor  float64
	LayerNames   []string
	MaximumLevel uint32
	LayerContext style.LayerContext
	// Renderer overrides Config.Renderer for this task.
	Renderer Renderer
}

// RenderResult is what a settled future carries on success.
type RenderResult struct {
	Task    RenderTask
	Stats   raster.Stats
	Elapsed time.Duration
}

// Renderer executes a task on a worker goroutine.
type Renderer interface {
	Render(ctx context.Context, task RenderTask) (raster.Stats, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, task RenderTask) (raster.Stats, error)

// Render implements Renderer.
func (f RendererFunc) Render(ctx context.Context, task RenderTask) (raster.Stats, error) {
	return f(ctx, task)
}

// Config configures a Scheduler.
type Config struct {
	// Concurrency is the host's worker budget. Zero means runtime.NumCPU().
	Concurrency int
	// Fraction of Concurrency given to each pool, rounded up, at least one
	// worker. Zero means DefaultFraction.
	Fraction float64
	Renderer Renderer
	// Yield runs after every task so a busy worker lets other goroutines
	// make progress. Defaults to runtime.Gosched.
	Yield   func(ctx context.Context)
	Metrics *Metrics
	Logger  *slog.Logger
}

// PoolStats describes one live pool.
type PoolStats struct {
	Key        string `json:"key"`
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	Active     int    `json:"active"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// Scheduler owns the pools. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	workers int

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

// New creates a scheduler. Pools are started lazily by Enqueue.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.Fraction <= 0 {
		cfg.Fraction = DefaultFraction
	}
	if cfg.Yield == nil {
		cfg.Yield = func(context.Context) { runtime.Gosched() }
	}

	workers := int(math.Ceil(float64(cfg.Concurrency) * cfg.Fraction))
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{
		cfg:     cfg,
		workers: workers,
		pools:   make(map[string]*pool),
	}
}

// PoolSize is the number of workers each pool runs.
func (s *Scheduler) PoolSize() int {
	return s.workers
}

// Enqueue appends task to the FIFO of the key's pool, creating the pool if
// needed, and returns immediately.
func (s *Scheduler) Enqueue(key string, task RenderTask) *Future[RenderResult] {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return settledFuture[RenderResult](ErrSchedulerClosed)
	}
	p, ok := s.pools[key]
	if !ok {
		p = newPool(s, key)
		s.pools[key] = p
		p.start()
		s.log().Debug("pool started", "layer_key", key, "workers", s.workers)
	}
	s.mu.Unlock()

	fut := newFuture[RenderResult]()
	if !p.push(&job{task: task, fut: fut}) {
		// lost a race with Teardown
		fut.settle(RenderResult{Task: task}, ErrPoolTornDown)
	}
	return fut
}

// CanAdmit reports whether the key's queue is shorter than maxQueuedJobs. A
// key without a pool always admits.
func (s *Scheduler) CanAdmit(key string, maxQueuedJobs int) bool {
	p := s.pool(key)
	if p == nil {
		return true
	}
	return p.depth() < maxQueuedJobs
}

// QueueDepth is the number of tasks waiting for a worker under key.
func (s *Scheduler) QueueDepth(key string) int {
	p := s.pool(key)
	if p == nil {
		return 0
	}
	return p.depth()
}

// Teardown cancels the key's pool and settles all its queued and running
// futures with ErrPoolTornDown. It does not wait for running renders to
// return. Tearing down an unknown key is a no-op.
func (s *Scheduler) Teardown(key string) {
	s.mu.Lock()
	p, ok := s.pools[key]
	if ok {
		delete(s.pools, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	n := p.teardown(ErrPoolTornDown)
	s.log().Info("pool torn down", "layer_key", key, "abandoned", n)
}

// Keys lists the live pools in sorted order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pools))
	for k := range s.pools {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Stats snapshots every live pool, sorted by key.
func (s *Scheduler) Stats() []PoolStats {
	s.mu.Lock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	out := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close tears down every pool. Later Enqueue calls return futures that
// already failed with ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	pools := s.pools
	s.pools = make(map[string]*pool)
	s.mu.Unlock()

	for _, p := range pools {
		p.teardown(ErrSchedulerClosed)
	}
}

func (s *Scheduler) pool(key string) *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[key]
}

func (s *Scheduler) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}
