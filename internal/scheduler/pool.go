package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/mvtimagery/internal/raster"
)

type job struct {
	task RenderTask
	fut  *Future[RenderResult]
}

// pool is the worker group of one layer key. Workers take jobs in FIFO
// order; queue depth counts jobs no worker has picked up yet.
type pool struct {
	s   *Scheduler
	key string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job
	running map[*job]struct{}
	closed  bool

	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

func newPool(s *Scheduler, key string) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		s:       s,
		key:     key,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[*job]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pool) start() {
	for i := 0; i < p.s.workers; i++ {
		go p.worker()
	}
}

// push appends j unless the pool is already torn down.
func (p *pool) push(j *job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, j)
	p.s.cfg.Metrics.setDepth(p.key, len(p.queue))
	p.mu.Unlock()

	p.cond.Signal()
	return true
}

// next blocks until a job is available. It returns false once the pool is
// torn down.
func (p *pool) next() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}

	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.running[j] = struct{}{}
	p.s.cfg.Metrics.setDepth(p.key, len(p.queue))
	return j, true
}

func (p *pool) finish(j *job) (live bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, j)
	return !p.closed
}

func (p *pool) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *pool) worker() {
	for {
		j, ok := p.next()
		if !ok {
			return
		}

		p.s.cfg.Metrics.setActive(p.key, int(p.active.Add(1)))
		start := time.Now()
		stats, outcome, err := p.execute(j.task)
		elapsed := time.Since(start)
		active := int(p.active.Add(-1))

		if !p.finish(j) {
			// torn down while rendering, the future is already settled
			return
		}
		p.s.cfg.Metrics.setActive(p.key, active)
		p.s.cfg.Metrics.observe(p.key, outcome, elapsed.Seconds())

		if err != nil {
			p.failed.Add(1)
			p.s.log().Warn("render task failed",
				"layer_key", p.key,
				"coords", j.task.Coords.String(),
				"error", err,
				"ms", elapsed.Milliseconds())
		} else {
			p.completed.Add(1)
		}
		j.fut.settle(RenderResult{Task: j.task, Stats: stats, Elapsed: elapsed}, err)

		p.s.cfg.Yield(p.ctx)
	}
}

// execute runs the renderer, turning a panic into ErrPanic.
func (p *pool) execute(task RenderTask) (stats raster.Stats, outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stats, outcome, err = raster.Stats{}, OutcomePanic, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	r := task.Renderer
	if r == nil {
		r = p.s.cfg.Renderer
	}
	if r == nil {
		return raster.Stats{}, OutcomeError, ErrNoRenderer
	}

	stats, err = r.Render(p.ctx, task)
	if err != nil {
		return stats, OutcomeError, fmt.Errorf("%w: %w", ErrRender, err)
	}
	return stats, OutcomeOK, nil
}

// teardown cancels the pool and settles every queued and running future
// with err. It returns the number of abandoned tasks.
func (p *pool) teardown(err error) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	abandoned := make([]*job, 0, len(p.queue)+len(p.running))
	abandoned = append(abandoned, p.queue...)
	for j := range p.running {
		abandoned = append(abandoned, j)
	}
	p.queue = nil
	p.running = make(map[*job]struct{})
	p.mu.Unlock()

	p.cond.Broadcast()
	p.cancel()

	n := 0
	for _, j := range abandoned {
		if j.fut.settle(RenderResult{Task: j.task}, err) {
			n++
		}
	}
	p.s.cfg.Metrics.abandon(p.key, n)
	return n
}

func (p *pool) stats() PoolStats {
	return PoolStats{
		Key:        p.key,
		Workers:    p.s.workers,
		QueueDepth: p.depth(),
		Active:     int(p.active.Load()),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}
