// Package tilecache fetches, decodes and memoizes vector tiles by URL.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// Fetcher returns the raw bytes stored at url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Decoder turns a payload into a tile.
type Decoder func(data []byte) (*vtile.Tile, error)

// Config configures a Cache.
type Config struct {
	// Name labels log lines and metrics.
	Name string
	// Capacity bounds the number of decoded tiles. Zero or less means
	// unbounded.
	Capacity int
	// FetchTimeout bounds one fetch. A fetch shared by several callers is not
	// cancelled when one of them gives up.
	FetchTimeout time.Duration
	Fetcher      Fetcher
	Decoder      Decoder
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Name     string `json:"name"`
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
	Decodes  int64  `json:"decodes"`
	Failures int64  `json:"failures"`
}

// Cache maps URLs to decoded tiles. At most one fetch and decode runs per URL
// at a time, and failures are never stored, so the next request retries.
type Cache struct {
	cfg   Config
	store store
	group singleflight.Group

	// mu orders inserts against Clear so a fetch that started before a
	// Clear cannot repopulate the cache afterwards.
	mu  sync.Mutex
	gen uint64

	hits     atomic.Int64
	misses   atomic.Int64
	decodes  atomic.Int64
	failures atomic.Int64
}

// New creates a cache. A nil Fetcher makes every lookup fail.
func New(cfg Config) *Cache {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Decoder == nil {
		cfg.Decoder = vtile.Decode
	}
	return &Cache{cfg: cfg, store: newStore(cfg.Capacity)}
}

// Get returns the decoded tile for url, or nil when url is empty, the fetch
// or decode failed, or ctx ended first. Failures are logged, not returned.
func (c *Cache) Get(ctx context.Context, url string) *vtile.Tile {
	if url == "" {
		return nil
	}

	if t, ok := c.store.Get(url); ok {
		c.hits.Add(1)
		c.observe("hit")
		return t
	}
	c.misses.Add(1)
	c.observe("miss")

	ch := c.group.DoChan(url, func() (any, error) {
		return c.load(ctx, url)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil
		}
		return res.Val.(*vtile.Tile)
	case <-ctx.Done():
		return nil
	}
}

func (c *Cache) load(ctx context.Context, url string) (*vtile.Tile, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	// another flight may have finished between the lookup and this call
	if t, ok := c.store.Get(url); ok {
		return t, nil
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	data, err := c.fetch(fetchCtx, url)
	if err != nil {
		c.fail("fetch", url, err)
		return nil, err
	}

	t, err := c.cfg.Decoder(data)
	c.decodes.Add(1)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.decodes.WithLabelValues(c.cfg.Name).Inc()
	}
	if err != nil {
		if !errors.Is(err, vtile.ErrDecode) {
			err = fmt.Errorf("%w: %v", vtile.ErrDecode, err)
		}
		c.fail("decode", url, err)
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.store.Add(url, t)
	}
	c.mu.Unlock()
	c.setEntries()

	c.log().Debug("tile cached", "cache", c.cfg.Name, "url", url,
		"features", t.FeatureCount(), "ms", time.Since(start).Milliseconds())
	return t, nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	if c.cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher configured", vtile.ErrFetch)
	}
	data, err := c.cfg.Fetcher.Fetch(ctx, url)
	if err != nil {
		if !errors.Is(err, vtile.ErrNoData) {
			err = fmt.Errorf("%w: %v", vtile.ErrFetch, err)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, vtile.ErrEmptyPayload
	}
	return data, nil
}

func (c *Cache) fail(stage, url string, err error) {
	c.failures.Add(1)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.failures.WithLabelValues(c.cfg.Name, stage).Inc()
	}
	c.log().Warn("tile unavailable", "cache", c.cfg.Name, "stage", stage, "url", url, "error", err)
}

func (c *Cache) observe(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.requests.WithLabelValues(c.cfg.Name, result).Inc()
	}
}

func (c *Cache) setEntries() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.entries.WithLabelValues(c.cfg.Name).Set(float64(c.store.Len()))
	}
}

// Clear drops every cached tile. Fetches already running complete for their
// callers but are not stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.gen++
	c.store.Purge()
	c.mu.Unlock()
	c.setEntries()
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Name:     c.cfg.Name,
		Entries:  c.store.Len(),
		Capacity: c.cfg.Capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Decodes:  c.decodes.Load(),
		Failures: c.failures.Load(),
	}
}

func (c *Cache) log() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}
