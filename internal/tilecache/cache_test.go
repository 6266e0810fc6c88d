package tilecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// fakeDecoder builds a one-layer tile named after the payload.
func fakeDecoder(data []byte) (*vtile.Tile, error) {
	if string(data) == "corrupt" {
		return nil, errors.New("bad protobuf")
	}
	l := vtile.NewLayer(string(data), 0, []*vtile.Feature{vtile.NewFeature(nil, orb.Point{1, 1}, nil)})
	return &vtile.Tile{Layers: map[string]*vtile.Layer{l.Name: l}}, nil
}

type countingFetcher struct {
	calls   atomic.Int32
	payload map[string]string
	err     error
	release chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payload[url]), nil
}

func TestGetCachesDecodedTile(t *testing.T) {
	f := &countingFetcher{payload: map[string]string{"a": "roads"}}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})

	first := c.Get(context.Background(), "a")
	require.NotNil(t, first)
	_, ok := first.Layer("roads")
	assert.True(t, ok)

	second := c.Get(context.Background(), "a")
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Decodes)
	assert.Equal(t, 1, s.Entries)
}

func TestGetEmptyURL(t *testing.T) {
	f := &countingFetcher{}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})

	assert.Nil(t, c.Get(context.Background(), ""))
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, Stats{Name: "default"}, c.Stats())
}

func TestFailuresAreNotCached(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *countingFetcher
	}{
		{"fetch error", &countingFetcher{err: &vtile.StatusError{URL: "a", Status: 503}}},
		{"empty body", &countingFetcher{payload: map[string]string{"a": ""}}},
		{"decode error", &countingFetcher{payload: map[string]string{"a": "corrupt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Fetcher: tt.fetcher, Decoder: fakeDecoder})

			assert.Nil(t, c.Get(context.Background(), "a"))
			assert.Nil(t, c.Get(context.Background(), "a"))
			assert.Equal(t, int32(2), tt.fetcher.calls.Load(), "a failure must be retried")
			assert.Zero(t, c.Len())
			assert.Equal(t, int64(2), c.Stats().Failures)
		})
	}
}

func TestNilFetcher(t *testing.T) {
	c := New(Config{})
	assert.Nil(t, c.Get(context.Background(), "a"))
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestLRUBound(t *testing.T) {
	f := &countingFetcher{payload: map[string]string{"a": "a", "b": "b", "c": "c"}}
	c := New(Config{Capacity: 2, Fetcher: f, Decoder: fakeDecoder})
	ctx := context.Background()

	c.Get(ctx, "a")
	c.Get(ctx, "b")
	c.Get(ctx, "a") // a is now most recent
	c.Get(ctx, "c") // evicts b
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(3), f.calls.Load())

	c.Get(ctx, "a")
	assert.Equal(t, int32(3), f.calls.Load())
	c.Get(ctx, "b")
	assert.Equal(t, int32(4), f.calls.Load())
}

func TestUnboundedStore(t *testing.T) {
	payload := map[string]string{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		payload[k] = k
	}
	f := &countingFetcher{payload: payload}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})
	for k := range payload {
		require.NotNil(t, c.Get(context.Background(), k))
	}
	assert.Equal(t, 5, c.Len())
}

func TestConcurrentMissesCollapse(t *testing.T) {
	f := &countingFetcher{payload: map[string]string{"a": "a"}, release: make(chan struct{})}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})

	const n = 16
	var wg sync.WaitGroup
	results := make([]*vtile.Tile, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background(), "a")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), c.Stats().Decodes)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestGetHonorsContext(t *testing.T) {
	f := &countingFetcher{payload: map[string]string{"a": "a"}, release: make(chan struct{})}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *vtile.Tile)
	go func() { done <- c.Get(ctx, "a") }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after cancellation")
	}

	// the shared fetch keeps going and lands in the cache
	close(f.release)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClearDropsEntriesAndInFlightInserts(t *testing.T) {
	f := &countingFetcher{payload: map[string]string{"a": "a"}}
	c := New(Config{Fetcher: f, Decoder: fakeDecoder})

	require.NotNil(t, c.Get(context.Background(), "a"))
	c.Clear()
	assert.Zero(t, c.Len())

	f.release = make(chan struct{})
	done := make(chan *vtile.Tile)
	go func() { done <- c.Get(context.Background(), "a") }()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, time.Millisecond)
	c.Clear()
	close(f.release)

	assert.NotNil(t, <-done, "the caller still gets its tile")
	assert.Zero(t, c.Len(), "but it is not stored after a Clear")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := &countingFetcher{payload: map[string]string{"a": "a", "bad": "corrupt"}}
	c := New(Config{Name: "osm", Fetcher: f, Decoder: fakeDecoder, Metrics: m})

	c.Get(context.Background(), "a")
	c.Get(context.Background(), "a")
	c.Get(context.Background(), "bad")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("osm", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("osm", "miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decodes.WithLabelValues("osm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("osm", "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries.WithLabelValues("osm")))
}
