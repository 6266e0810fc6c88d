package server

import (
	"sort"
	"sync"

	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/tilecache"
)

// Layer is one servable imagery layer.
type Layer struct {
	ID       string
	Provider *imagery.Provider
	// Cache is cleared when the layer is replaced. It may be shared.
	Cache *tilecache.Cache
	// Fingerprint identifies the configuration the layer was built from.
	// Replace keeps a live layer whose fingerprint did not change.
	Fingerprint string
}

// Close abandons the layer's render work and drops its decoded tiles.
func (l *Layer) Close() {
	if l.Provider != nil {
		l.Provider.Close()
	}
	if l.Cache != nil {
		l.Cache.Clear()
	}
}

// Layers is the registry of live layers. It is safe for concurrent use.
type Layers struct {
	mu   sync.RWMutex
	byID map[string]*Layer
}

// NewLayers creates a registry holding ls.
func NewLayers(ls ...*Layer) *Layers {
	r := &Layers{byID: make(map[string]*Layer, len(ls))}
	for _, l := range ls {
		r.byID[l.ID] = l
	}
	return r
}

// Get returns the live layer with the given id.
func (r *Layers) Get(id string) (*Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	return l, ok
}

// All returns the live layers sorted by id.
func (r *Layers) All() []*Layer {
	r.mu.RLock()
	out := make([]*Layer, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace switches to the next layer set. Layers that disappear or whose
// fingerprint changed are closed before the new set goes live, so their pools
// are gone before a replacement can start one under the same key. It returns
// the ids of closed layers and the ids kept unchanged.
func (r *Layers) Replace(next []*Layer) (closed, kept []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[string]*Layer, len(next))
	for _, l := range next {
		byID[l.ID] = l
	}

	for id, old := range r.byID {
		if nl, ok := byID[id]; ok && nl.Fingerprint != "" && nl.Fingerprint == old.Fingerprint {
			// the fresh copy is dropped unused; closing it would tear down
			// the pool it shares with old
			byID[id] = old
			kept = append(kept, id)
			continue
		}
		old.Close()
		closed = append(closed, id)
	}
	r.byID = byID

	sort.Strings(closed)
	sort.Strings(kept)
	return closed, kept
}

// Close closes every layer and empties the registry.
func (r *Layers) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.byID {
		l.Close()
	}
	r.byID = make(map[string]*Layer)
}
