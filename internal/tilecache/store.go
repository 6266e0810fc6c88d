package tilecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MeKo-Tech/mvtimagery/internal/vtile"
)

// store is the method set shared by lru.Cache and mapStore.
type store interface {
	Get(key string) (*vtile.Tile, bool)
	Add(key string, value *vtile.Tile) bool
	Purge()
	Len() int
}

func newStore(capacity int) store {
	if capacity <= 0 {
		return &mapStore{m: make(map[string]*vtile.Tile)}
	}
	// lru.New only fails for a non-positive size
	c, _ := lru.New[string, *vtile.Tile](capacity)
	return c
}

// mapStore never evicts. It suits caches owned by one worker or one render
// session that are dropped as a whole.
type mapStore struct {
	mu sync.RWMutex
	m  map[string]*vtile.Tile
}

func (s *mapStore) Get(key string) (*vtile.Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[key]
	return t, ok
}

func (s *mapStore) Add(key string, value *vtile.Tile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return false
}

func (s *mapStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
}

func (s *mapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
