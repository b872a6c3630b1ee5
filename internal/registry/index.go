package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/lazypower/strata/internal/graph"
)

// entry is a node held in a tier index. expiresAt is only set for Cached nodes.
type entry struct {
	node      graph.Node
	expiresAt time.Time
}

// tierIndex is a concurrent map from normalised id to node for one tier.
// It carries no cross-id invariants, so it is guarded by its own lock and
// never by the registry lock.
type tierIndex struct {
	mu sync.RWMutex
	m  map[string]entry
}

func newTierIndex() *tierIndex {
	return &tierIndex{m: make(map[string]entry)}
}

func (ix *tierIndex) load(key string) (entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.m[key]
	return e, ok
}

func (ix *tierIndex) store(key string, e entry) {
	ix.mu.Lock()
	ix.m[key] = e
	ix.mu.Unlock()
}

func (ix *tierIndex) remove(key string) (entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.m[key]
	if ok {
		delete(ix.m, key)
	}
	return e, ok
}

func (ix *tierIndex) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.m)
}

// snapshot returns the entries sorted by key.
func (ix *tierIndex) snapshot() []entry {
	ix.mu.RLock()
	out := make([]entry, 0, len(ix.m))
	for _, e := range ix.m {
		out = append(out, e)
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].node.Key() < out[j].node.Key() })
	return out
}

// expired returns keys whose expiry is at or before now.
func (ix *tierIndex) expired(now time.Time) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var keys []string
	for k, e := range ix.m {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	return keys
}
