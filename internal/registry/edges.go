package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/graph"
)

// EdgeTierFor derives an edge tier from its endpoint tiers. An empty tier
// means the endpoint is unknown, which makes the edge Ephemeral. Otherwise
// the more fluid endpoint wins: Ephemeral > Cached > Durable.
func EdgeTierFor(from, to graph.Tier) graph.Tier {
	if from == "" || to == "" {
		return graph.Ephemeral
	}
	return graph.MoreFluid(from, to)
}

// DesiredEdgeTier returns the tier an edge between the two ids should have
// given the nodes currently in memory.
func (r *Registry) DesiredEdgeTier(fromID, toID string) graph.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desiredLocked(graph.Key(fromID), graph.Key(toID))
}

// desiredLocked expects normalised keys and r.mu held. Before
// initialization every edge is Ephemeral: its endpoints are not resolved yet.
func (r *Registry) desiredLocked(from, to string) graph.Tier {
	if !r.initialized {
		return graph.Ephemeral
	}
	ft, _ := r.tierOf(from)
	tt, _ := r.tierOf(to)
	return EdgeTierFor(ft, tt)
}

// UpsertEdge stores e under the tier derived from its endpoints. When the
// derived tier differs from the stored one, the old backend row is removed.
func (r *Registry) UpsertEdge(e graph.Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.warnUninitialized("upsert edge", e.Key().String())

	e = e.Clone()
	k := e.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.desiredLocked(k.From, k.To)
	if prev, ok := r.edges[k]; ok && prev.Tier != want {
		r.deleteEdgeRowLocked(k, prev.Tier)
	}
	rec := graph.EdgeRecord{Edge: e, Tier: want}
	r.putEdgeLocked(k, rec)
	r.saveEdgeRowLocked(rec)
	return nil
}

// ReevaluateEdgesForNode re-derives the tier of every edge touching id and
// moves edges whose tier changed. It returns the number of edges moved.
func (r *Registry) ReevaluateEdgesForNode(id string) int {
	return r.reevaluate(graph.Key(id), false)
}

// reevaluate re-derives incident edges of key. With refresh set, Cached
// edges that keep their tier are re-saved so their cache expiry follows the
// node's.
func (r *Registry) reevaluate(key string, refresh bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	moved := 0
	for k := range r.adjacency[key] {
		rec := r.edges[k]
		if rec == nil {
			continue
		}
		want := r.desiredLocked(k.From, k.To)
		if want != rec.Tier {
			r.transitionLocked(rec, want)
			moved++
			continue
		}
		if refresh && rec.Tier == graph.Cached {
			r.saveEdgeRowLocked(*rec)
		}
	}
	return moved
}

// transitionLocked moves rec to tier to: the row leaves its previous backend
// (nothing to do for Ephemeral) and is written to the new one (nothing for
// Ephemeral).
func (r *Registry) transitionLocked(rec *graph.EdgeRecord, to graph.Tier) {
	from := rec.Tier
	k := rec.Edge.Key()
	r.deleteEdgeRowLocked(k, from)
	rec.Tier = to
	r.saveEdgeRowLocked(*rec)
	r.log.Debug("edge tier transition",
		zap.String("edge", k.String()), zap.String("from", string(from)), zap.String("to", string(to)))
}

func (r *Registry) saveEdgeRowLocked(rec graph.EdgeRecord) {
	b := r.backendFor(rec.Tier)
	if b == nil {
		return
	}
	k := rec.Edge.Key()
	snapshot := graph.EdgeRecord{Edge: rec.Edge.Clone(), Tier: rec.Tier}
	r.writes.submit(job{key: "edge:" + k.String(), op: "save edge", id: k.String(), tier: rec.Tier,
		run: func(ctx context.Context) error { return b.SaveEdge(ctx, snapshot) }})
}

func (r *Registry) deleteEdgeRowLocked(k graph.EdgeKey, tier graph.Tier) {
	b := r.backendFor(tier)
	if b == nil {
		return
	}
	r.writes.submit(job{key: "edge:" + k.String(), op: "delete edge", id: k.String(), tier: tier,
		run: func(ctx context.Context) error { return b.DeleteEdge(ctx, k) }})
}

func (r *Registry) putEdgeLocked(k graph.EdgeKey, rec graph.EdgeRecord) {
	stored := rec
	r.edges[k] = &stored
	for _, id := range []string{k.From, k.To} {
		adj := r.adjacency[id]
		if adj == nil {
			adj = make(map[graph.EdgeKey]struct{})
			r.adjacency[id] = adj
		}
		adj[k] = struct{}{}
	}
}

func (r *Registry) removeEdgeLocked(k graph.EdgeKey) (*graph.EdgeRecord, bool) {
	rec, ok := r.edges[k]
	if !ok {
		return nil, false
	}
	delete(r.edges, k)
	for _, id := range []string{k.From, k.To} {
		if adj := r.adjacency[id]; adj != nil {
			delete(adj, k)
			if len(adj) == 0 {
				delete(r.adjacency, id)
			}
		}
	}
	return rec, true
}

// dropEdgesForLocked removes every edge incident to key, deleting the
// persisted rows of durable and cached edges.
func (r *Registry) dropEdgesForLocked(key string) int {
	keys := make([]graph.EdgeKey, 0, len(r.adjacency[key]))
	for k := range r.adjacency[key] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if rec, ok := r.removeEdgeLocked(k); ok {
			r.deleteEdgeRowLocked(k, rec.Tier)
		}
	}
	return len(keys)
}

// DeleteEdge removes one edge from memory and from its backend.
func (r *Registry) DeleteEdge(k graph.EdgeKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.removeEdgeLocked(k)
	if ok {
		r.deleteEdgeRowLocked(k, rec.Tier)
	}
	return ok
}

// Edge returns the record stored under k.
func (r *Registry) Edge(k graph.EdgeKey) (graph.EdgeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.edges[k]
	if !ok {
		return graph.EdgeRecord{}, false
	}
	return graph.EdgeRecord{Edge: rec.Edge.Clone(), Tier: rec.Tier}, true
}

// AllEdges returns every edge record sorted by key.
func (r *Registry) AllEdges() []graph.EdgeRecord {
	return r.collectEdges(func(graph.EdgeKey) bool { return true }, nil)
}

// EdgesFrom returns edges whose source is id.
func (r *Registry) EdgesFrom(id string) []graph.EdgeRecord {
	key := graph.Key(id)
	return r.collectEdges(func(k graph.EdgeKey) bool { return k.From == key }, &key)
}

// EdgesTo returns edges whose target is id.
func (r *Registry) EdgesTo(id string) []graph.EdgeRecord {
	key := graph.Key(id)
	return r.collectEdges(func(k graph.EdgeKey) bool { return k.To == key }, &key)
}

// collectEdges filters the edge index, narrowing to one adjacency set when
// an endpoint is given.
func (r *Registry) collectEdges(keep func(graph.EdgeKey) bool, endpoint *string) []graph.EdgeRecord {
	r.mu.RLock()
	var out []graph.EdgeRecord
	add := func(k graph.EdgeKey) {
		if rec := r.edges[k]; rec != nil && keep(k) {
			out = append(out, graph.EdgeRecord{Edge: rec.Edge.Clone(), Tier: rec.Tier})
		}
	}
	if endpoint != nil {
		for k := range r.adjacency[*endpoint] {
			add(k)
		}
	} else {
		for k := range r.edges {
			add(k)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Edge.Key().String() < out[j].Edge.Key().String() })
	return out
}

// AllEdgesContext reconciles the edge index with both backends, hydrating
// rows missing from memory (durable first) and re-deriving their tiers.
func (r *Registry) AllEdgesContext(ctx context.Context) ([]graph.EdgeRecord, error) {
	var sets [][]graph.EdgeRecord
	for _, src := range []struct {
		b    Backend
		tier graph.Tier
	}{{r.durable, graph.Durable}, {r.cache, graph.Cached}} {
		if src.b == nil {
			continue
		}
		recs, err := src.b.LoadEdges(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s edges: %w", src.tier, err)
		}
		sets = append(sets, recs)
	}

	r.mu.Lock()
	for _, set := range sets {
		for _, rec := range set {
			k := rec.Edge.Key()
			if _, ok := r.edges[k]; ok {
				continue
			}
			r.putEdgeLocked(k, rec)
			if want := r.desiredLocked(k.From, k.To); want != rec.Tier {
				r.transitionLocked(r.edges[k], want)
			}
		}
	}
	r.mu.Unlock()
	return r.AllEdges(), nil
}
