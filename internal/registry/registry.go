// Package registry is the tiered object registry: an in-memory view of
// every node and edge, placed in the Durable, Cached or Ephemeral tier,
// with write-behind persistence to the durable and cache backends.
//
// Synchronous calls (Upsert, Get, the list reads) only touch memory and
// enqueue backend work. Initialize, Lookup and the *Context reads are the
// calls that wait on backend I/O.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/logging"
	"github.com/lazypower/strata/internal/store"
)

// Backend is the persistence surface the registry writes behind.
// *store.Backend implements it for both the durable and the cache store.
type Backend interface {
	SaveNode(ctx context.Context, n graph.Node) error
	DeleteNode(ctx context.Context, id string) error
	GetNode(ctx context.Context, id string) (store.NodeRecord, bool, error)
	LoadNodes(ctx context.Context) ([]store.NodeRecord, error)
	LoadNodesByType(ctx context.Context, typeID string) ([]store.NodeRecord, error)
	SaveEdge(ctx context.Context, rec graph.EdgeRecord) error
	DeleteEdge(ctx context.Context, k graph.EdgeKey) error
	DeleteEdgesFor(ctx context.Context, id string) error
	LoadEdges(ctx context.Context) ([]graph.EdgeRecord, error)
}

// batchSaver is implemented by backends that can save many nodes in one
// transaction. The write pool coalesces queued node saves through it.
type batchSaver interface {
	SaveBatch(ctx context.Context, nodes []graph.Node) error
}

// sweeper is implemented by backends that expire rows.
type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options configures a Registry. Zero values pick defaults.
type Options struct {
	Logger     *zap.Logger
	Workers    int
	QueueSize  int // per worker
	CacheTTL   time.Duration
	DeriveTier graph.Tier // tier Lookup derives missing objects into
	Clock      func() time.Time
}

const keyLockStripes = 64

// Registry combines the tier indexes, the edge index and the backends.
type Registry struct {
	durable Backend
	cache   Backend
	log     *zap.Logger
	now     func() time.Time

	cacheTTL   time.Duration
	deriveTier graph.Tier

	// indexes is fixed at construction and only read afterwards.
	indexes map[graph.Tier]*tierIndex
	// keyLocks serialise tier swaps per id so an id never lands in two indexes.
	keyLocks [keyLockStripes]sync.Mutex

	// mu guards initialized and every structural change to the edge index.
	mu          sync.RWMutex
	initialized bool
	edges       map[graph.EdgeKey]*graph.EdgeRecord
	adjacency   map[string]map[graph.EdgeKey]struct{}

	initMu  sync.Mutex
	writes  *writer
	derives singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	bgWG     sync.WaitGroup
}

// New creates a registry over the given backends. Either backend may be nil,
// in which case writes for that tier stay in memory.
func New(durable, cache Backend, opts Options) *Registry {
	log := logging.OrNop(opts.Logger)
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = store.DefaultCacheTTL
	}
	if opts.DeriveTier != graph.Ephemeral {
		opts.DeriveTier = graph.Cached
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	r := &Registry{
		durable:    durable,
		cache:      cache,
		log:        log,
		now:        opts.Clock,
		cacheTTL:   opts.CacheTTL,
		deriveTier: opts.DeriveTier,
		indexes: map[graph.Tier]*tierIndex{
			graph.Durable:   newTierIndex(),
			graph.Cached:    newTierIndex(),
			graph.Ephemeral: newTierIndex(),
		},
		edges:     make(map[graph.EdgeKey]*graph.EdgeRecord),
		adjacency: make(map[string]map[graph.EdgeKey]struct{}),
		writes:    newWriter(opts.Workers, opts.QueueSize, log),
		stopCh:    make(chan struct{}),
	}
	return r
}

// Initialize loads durable and cached objects into memory. A durable copy of
// an id shadows a cached copy; ids already in memory are left alone since
// memory is authoritative. Edges are then rebuilt from both backends, durable
// first, and every edge tier is re-derived. Safe to call more than once.
func (r *Registry) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.Initialized() {
		return nil
	}
	start := r.now()

	var durableNodes, cachedNodes []store.NodeRecord
	var durableEdges, cachedEdges []graph.EdgeRecord
	var err error
	if r.durable != nil {
		if durableNodes, err = r.durable.LoadNodes(ctx); err != nil {
			return fmt.Errorf("hydrate durable nodes: %w", err)
		}
		if durableEdges, err = r.durable.LoadEdges(ctx); err != nil {
			return fmt.Errorf("hydrate durable edges: %w", err)
		}
	}
	if r.cache != nil {
		if cachedNodes, err = r.cache.LoadNodes(ctx); err != nil {
			return fmt.Errorf("hydrate cached nodes: %w", err)
		}
		if cachedEdges, err = r.cache.LoadEdges(ctx); err != nil {
			return fmt.Errorf("hydrate cached edges: %w", err)
		}
	}

	loaded, shadowed := 0, 0
	for _, rec := range durableNodes {
		if r.hydrate(rec, graph.Durable) {
			loaded++
		}
	}
	for _, rec := range cachedNodes {
		if _, ok := r.indexes[graph.Durable].load(rec.Node.Key()); ok {
			shadowed++
			continue
		}
		if r.hydrate(rec, graph.Cached) {
			loaded++
		}
	}

	r.mu.Lock()
	rebuilt, stale := r.rebuildEdgesLocked(durableEdges, cachedEdges)
	r.initialized = true
	moved := 0
	for k, rec := range r.edges {
		if want := r.desiredLocked(k.From, k.To); want != rec.Tier {
			r.transitionLocked(rec, want)
			moved++
		}
	}
	for _, old := range stale {
		if cur, ok := r.edges[old.Edge.Key()]; ok && cur.Tier != old.Tier {
			r.deleteEdgeRowLocked(old.Edge.Key(), old.Tier)
		}
	}
	r.mu.Unlock()

	r.log.Info("registry initialized",
		zap.Int("nodes", loaded),
		zap.Int("shadowed", shadowed),
		zap.Int("edges", rebuilt),
		zap.Int("edge_transitions", moved),
		zap.Duration("took", r.now().Sub(start)))
	return nil
}

// rebuildEdgesLocked merges backend edges into the index. Durable records
// win over cached ones and edges added before initialization win over both.
// The shadowed backend rows are returned so stale copies can be removed.
func (r *Registry) rebuildEdgesLocked(durable, cached []graph.EdgeRecord) (int, []graph.EdgeRecord) {
	preexisting := make(map[graph.EdgeKey]bool, len(r.edges))
	for k := range r.edges {
		preexisting[k] = true
	}
	n := 0
	var stale []graph.EdgeRecord
	seen := make(map[graph.EdgeKey]bool, len(durable))
	for _, set := range [][]graph.EdgeRecord{durable, cached} {
		for _, rec := range set {
			k := rec.Edge.Key()
			if preexisting[k] {
				stale = append(stale, rec)
				continue
			}
			if seen[k] {
				stale = append(stale, rec)
				continue
			}
			seen[k] = true
			r.putEdgeLocked(k, rec)
			n++
		}
	}
	return n, stale
}

// Initialized reports whether Initialize has completed.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

func (r *Registry) warnUninitialized(op, id string) {
	if !r.Initialized() {
		r.log.Warn("registry used before initialization, continuing best-effort",
			zap.String("op", op), zap.String("id", id))
	}
}

// Upsert places n in the index for n.Tier, removing it from any other tier,
// and schedules the backend write. Backend failures are logged, never
// returned: later reads see n even if the write fails. Incident edges are
// re-derived, and a node new to the registry gets its structural edges.
func (r *Registry) Upsert(n graph.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	r.warnUninitialized("upsert", n.ID)

	n = n.Clone()
	prev, existed := r.swap(n)
	r.persistNode(n, prev, existed)

	r.reevaluate(n.Key(), n.Tier == graph.Cached)
	if !existed {
		r.createStructuralEdges(n)
	}
	return nil
}

// swap moves n into its tier index and returns the tier it was in before.
func (r *Registry) swap(n graph.Node) (graph.Tier, bool) {
	key := n.Key()
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var prev graph.Tier
	existed := false
	for _, t := range graph.Tiers {
		if _, ok := r.indexes[t].remove(key); ok {
			prev, existed = t, true
		}
	}
	e := entry{node: n}
	if n.Tier == graph.Cached {
		e.expiresAt = r.now().Add(r.cacheTTL)
	}
	r.indexes[n.Tier].store(key, e)
	return prev, existed
}

// hydrate inserts a backend copy unless the id is already in memory.
func (r *Registry) hydrate(rec store.NodeRecord, tier graph.Tier) bool {
	n := rec.Node
	n.Tier = tier
	key := n.Key()
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := r.tierOf(key); ok {
		return false
	}
	e := entry{node: n, expiresAt: rec.ExpiresAt}
	if tier == graph.Cached && e.expiresAt.IsZero() {
		e.expiresAt = r.now().Add(r.cacheTTL)
	}
	r.indexes[tier].store(key, e)
	return true
}

func (r *Registry) persistNode(n graph.Node, prev graph.Tier, existed bool) {
	if existed && prev != n.Tier {
		if b := r.backendFor(prev); b != nil {
			id := n.ID
			r.writes.submit(job{key: "node:" + n.Key(), op: "delete node", id: id, tier: prev,
				run: func(ctx context.Context) error { return b.DeleteNode(ctx, id) }})
		}
		r.log.Debug("node tier migrated",
			zap.String("id", n.ID), zap.String("from", string(prev)), zap.String("to", string(n.Tier)))
	}
	if b := r.backendFor(n.Tier); b != nil {
		snapshot := n.Clone()
		j := job{key: "node:" + n.Key(), op: "save node", id: n.ID, tier: n.Tier,
			run: func(ctx context.Context) error { return b.SaveNode(ctx, snapshot) }}
		if bs, ok := b.(batchSaver); ok {
			j.node, j.saver = &snapshot, bs
		}
		r.writes.submit(j)
	}
}

func (r *Registry) backendFor(t graph.Tier) Backend {
	switch t {
	case graph.Durable:
		return r.durable
	case graph.Cached:
		return r.cache
	}
	return nil
}

func (r *Registry) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.keyLocks[h.Sum32()%keyLockStripes]
}

// tierOf reports which index holds key, checking Ephemeral, Cached, Durable.
func (r *Registry) tierOf(key string) (graph.Tier, bool) {
	for _, t := range []graph.Tier{graph.Ephemeral, graph.Cached, graph.Durable} {
		if _, ok := r.indexes[t].load(key); ok {
			return t, true
		}
	}
	return "", false
}

// TierOf returns the tier currently holding id.
func (r *Registry) TierOf(id string) (graph.Tier, bool) {
	return r.tierOf(graph.Key(id))
}

// Get returns a node from memory only. Callers that need a backend or
// derivation fallback use Lookup.
func (r *Registry) Get(id string) (graph.Node, bool) {
	r.warnUninitialized("get", id)
	key := graph.Key(id)
	for _, t := range []graph.Tier{graph.Ephemeral, graph.Cached, graph.Durable} {
		if e, ok := r.indexes[t].load(key); ok {
			return e.node.Clone(), true
		}
	}
	return graph.Node{}, false
}

// Lookup resolves id through memory, then the cache backend, then the
// durable backend, then on-demand derivation into the configured derive
// tier. A miss everywhere is (zero, false, nil).
func (r *Registry) Lookup(ctx context.Context, id string) (graph.Node, bool, error) {
	if n, ok := r.Get(id); ok {
		return n, true, nil
	}
	for _, src := range []struct {
		b    Backend
		tier graph.Tier
	}{{r.cache, graph.Cached}, {r.durable, graph.Durable}} {
		if src.b == nil {
			continue
		}
		rec, ok, err := src.b.GetNode(ctx, id)
		if err != nil {
			return graph.Node{}, false, fmt.Errorf("lookup %s in %s backend: %w", id, src.tier, err)
		}
		if ok {
			if r.hydrate(rec, src.tier) {
				r.reevaluate(graph.Key(id), false)
			}
			n, _ := r.Get(id)
			return n, true, nil
		}
	}
	return r.Derive(ctx, id, r.deriveTier)
}

// Delete removes id from every tier, cascades to its edges and schedules
// deletes against both backends. It reports whether the id was in memory.
func (r *Registry) Delete(id string) bool {
	r.warnUninitialized("delete", id)
	key := graph.Key(id)

	lock := r.keyLock(key)
	lock.Lock()
	existed := false
	for _, t := range graph.Tiers {
		if _, ok := r.indexes[t].remove(key); ok {
			existed = true
		}
	}
	lock.Unlock()

	r.mu.Lock()
	dropped := r.dropEdgesForLocked(key)
	r.mu.Unlock()

	for _, b := range []struct {
		b    Backend
		tier graph.Tier
	}{{r.durable, graph.Durable}, {r.cache, graph.Cached}} {
		if b.b == nil {
			continue
		}
		backend := b.b
		// Edge rows never hydrated into memory go with the node.
		r.writes.submit(job{key: "node:" + key, op: "delete node", id: id, tier: b.tier,
			run: func(ctx context.Context) error {
				if err := backend.DeleteNode(ctx, id); err != nil {
					return err
				}
				return backend.DeleteEdgesFor(ctx, id)
			}})
	}
	r.log.Debug("node deleted", zap.String("id", id), zap.Bool("existed", existed), zap.Int("edges", dropped))
	return existed
}

// AllNodes returns every node in memory, sorted by id.
func (r *Registry) AllNodes() []graph.Node {
	return r.filterNodes(func(graph.Node) bool { return true })
}

// NodesByType returns nodes whose type id matches, case-insensitively.
func (r *Registry) NodesByType(typeID string) []graph.Node {
	want := graph.Key(typeID)
	return r.filterNodes(func(n graph.Node) bool { return graph.Key(n.TypeID) == want })
}

// NodesByTypePrefix returns nodes whose type id starts with prefix, case-insensitively.
func (r *Registry) NodesByTypePrefix(prefix string) []graph.Node {
	want := graph.Key(prefix)
	return r.filterNodes(func(n graph.Node) bool { return strings.HasPrefix(graph.Key(n.TypeID), want) })
}

// NodesByTier returns the nodes held in one tier index.
func (r *Registry) NodesByTier(t graph.Tier) []graph.Node {
	ix, ok := r.indexes[t]
	if !ok {
		r.log.Warn("nodes by unknown tier", zap.String("tier", string(t)))
		return nil
	}
	entries := ix.snapshot()
	out := make([]graph.Node, len(entries))
	for i, e := range entries {
		out[i] = e.node.Clone()
	}
	return out
}

func (r *Registry) filterNodes(keep func(graph.Node) bool) []graph.Node {
	var out []graph.Node
	for _, t := range graph.Tiers {
		for _, e := range r.indexes[t].snapshot() {
			if keep(e.node) {
				out = append(out, e.node.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// AllNodesContext reconciles memory with both backends before listing:
// backend rows missing from memory are hydrated, durable before cached.
func (r *Registry) AllNodesContext(ctx context.Context) ([]graph.Node, error) {
	err := r.reconcileNodes(ctx, func(b Backend) ([]store.NodeRecord, error) { return b.LoadNodes(ctx) })
	if err != nil {
		return nil, err
	}
	return r.AllNodes(), nil
}

// NodesByTypeContext is NodesByType after reconciling the rows of that type.
func (r *Registry) NodesByTypeContext(ctx context.Context, typeID string) ([]graph.Node, error) {
	err := r.reconcileNodes(ctx, func(b Backend) ([]store.NodeRecord, error) { return b.LoadNodesByType(ctx, typeID) })
	if err != nil {
		return nil, err
	}
	return r.NodesByType(typeID), nil
}

// reconcileNodes hydrates the rows load returns from each backend and
// re-derives the edges of every node it brought into memory.
func (r *Registry) reconcileNodes(ctx context.Context, load func(Backend) ([]store.NodeRecord, error)) error {
	for _, src := range []struct {
		b    Backend
		tier graph.Tier
	}{{r.durable, graph.Durable}, {r.cache, graph.Cached}} {
		if src.b == nil {
			continue
		}
		recs, err := load(src.b)
		if err != nil {
			return fmt.Errorf("reconcile %s nodes: %w", src.tier, err)
		}
		for _, rec := range recs {
			if r.hydrate(rec, src.tier) {
				r.reevaluate(rec.Node.Key(), false)
			}
		}
	}
	return nil
}

// Flush blocks until all queued background writes have run.
func (r *Registry) Flush() {
	r.writes.flush()
}

// Close stops background loops and drains pending writes. In-flight writes
// run to completion.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.bgWG.Wait()
	r.writes.close()
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Initialized     bool               `json:"initialized"`
	Nodes           map[graph.Tier]int `json:"nodes"`
	Edges           map[graph.Tier]int `json:"edges"`
	QueueDepth      int                `json:"queue_depth"`
	PendingWrites   int                `json:"pending_writes"`
	FailedWrites    int64              `json:"failed_writes"`
	CompletedWrites int64              `json:"completed_writes"`
}

func (r *Registry) Stats() Stats {
	st := Stats{
		Nodes:           make(map[graph.Tier]int, 3),
		Edges:           make(map[graph.Tier]int, 3),
		QueueDepth:      r.writes.depth(),
		PendingWrites:   r.writes.inFlight(),
		FailedWrites:    r.writes.failed.Load(),
		CompletedWrites: r.writes.completed.Load(),
	}
	for _, t := range graph.Tiers {
		st.Nodes[t] = r.indexes[t].len()
		st.Edges[t] = 0
	}
	r.mu.RLock()
	st.Initialized = r.initialized
	for _, rec := range r.edges {
		st.Edges[rec.Tier]++
	}
	r.mu.RUnlock()
	return st
}
