package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/strata/internal/graph"
)

// DefaultCacheTTL is the expiry window the cache backend stamps on writes.
const DefaultCacheTTL = 30 * time.Minute

// ErrEphemeral is returned when an ephemeral object reaches a backend.
// Ephemeral objects live only in process memory.
var ErrEphemeral = errors.New("ephemeral objects are never persisted")

// Kind distinguishes the durable backend from the cache backend.
type Kind string

const (
	KindDurable Kind = "durable"
	KindCache   Kind = "cache"
)

// Backend persists nodes and edges in one pair of tables. The durable
// backend is the source of truth on restart; the cache backend adds an
// expiry to every row and hides expired rows from reads.
type Backend struct {
	db    *DB
	kind  Kind
	nodes string
	edges string
	ttl   time.Duration
	now   func() time.Time
}

// NodeRecord is a stored node plus its expiry. ExpiresAt is zero for durable rows.
type NodeRecord struct {
	Node      graph.Node
	ExpiresAt time.Time
}

// Stats summarises a backend's contents.
type Stats struct {
	Kind  Kind  `json:"kind"`
	Nodes int   `json:"nodes"`
	Edges int   `json:"edges"`
	Bytes int64 `json:"bytes"`
}

// NewDurable returns the durable backend over db.
func NewDurable(db *DB) *Backend {
	return &Backend{db: db, kind: KindDurable, nodes: "nodes", edges: "edges", now: time.Now}
}

// NewCache returns the cache backend over db. A non-positive ttl uses DefaultCacheTTL.
func NewCache(db *DB, ttl time.Duration) *Backend {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Backend{db: db, kind: KindCache, nodes: "cache_nodes", edges: "cache_edges", ttl: ttl, now: time.Now}
}

// SetClock replaces the backend's time source. Tests use it to expire rows.
func (b *Backend) SetClock(now func() time.Time) { b.now = now }

func (b *Backend) Kind() Kind { return b.kind }

// TTL returns the cache expiry window, or zero for the durable backend.
func (b *Backend) TTL() time.Duration { return b.ttl }

func (b *Backend) expiring() bool { return b.kind == KindCache }

// expiresAt is the expiry stamped on a row written now.
func (b *Backend) expiresAt() int64 {
	return b.now().Add(b.ttl).UnixMilli()
}

// Stats counts rows and payload bytes. Expired cache rows are excluded.
func (b *Backend) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Kind: b.kind}
	where, args := b.liveClause()
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM `+b.nodes+where, args...,
	).Scan(&st.Nodes, &st.Bytes)
	if err != nil {
		return st, fmt.Errorf("%s stats nodes: %w", b.kind, err)
	}
	var edgeBytes int64
	err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM `+b.edges+where, args...,
	).Scan(&st.Edges, &edgeBytes)
	if err != nil {
		return st, fmt.Errorf("%s stats edges: %w", b.kind, err)
	}
	st.Bytes += edgeBytes
	return st, nil
}

// Sweep deletes expired cache rows and returns how many were removed.
// It is a no-op on the durable backend.
func (b *Backend) Sweep(ctx context.Context) (int, error) {
	if !b.expiring() {
		return 0, nil
	}
	now := b.now().UnixMilli()
	removed := 0
	for _, table := range []string{b.nodes, b.edges} {
		res, err := b.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// liveClause filters out expired rows on the cache backend.
func (b *Backend) liveClause() (string, []any) {
	if !b.expiring() {
		return "", nil
	}
	return " WHERE expires_at > ?", []any{b.now().UnixMilli()}
}
