package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lazypower/strata/internal/graph"
)

// SaveEdge inserts or replaces an edge record keyed by (from, to, role).
func (b *Backend) SaveEdge(ctx context.Context, rec graph.EdgeRecord) error {
	k := rec.Edge.Key()
	if err := b.checkTier(k.String(), rec.Tier); err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Edge)
	if err != nil {
		return fmt.Errorf("encode edge %s: %w", k, err)
	}
	now := b.now().UnixMilli()
	if b.expiring() {
		_, err = b.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+b.edges+` (from_key, role_key, to_key, tier, payload, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, k.From, k.Role, k.To, string(rec.Tier), string(payload), now, b.expiresAt())
	} else {
		_, err = b.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+b.edges+` (from_key, role_key, to_key, tier, payload, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, k.From, k.Role, k.To, string(rec.Tier), string(payload), now)
	}
	if err != nil {
		return fmt.Errorf("%s save edge %s: %w", b.kind, k, err)
	}
	return nil
}

// DeleteEdge removes an edge row. Missing rows are not an error.
func (b *Backend) DeleteEdge(ctx context.Context, k graph.EdgeKey) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM `+b.edges+` WHERE from_key = ? AND to_key = ? AND role_key = ?`,
		k.From, k.To, k.Role)
	if err != nil {
		return fmt.Errorf("%s delete edge %s: %w", b.kind, k, err)
	}
	return nil
}

// DeleteEdgesFor removes every edge row with id as an endpoint.
func (b *Backend) DeleteEdgesFor(ctx context.Context, id string) error {
	key := graph.Key(id)
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM `+b.edges+` WHERE from_key = ? OR to_key = ?`, key, key)
	if err != nil {
		return fmt.Errorf("%s delete edges for %s: %w", b.kind, id, err)
	}
	return nil
}

// LoadEdges returns every live edge with its stored tier.
func (b *Backend) LoadEdges(ctx context.Context) ([]graph.EdgeRecord, error) {
	where, args := b.liveClause()
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload, tier FROM `+b.edges+where+` ORDER BY from_key, role_key, to_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("%s load edges: %w", b.kind, err)
	}
	defer rows.Close()

	var out []graph.EdgeRecord
	for rows.Next() {
		var payload, tier string
		if err := rows.Scan(&payload, &tier); err != nil {
			return nil, fmt.Errorf("%s scan edge: %w", b.kind, err)
		}
		var rec graph.EdgeRecord
		if err := json.Unmarshal([]byte(payload), &rec.Edge); err != nil {
			return nil, fmt.Errorf("%s decode edge: %w", b.kind, err)
		}
		rec.Tier = graph.Tier(tier)
		out = append(out, rec)
	}
	return out, rows.Err()
}
