package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/strata/internal/graph"
)

// SaveNode inserts or replaces a node. Cache rows get a fresh expiry.
func (b *Backend) SaveNode(ctx context.Context, n graph.Node) error {
	if err := b.checkTier(n.ID, n.Tier); err != nil {
		return err
	}
	return b.saveNode(ctx, b.db, n)
}

// SaveBatch writes many nodes in a single transaction, in order. The
// registry's write pool uses it to coalesce queued saves.
func (b *Backend) SaveBatch(ctx context.Context, nodes []graph.Node) error {
	for _, n := range nodes {
		if err := b.checkTier(n.ID, n.Tier); err != nil {
			return err
		}
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, n := range nodes {
		if err := b.saveNode(ctx, tx, n); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) saveNode(ctx context.Context, ex execer, n graph.Node) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	now := b.now().UnixMilli()
	if b.expiring() {
		_, err = ex.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+b.nodes+` (id_key, id, type_id, tier, payload, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n.Key(), n.ID, n.TypeID, string(n.Tier), string(payload), now, b.expiresAt())
	} else {
		_, err = ex.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+b.nodes+` (id_key, id, type_id, tier, payload, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, n.Key(), n.ID, n.TypeID, string(n.Tier), string(payload), now)
	}
	if err != nil {
		return fmt.Errorf("%s save node %s: %w", b.kind, n.ID, err)
	}
	return nil
}

// DeleteNode removes a node row. Missing rows are not an error.
func (b *Backend) DeleteNode(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM `+b.nodes+` WHERE id_key = ?`, graph.Key(id)); err != nil {
		return fmt.Errorf("%s delete node %s: %w", b.kind, id, err)
	}
	return nil
}

// GetNode returns a node by id. ok is false when the row is missing or expired.
func (b *Backend) GetNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	query := `SELECT payload, ` + b.expiryColumn() + ` FROM ` + b.nodes + ` WHERE id_key = ?`
	args := []any{graph.Key(id)}
	if b.expiring() {
		query += ` AND expires_at > ?`
		args = append(args, b.now().UnixMilli())
	}
	rec, err := scanNodeRecord(b.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, fmt.Errorf("%s get node %s: %w", b.kind, id, err)
	}
	return rec, true, nil
}

// LoadNodes returns every live node.
func (b *Backend) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	where, args := b.liveClause()
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload, `+b.expiryColumn()+` FROM `+b.nodes+where+` ORDER BY id_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("%s load nodes: %w", b.kind, err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		rec, err := scanNodeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan node: %w", b.kind, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadNodesByType returns live nodes with the given type id, compared
// case-insensitively.
func (b *Backend) LoadNodesByType(ctx context.Context, typeID string) ([]NodeRecord, error) {
	query := `SELECT payload, ` + b.expiryColumn() + ` FROM ` + b.nodes + ` WHERE type_id = ? COLLATE NOCASE`
	args := []any{typeID}
	if b.expiring() {
		query += ` AND expires_at > ?`
		args = append(args, b.now().UnixMilli())
	}
	rows, err := b.db.QueryContext(ctx, query+` ORDER BY id_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("%s load nodes by type: %w", b.kind, err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		rec, err := scanNodeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan node: %w", b.kind, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *Backend) expiryColumn() string {
	if b.expiring() {
		return "expires_at"
	}
	return "0"
}

func (b *Backend) checkTier(id string, t graph.Tier) error {
	if t == graph.Ephemeral {
		return fmt.Errorf("%s save %s: %w", b.kind, id, ErrEphemeral)
	}
	if !t.Valid() {
		return fmt.Errorf("%s save %s: %w: %q", b.kind, id, graph.ErrUnknownTier, t)
	}
	return nil
}

func scanNodeRecord(scanner interface{ Scan(dest ...any) error }) (NodeRecord, error) {
	var payload string
	var expires int64
	if err := scanner.Scan(&payload, &expires); err != nil {
		return NodeRecord{}, err
	}
	var rec NodeRecord
	if err := json.Unmarshal([]byte(payload), &rec.Node); err != nil {
		return NodeRecord{}, fmt.Errorf("decode node: %w", err)
	}
	if expires > 0 {
		rec.ExpiresAt = time.UnixMilli(expires)
	}
	return rec, nil
}
