package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Both the durable and the cache database carry the full schema; each
// backend only touches its own pair of tables.
var migrations = []migration{
	{
		Version:     1,
		Description: "nodes + edges: durable graph objects",
		SQL: `
CREATE TABLE nodes (
    id_key      TEXT PRIMARY KEY,
    id          TEXT NOT NULL,
    type_id     TEXT NOT NULL DEFAULT '',
    tier        TEXT NOT NULL CHECK (tier IN ('durable', 'cached')),
    payload     TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX idx_nodes_type ON nodes(type_id);

CREATE TABLE edges (
    from_key    TEXT NOT NULL,
    role_key    TEXT NOT NULL,
    to_key      TEXT NOT NULL,
    tier        TEXT NOT NULL CHECK (tier IN ('durable', 'cached')),
    payload     TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (from_key, to_key, role_key)
);

CREATE INDEX idx_edges_to ON edges(to_key);
`,
	},
	{
		Version:     2,
		Description: "cache_nodes + cache_edges: expiring graph objects",
		SQL: `
CREATE TABLE cache_nodes (
    id_key      TEXT PRIMARY KEY,
    id          TEXT NOT NULL,
    type_id     TEXT NOT NULL DEFAULT '',
    tier        TEXT NOT NULL CHECK (tier IN ('durable', 'cached')),
    payload     TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);

CREATE INDEX idx_cache_nodes_expires ON cache_nodes(expires_at);

CREATE TABLE cache_edges (
    from_key    TEXT NOT NULL,
    role_key    TEXT NOT NULL,
    to_key      TEXT NOT NULL,
    tier        TEXT NOT NULL CHECK (tier IN ('durable', 'cached')),
    payload     TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    PRIMARY KEY (from_key, to_key, role_key)
);

CREATE INDEX idx_cache_edges_expires ON cache_edges(expires_at);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
