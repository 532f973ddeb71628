package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// migration is a forward-only schema step.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS observations (
				id TEXT PRIMARY KEY,
				agent_hash TEXT NOT NULL,
				domain TEXT NOT NULL,
				path TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL,
				summary TEXT NOT NULL,
				structured_data TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				confirmations INTEGER NOT NULL DEFAULT 1,
				confirming_agents TEXT NOT NULL DEFAULT '[]',
				confidence REAL NOT NULL DEFAULT 0,
				urgency TEXT NOT NULL DEFAULT 'normal',
				tags TEXT NOT NULL DEFAULT '[]',
				content_hash TEXT NOT NULL,
				vector_id TEXT,
				origin TEXT NOT NULL DEFAULT 'local',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				expires_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_domain ON observations(domain)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_domain_path ON observations(domain, path)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_category ON observations(category)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_content_hash ON observations(content_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_created_at ON observations(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_urgency ON observations(urgency)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_aggregation ON observations(domain, path, category, content_hash)`,
			`CREATE TABLE IF NOT EXISTS confirmation_groups (
				id TEXT PRIMARY KEY,
				domain TEXT NOT NULL,
				path TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				canonical_observation_id TEXT NOT NULL,
				total_confirmations INTEGER NOT NULL DEFAULT 1,
				unique_agents TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'pending',
				confidence REAL NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(domain, path, category, content_hash)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_confirmation_groups_canonical ON confirmation_groups(canonical_observation_id)`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				peer_name TEXT PRIMARY KEY,
				last_sync_at TEXT,
				last_batch_id TEXT,
				sync_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "impact_tracking",
		statements: []string{
			`ALTER TABLE observations ADD COLUMN impact_estimate TEXT`,
			`ALTER TABLE observations ADD COLUMN impact_reports TEXT NOT NULL DEFAULT '[]'`,
			`ALTER TABLE observations ADD COLUMN impact_stats TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_observations_impact ON observations(json_extract(impact_stats, '$.total_uses'))`,
		},
	},
}

// SchemaVersion is the version the latest migration brings the database to.
var SchemaVersion = migrations[len(migrations)-1].version

// currentVersion reads the schema version, treating a missing metadata table as 0.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metadata'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return v, nil
}

// migrate applies every pending migration, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(m.version)); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}
