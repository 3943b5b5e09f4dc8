package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward-only schema step. Statements must run on both
// PostgreSQL and SQLite, so they stick to TEXT, INTEGER, NUMERIC, BOOLEAN
// and TIMESTAMP columns and keep JSON documents in TEXT.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrations is the ordered schema history.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "catalog",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS organizations (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				subscription_tier TEXT NOT NULL DEFAULT 'free',
				default_strategy TEXT NOT NULL DEFAULT '',
				universal_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
				daily_budget_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS llm_models (
				id TEXT PRIMARY KEY,
				provider_id TEXT NOT NULL,
				model_name TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				api_type TEXT NOT NULL DEFAULT 'chat',
				capabilities TEXT NOT NULL DEFAULT '[]',
				input_price NUMERIC(18,8) NOT NULL DEFAULT 0,
				output_price NUMERIC(18,8) NOT NULL DEFAULT 0,
				context_window INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_llm_models_api_type ON llm_models (api_type, active)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				provider_id TEXT NOT NULL,
				organization_id TEXT,
				encrypted_key TEXT NOT NULL,
				quota_status TEXT NOT NULL DEFAULT 'healthy',
				active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys (provider_id, organization_id)`,
			`CREATE TABLE IF NOT EXISTS routing_rules (
				id TEXT PRIMARY KEY,
				organization_id TEXT,
				name TEXT NOT NULL,
				model_type TEXT NOT NULL DEFAULT '',
				priority INTEGER NOT NULL DEFAULT 100,
				conditions TEXT NOT NULL DEFAULT '[]',
				models TEXT NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_routing_rules_org ON routing_rules (organization_id, priority)`,
		},
	},
	{
		Version: 2,
		Name:    "usage_records",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS usage_records (
				id TEXT PRIMARY KEY,
				request_id TEXT NOT NULL,
				organization_id TEXT,
				session_id TEXT,
				user_id TEXT,
				entity_type TEXT NOT NULL,
				provider TEXT NOT NULL,
				model TEXT NOT NULL,
				api_key_source TEXT NOT NULL DEFAULT '',
				routing_phase TEXT NOT NULL DEFAULT '',
				analysis_path TEXT NOT NULL DEFAULT '',
				complexity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				total_cost_usd NUMERIC(18,8) NOT NULL DEFAULT 0,
				latency_ms INTEGER NOT NULL DEFAULT 0,
				performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error_message TEXT,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_records_org_created ON usage_records (organization_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_records_session ON usage_records (session_id)`,
		},
	},
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`

// CurrentVersion returns the highest applied migration, or 0 on a fresh database.
func CurrentVersion(ctx context.Context, db DBPool) (int, error) {
	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	var version int
	if err := db.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every pending migration, each inside its own transaction.
// It returns the number of migrations applied.
func Migrate(ctx context.Context, db DBPool, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
		logger.Info("Applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}

	if applied == 0 {
		logger.Debug("Schema is up to date", zap.Int("version", current))
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db DBPool, m Migration) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migration %d: failed to begin transaction: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, stmt := range m.Statements {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	if _, err = tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)",
		m.Version, m.Name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("migration %d: failed to record version: %w", m.Version, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("migration %d: failed to commit: %w", m.Version, err)
	}
	return nil
}
