package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS exercise_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		samples JSONB NOT NULL DEFAULT '[]',
		total_steps INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		valid_exercise_seconds INTEGER NOT NULL DEFAULT 0,
		invalid_reason TEXT NOT NULL DEFAULT '',
		mining_triggered BOOLEAN NOT NULL DEFAULT FALSE,
		mining_duration_seconds INTEGER NOT NULL DEFAULT 0,
		coins_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
		transaction_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS exercise_sessions_one_active
		ON exercise_sessions (user_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS mining_daemons (
		user_id TEXT PRIMARY KEY,
		port INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		wallet_address TEXT NOT NULL DEFAULT '',
		mining_active BOOLEAN NOT NULL DEFAULT FALSE,
		mining_started_at TIMESTAMPTZ,
		mining_duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mining_daemons_port
		ON mining_daemons (port) WHERE port > 0`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		type TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_session
		ON ledger_transactions (session_id) WHERE session_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_user
		ON ledger_transactions (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_aggregates (
		user_id TEXT PRIMARY KEY,
		balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		coins_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		valid_exercise_seconds INTEGER NOT NULL DEFAULT 0,
		mining_seconds INTEGER NOT NULL DEFAULT 0,
		sessions_finalized INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Apply runs the schema migrations against the database.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
