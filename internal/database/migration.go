package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var schemaMigrations = []Migration{
	{
		Version:     1,
		Description: "payment attempts",
		SQL: `
		CREATE TABLE IF NOT EXISTS payment_attempts (
			attempt_id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			transaction_id TEXT,
			network TEXT,
			stage TEXT NOT NULL,
			failed_stage TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			result TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_caller ON payment_attempts(caller_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_attempts_tx ON payment_attempts(transaction_id);
		`,
	},
	{
		Version:     2,
		Description: "payment sessions",
		SQL: `
		CREATE TABLE IF NOT EXISTS payment_sessions (
			caller_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			attempt_id TEXT,
			transaction_id TEXT,
			single_use INTEGER NOT NULL DEFAULT 0,
			granted_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (caller_id, session_key)
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON payment_sessions(expires_at);
		`,
	},
	{
		Version:     3,
		Description: "user credentials",
		SQL: `
		CREATE TABLE IF NOT EXISTS user_credentials (
			user_id TEXT PRIMARY KEY,
			network TEXT NOT NULL,
			operator_account_id TEXT NOT NULL,
			encrypted_key BLOB NOT NULL,
			salt BLOB NOT NULL,
			nonce BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
	},
	{
		// grants recorded before this step name no resource and cannot be
		// matched, so they are dropped with the old table
		Version:     4,
		Description: "bind payment sessions to a resource",
		SQL: `
		DROP TABLE IF EXISTS payment_sessions;
		CREATE TABLE payment_sessions (
			caller_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			attempt_id TEXT,
			transaction_id TEXT,
			single_use INTEGER NOT NULL DEFAULT 0,
			granted_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (caller_id, session_key, resource_id)
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON payment_sessions(expires_at);
		`,
	},
}

// MigrationManager applies schema migrations inside transactions and records
// the applied versions in schema_migrations.
type MigrationManager struct {
	db     *sql.DB
	logger *utils.LogsManager
}

func NewMigrationManager(db *sql.DB, logger *utils.LogsManager) *MigrationManager {
	return &MigrationManager{
		db:     db,
		logger: logger,
	}
}

func (mm *MigrationManager) Apply(migrations []Migration) error {
	if _, err := mm.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %v", err)
	}

	current, err := mm.CurrentVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := mm.applyOne(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		mm.logger.Info(fmt.Sprintf("Applied migration %d: %s", m.Version, m.Description), "database")
	}
	return nil
}

func (mm *MigrationManager) applyOne(m Migration) error {
	tx, err := mm.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`, m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}

func (mm *MigrationManager) CurrentVersion() (int, error) {
	var version sql.NullInt64
	if err := mm.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %v", err)
	}
	return int(version.Int64), nil
}
