package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager owns the gateway database: payment attempts, payment
// sessions and custodial credentials.
type SQLiteManager struct {
	db     *sql.DB
	logger *utils.LogsManager
}

// pragmas applied to every file-backed connection
var filePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// NewSQLiteManager opens `database_file` (relative names live in the app
// data dir) and brings its schema up to date.
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	path := filepath.FromSlash(cm.GetConfigWithDefault("database_file", "x402-gateway.db"))
	if !filepath.IsAbs(path) {
		path = utils.GetAppPaths("").GetDataPath(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	query := url.Values{"_pragma": filePragmas}
	sqlm, err := openSQLite(fmt.Sprintf("file:%s?%s", path, query.Encode()), 10, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("Opening database %s failed: %v", path, err), "database")
		return nil, err
	}
	logger.Info(fmt.Sprintf("Opened database %s", path), "database")
	return sqlm, nil
}

// NewInMemorySQLiteManager opens a private in-memory database. Each :memory:
// connection is its own database, so the pool is capped at one.
func NewInMemorySQLiteManager(logger *utils.LogsManager) (*SQLiteManager, error) {
	return openSQLite(":memory:", 1, logger)
}

func openSQLite(dsn string, maxConns int, logger *utils.LogsManager) (*SQLiteManager, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := NewMigrationManager(db, logger).Apply(schemaMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteManager{db: db, logger: logger}, nil
}

func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

func (sqlm *SQLiteManager) Close() error {
	if sqlm.db == nil {
		return nil
	}
	return sqlm.db.Close()
}
