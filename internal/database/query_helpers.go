package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Logger is satisfied by utils.LogsManager.
type Logger interface {
	Error(msg, category string)
	Info(msg, category string)
	Warn(msg, category string)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// tableOps runs statements against one table and logs failures under the
// table name.
type tableOps struct {
	q      querier
	logger Logger
	table  string
}

func newTableOps(q querier, logger Logger, table string) tableOps {
	return tableOps{q: q, logger: logger, table: table}
}

func (sqlm *SQLiteManager) table(name string) tableOps {
	return newTableOps(sqlm.db, sqlm.logger, name)
}

// inTx runs fn against the table inside a transaction, committing only when
// fn returns nil.
func (t tableOps) inTx(ctx context.Context, db *sql.DB, fn func(tableOps) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", t.table, err)
	}
	defer tx.Rollback()

	if err := fn(newTableOps(tx, t.logger, t.table)); err != nil {
		return err
	}
	return tx.Commit()
}

// queryOne scans a single row. A missing row is (nil, nil).
func queryOne[T any](ctx context.Context, t tableOps, scan func(*sql.Row) (*T, error), query string, args ...interface{}) (*T, error) {
	result, err := scan(t.q.QueryRowContext(ctx, query, args...))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		t.logger.Error(fmt.Sprintf("Row query failed: %v", err), t.table)
		return nil, err
	}
	return result, nil
}

// queryAll scans every row. Rows that fail to scan are skipped and reported
// in one warning; a failing query or iteration is an error.
func queryAll[T any](ctx context.Context, t tableOps, scan func(*sql.Rows) (*T, error), query string, args ...interface{}) ([]*T, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		t.logger.Error(fmt.Sprintf("Query failed: %v", err), t.table)
		return nil, err
	}
	defer rows.Close()

	var (
		results  []*T
		skipped  int
		firstErr error
	)
	for rows.Next() {
		result, err := scan(rows)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			skipped++
			continue
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		t.logger.Error(fmt.Sprintf("Row iteration failed: %v", err), t.table)
		return nil, err
	}
	if skipped > 0 {
		t.logger.Warn(fmt.Sprintf("Skipped %d unreadable rows (first error: %v)", skipped, firstErr), t.table)
	}
	return results, nil
}

// exec runs a statement and returns the number of affected rows.
func (t tableOps) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		t.logger.Error(fmt.Sprintf("Statement failed: %v", err), t.table)
		return 0, err
	}
	return res.RowsAffected()
}

// execAffecting is exec that reports sql.ErrNoRows when nothing changed.
func (t tableOps) execAffecting(ctx context.Context, query string, args ...interface{}) (int64, error) {
	n, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, sql.ErrNoRows
	}
	return n, nil
}
