package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// SaveAttempt stores a flow result. Re-saving the same attempt id replaces it.
func (sqlm *SQLiteManager) SaveAttempt(ctx context.Context, result *payment.PaymentFlowResult) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	var txID, network sql.NullString
	if result.Transaction != nil {
		txID = sql.NullString{String: result.Transaction.TransactionID, Valid: result.Transaction.TransactionID != ""}
		network = sql.NullString{String: result.Transaction.Network, Valid: true}
	}

	_, err = sqlm.table("payment_attempts").exec(ctx, `
	INSERT OR REPLACE INTO payment_attempts (
		attempt_id, caller_id, resource_id, transaction_id, network,
		stage, failed_stage, success, error, result, started_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.AttemptID,
		result.CallerID,
		result.ResourceID,
		txID,
		network,
		string(result.Stage),
		string(result.FailedStage),
		result.Success,
		result.Error,
		string(blob),
		result.StartedAt.Unix(),
		result.CompletedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt %s: %w", result.AttemptID, err)
	}
	return nil
}

func scanAttempt(scan func(dest ...interface{}) error) (*payment.PaymentFlowResult, error) {
	var blob string
	if err := scan(&blob); err != nil {
		return nil, err
	}
	var result payment.PaymentFlowResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return nil, fmt.Errorf("corrupt attempt record: %w", err)
	}
	return &result, nil
}

// GetAttempt returns payment.ErrAttemptNotFound for unknown ids.
func (sqlm *SQLiteManager) GetAttempt(ctx context.Context, attemptID string) (*payment.PaymentFlowResult, error) {
	result, err := queryOne(ctx, sqlm.table("payment_attempts"),
		func(row *sql.Row) (*payment.PaymentFlowResult, error) { return scanAttempt(row.Scan) },
		`SELECT result FROM payment_attempts WHERE attempt_id = ?`, attemptID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, payment.ErrAttemptNotFound
	}
	return result, nil
}

// ListAttemptsByCaller returns the newest attempts first.
func (sqlm *SQLiteManager) ListAttemptsByCaller(ctx context.Context, callerID string, limit int) ([]*payment.PaymentFlowResult, error) {
	if limit <= 0 {
		limit = 50
	}
	return queryAll(ctx, sqlm.table("payment_attempts"),
		func(rows *sql.Rows) (*payment.PaymentFlowResult, error) { return scanAttempt(rows.Scan) },
		`SELECT result FROM payment_attempts WHERE caller_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		callerID, limit)
}

// PruneAttempts deletes attempts completed before cutoff.
func (sqlm *SQLiteManager) PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error) {
	return sqlm.table("payment_attempts").exec(ctx, `DELETE FROM payment_attempts WHERE completed_at < ?`, cutoff.Unix())
}
