package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PaymentSessionRow is a server-side payment grant.
type PaymentSessionRow struct {
	CallerID      string
	SessionKey    string
	ResourceID    string
	AttemptID     string
	TransactionID string
	SingleUse     bool
	GrantedAt     time.Time
	ExpiresAt     time.Time
}

func (sqlm *SQLiteManager) UpsertPaymentSession(ctx context.Context, s *PaymentSessionRow) error {
	_, err := sqlm.table("payment_sessions").exec(ctx, `
	INSERT INTO payment_sessions (caller_id, session_key, resource_id, attempt_id, transaction_id, single_use, granted_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(caller_id, session_key, resource_id) DO UPDATE SET
		attempt_id = excluded.attempt_id,
		transaction_id = excluded.transaction_id,
		single_use = excluded.single_use,
		granted_at = excluded.granted_at,
		expires_at = excluded.expires_at`,
		s.CallerID, s.SessionKey, s.ResourceID, s.AttemptID, s.TransactionID, s.SingleUse, s.GrantedAt.Unix(), s.ExpiresAt.UnixMilli(),
	)
	return err
}

// ConsumePaymentSession reports whether an unexpired grant exists for the
// resource. Single-use grants are deleted in the same transaction so only one
// caller can use them.
func (sqlm *SQLiteManager) ConsumePaymentSession(ctx context.Context, callerID string, sessionKey string, resourceID string, now time.Time) (bool, error) {
	granted := false
	sessions := sqlm.table("payment_sessions")
	err := sessions.inTx(ctx, sqlm.db, func(tx tableOps) error {
		row, err := queryOne(ctx, tx, func(row *sql.Row) (*bool, error) {
			var singleUse bool
			if err := row.Scan(&singleUse); err != nil {
				return nil, err
			}
			return &singleUse, nil
		}, `SELECT single_use FROM payment_sessions WHERE caller_id = ? AND session_key = ? AND resource_id = ? AND expires_at > ?`,
			callerID, sessionKey, resourceID, now.UnixMilli())
		if err != nil || row == nil {
			return err
		}

		if *row {
			_, err := tx.execAffecting(ctx, `DELETE FROM payment_sessions WHERE caller_id = ? AND session_key = ? AND resource_id = ?`,
				callerID, sessionKey, resourceID)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

func (sqlm *SQLiteManager) DeletePaymentSessions(ctx context.Context, callerID string) (int64, error) {
	return sqlm.table("payment_sessions").exec(ctx, `DELETE FROM payment_sessions WHERE caller_id = ?`, callerID)
}

func (sqlm *SQLiteManager) DeleteExpiredPaymentSessions(ctx context.Context, now time.Time) (int64, error) {
	return sqlm.table("payment_sessions").exec(ctx, `DELETE FROM payment_sessions WHERE expires_at <= ?`, now.UnixMilli())
}
