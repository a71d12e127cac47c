package session

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/database"
)

// SQLStore keeps grants in the payment_sessions table so they survive a
// restart.
type SQLStore struct {
	sqlm *database.SQLiteManager
	now  func() time.Time
}

func NewSQLStore(sqlm *database.SQLiteManager) *SQLStore {
	return &SQLStore{sqlm: sqlm, now: time.Now}
}

func (s *SQLStore) Grant(ctx context.Context, g Grant) error {
	return s.sqlm.UpsertPaymentSession(ctx, &database.PaymentSessionRow{
		CallerID:      g.CallerID,
		SessionKey:    g.Key,
		ResourceID:    g.ResourceID,
		AttemptID:     g.AttemptID,
		TransactionID: g.TransactionID,
		SingleUse:     g.SingleUse,
		GrantedAt:     g.GrantedAt,
		ExpiresAt:     g.ExpiresAt,
	})
}

func (s *SQLStore) Check(ctx context.Context, callerID string, key string, resourceID string) (bool, error) {
	return s.sqlm.ConsumePaymentSession(ctx, callerID, key, resourceID, s.now())
}

func (s *SQLStore) Revoke(ctx context.Context, callerID string) error {
	_, err := s.sqlm.DeletePaymentSessions(ctx, callerID)
	return err
}

// Purge removes expired grants.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	return s.sqlm.DeleteExpiredPaymentSessions(ctx, s.now())
}

// The database is owned by the caller.
func (s *SQLStore) Close() error { return nil }
