package session

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/database"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// SingleUseWindow bounds how long an unconsumed single-use grant stays valid.
const SingleUseWindow = 5 * time.Minute

// Grant records that a caller paid for a resource within a conversation.
// It only opens calls to that resource. A single-use grant authorises
// exactly one gated call.
type Grant struct {
	CallerID      string    `json:"callerId"`
	Key           string    `json:"key"`
	ResourceID    string    `json:"resourceId"`
	AttemptID     string    `json:"attemptId,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	SingleUse     bool      `json:"singleUse"`
	GrantedAt     time.Time `json:"grantedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// NewGrant builds a grant for ttl. ttl <= 0 yields a single-use grant.
func NewGrant(callerID, key, resourceID, attemptID, transactionID string, ttl time.Duration, now time.Time) Grant {
	g := Grant{
		CallerID:      callerID,
		Key:           key,
		ResourceID:    resourceID,
		AttemptID:     attemptID,
		TransactionID: transactionID,
		GrantedAt:     now,
	}
	if ttl <= 0 {
		g.SingleUse = true
		g.ExpiresAt = now.Add(SingleUseWindow)
	} else {
		g.ExpiresAt = now.Add(ttl)
	}
	return g
}

// Store holds server-side payment grants, one per (caller, key, resource).
// Check consumes single-use grants atomically so concurrent checks cannot
// both succeed.
type Store interface {
	Grant(ctx context.Context, g Grant) error
	Check(ctx context.Context, callerID string, key string, resourceID string) (bool, error)
	Revoke(ctx context.Context, callerID string) error
	Close() error
}

// NewStore selects the backend named by session_store (memory, sqlite or
// redis). sqlm may be nil unless the sqlite backend is chosen.
func NewStore(cm *utils.ConfigManager, sqlm *database.SQLiteManager, logger *utils.LogsManager) (Store, error) {
	backend := cm.GetConfigWithDefault("session_store", "sqlite")
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlm == nil {
			return nil, fmt.Errorf("session_store=sqlite requires a database")
		}
		return NewSQLStore(sqlm), nil
	case "redis":
		store := NewRedisStore(
			cm.GetConfigWithDefault("session_redis_addr", "localhost:6379"),
			cm.GetConfigWithDefault("session_redis_password", ""),
			cm.GetConfigInt("session_redis_db", 0, 0, 15),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("redis session store unreachable: %v", err)
		}
		return store, nil
	}
	logger.Error(fmt.Sprintf("Unknown session_store %q", backend), "session")
	return nil, fmt.Errorf("unknown session_store %q", backend)
}
