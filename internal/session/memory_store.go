package session

import (
	"context"
	"sync"
	"time"
)

type grantKey struct {
	key        string
	resourceID string
}

type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]map[grantKey]Grant
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]map[grantKey]Grant),
		now:    time.Now,
	}
}

func (m *MemoryStore) Grant(ctx context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey, ok := m.grants[g.CallerID]
	if !ok {
		byKey = make(map[grantKey]Grant)
		m.grants[g.CallerID] = byKey
	}
	byKey[grantKey{g.Key, g.ResourceID}] = g
	return nil
}

func (m *MemoryStore) Check(ctx context.Context, callerID string, key string, resourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := grantKey{key, resourceID}
	g, ok := m.grants[callerID][k]
	if !ok {
		return false, nil
	}
	if !m.now().Before(g.ExpiresAt) {
		delete(m.grants[callerID], k)
		return false, nil
	}
	if g.SingleUse {
		delete(m.grants[callerID], k)
	}
	return true, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, callerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, callerID)
	return nil
}

// Purge drops expired grants and returns how many were removed.
func (m *MemoryStore) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed int64
	for callerID, byKey := range m.grants {
		for k, g := range byKey {
			if !now.Before(g.ExpiresAt) {
				delete(byKey, k)
				removed++
			}
		}
		if len(byKey) == 0 {
			delete(m.grants, callerID)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
