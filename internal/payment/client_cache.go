package payment

import (
	"context"
	"sync"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

type cachedClient struct {
	client      LedgerClient
	fingerprint string
}

// ClientCache keeps one ledger client per caller. Entries are only removed by
// Invalidate (logout, credential rotation) or by a credential change detected
// on lookup.
type ClientCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedClient
}

func NewClientCache() *ClientCache {
	return &ClientCache{entries: make(map[string]*cachedClient)}
}

func credentialFingerprint(cred *Credential) string {
	return utils.HashString(cred.Network + "|" + cred.OperatorAccountID + "|" + cred.PrivateKey)
}

func cacheKey(cred *Credential, fingerprint string) string {
	if cred.UserID != "" {
		return cred.UserID
	}
	return "anonymous:" + fingerprint
}

func (c *ClientCache) GetOrConnect(ctx context.Context, cred *Credential, connector Connector) (LedgerClient, error) {
	fp := credentialFingerprint(cred)
	key := cacheKey(cred, fp)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.fingerprint == fp {
		return entry.client, nil
	}

	client, err := connector.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		if existing.fingerprint == fp {
			client.Close()
			return existing.client, nil
		}
		existing.client.Close()
	}
	c.entries[key] = &cachedClient{client: client, fingerprint: fp}
	return client, nil
}

// Get returns the cached client for userID, if any.
func (c *ClientCache) Get(userID string) (LedgerClient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Invalidate closes and removes the caller's client. Reports whether one existed.
func (c *ClientCache) Invalidate(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if ok {
		entry.client.Close()
		delete(c.entries, userID)
	}
	return ok
}

func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ClientCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		entry.client.Close()
		delete(c.entries, key)
	}
}
