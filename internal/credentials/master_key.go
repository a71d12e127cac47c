package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const masterSecretSize = 32

// MasterKeySource yields the secret every credential key is derived from.
type MasterKeySource interface {
	MasterSecret() ([]byte, error)
}

// KeyringSource keeps the master secret in the OS keyring. A secret is
// generated and stored the first time one is requested.
type KeyringSource struct {
	service string
	user    string

	mu     sync.Mutex
	secret []byte
}

func NewKeyringSource(cm *utils.ConfigManager) *KeyringSource {
	return &KeyringSource{
		service: cm.GetConfigWithDefault("credential_keyring_service", "x402-gateway"),
		user:    cm.GetConfigWithDefault("credential_keyring_user", "master-key"),
	}
}

func (k *KeyringSource) MasterSecret() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.secret != nil {
		return k.secret, nil
	}

	stored, err := keyring.Get(k.service, k.user)
	switch {
	case err == nil:
		secret, err := hex.DecodeString(stored)
		if err != nil || len(secret) != masterSecretSize {
			return nil, fmt.Errorf("corrupt master secret in keyring %s/%s", k.service, k.user)
		}
		k.secret = secret
		return secret, nil
	case errors.Is(err, keyring.ErrNotFound):
		secret := make([]byte, masterSecretSize)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("failed to generate master secret: %v", err)
		}
		if err := keyring.Set(k.service, k.user, hex.EncodeToString(secret)); err != nil {
			return nil, fmt.Errorf("failed to store master secret: %v", err)
		}
		k.secret = secret
		return secret, nil
	default:
		return nil, fmt.Errorf("keyring unavailable: %v", err)
	}
}

// Forget drops the secret from the OS keyring. Stored credentials become
// unreadable.
func (k *KeyringSource) Forget() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secret = nil
	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
