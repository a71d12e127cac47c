package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/database"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	argon2Time      = 3
	argon2Memory    = 64 * 1024
	argon2Threads   = 4
	argon2KeyLength = 32

	saltSize  = 32
	nonceSize = 12
)

// Store is the persistence the repository needs. *database.SQLiteManager
// satisfies it.
type Store interface {
	UpsertUserCredential(ctx context.Context, c *database.UserCredentialRow) error
	GetUserCredential(ctx context.Context, userID string) (*database.UserCredentialRow, error)
	DeleteUserCredential(ctx context.Context, userID string) error
}

// Invalidator drops cached ledger clients for a user.
type Invalidator interface {
	Invalidate(userID string) bool
}

type sealedKey struct {
	PrivateKey string `json:"private_key"`
}

// Repository stores custodial private keys encrypted at rest with AES-256-GCM.
// Each row has its own salt; the key is argon2id(master secret, salt).
type Repository struct {
	store  Store
	master MasterKeySource
	cache  Invalidator
	logger *utils.LogsManager
}

func NewRepository(store Store, master MasterKeySource, logger *utils.LogsManager) *Repository {
	return &Repository{
		store:  store,
		master: master,
		logger: logger,
	}
}

// SetInvalidator wires the ledger client cache so Save and Delete rotate it.
func (r *Repository) SetInvalidator(cache Invalidator) { r.cache = cache }

func (r *Repository) deriveKey(salt []byte) ([]byte, error) {
	secret, err := r.master.MasterSecret()
	if err != nil {
		return nil, err
	}
	return argon2.IDKey(secret, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLength), nil
}

func (r *Repository) gcm(salt []byte) (cipher.AEAD, error) {
	key, err := r.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	return cipher.NewGCM(block)
}

// normalizeKey validates privateKey for network and returns the canonical
// encoding plus the address it controls.
func normalizeKey(network string, privateKey string) (string, string, error) {
	privateKey = strings.TrimSpace(privateKey)
	family, err := payment.NetworkFamily(network)
	if err != nil {
		return "", "", err
	}

	if family == payment.FamilySolana {
		key, err := payment.ParseSolanaKey(privateKey)
		if err != nil {
			return "", "", err
		}
		return key.String(), key.PublicKey().String(), nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", payment.ErrInvalidPrivateKey, err)
	}
	return fmt.Sprintf("%x", crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Save encrypts and stores privateKey as userID's credential, replacing any
// previous one.
func (r *Repository) Save(ctx context.Context, userID string, network string, privateKey string) (*payment.Credential, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	canonical, address, err := normalizeKey(network, privateKey)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	aead, err := r.gcm(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(sealedKey{PrivateKey: canonical})
	if err != nil {
		return nil, err
	}

	row := &database.UserCredentialRow{
		UserID:            userID,
		Network:           network,
		OperatorAccountID: address,
		EncryptedKey:      aead.Seal(nil, nonce, plaintext, []byte(userID)),
		Salt:              salt,
		Nonce:             nonce,
	}
	if err := r.store.UpsertUserCredential(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to store credential: %v", err)
	}

	r.invalidate(userID)
	r.logger.Info(fmt.Sprintf("Stored credential for user %s (%s on %s)", userID, address, network), "credentials")

	return &payment.Credential{
		UserID:            userID,
		OperatorAccountID: address,
		PrivateKey:        canonical,
		Network:           network,
	}, nil
}

// GetDecryptedCredentialByUserID returns (nil, nil) when userID has no
// credential.
func (r *Repository) GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*payment.Credential, error) {
	row, err := r.store.GetUserCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if len(row.Salt) != saltSize || len(row.Nonce) != nonceSize {
		return nil, fmt.Errorf("corrupt credential for user %s", userID)
	}
	aead, err := r.gcm(row.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, row.Nonce, row.EncryptedKey, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential for user %s: %v", userID, err)
	}

	var sealed sealedKey
	if err := json.Unmarshal(plaintext, &sealed); err != nil {
		return nil, fmt.Errorf("failed to decode credential for user %s: %v", userID, err)
	}

	return &payment.Credential{
		UserID:            row.UserID,
		OperatorAccountID: row.OperatorAccountID,
		PrivateKey:        sealed.PrivateKey,
		Network:           row.Network,
	}, nil
}

// Has reports whether userID has a stored credential without decrypting it.
func (r *Repository) Has(ctx context.Context, userID string) (bool, error) {
	row, err := r.store.GetUserCredential(ctx, userID)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Delete removes userID's credential. Deleting a missing credential is not
// an error.
func (r *Repository) Delete(ctx context.Context, userID string) error {
	err := r.store.DeleteUserCredential(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	r.invalidate(userID)
	r.logger.Info(fmt.Sprintf("Deleted credential for user %s", userID), "credentials")
	return nil
}

func (r *Repository) invalidate(userID string) {
	if r.cache != nil && r.cache.Invalidate(userID) {
		r.logger.Debug(fmt.Sprintf("Evicted cached ledger client for user %s", userID), "credentials")
	}
}
