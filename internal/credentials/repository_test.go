package credentials

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/zalando/go-keyring"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/database"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// Well-known development key (hardhat account #0).
const (
	evmKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	evmAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type countingInvalidator struct {
	users []string
}

func (c *countingInvalidator) Invalidate(userID string) bool {
	c.users = append(c.users, userID)
	return true
}

func newTestRepository(t *testing.T) (*Repository, *countingInvalidator) {
	t.Helper()
	keyring.MockInit()

	logger := utils.NewLogsManagerWithWriter(utils.NewConfigManagerFromValues(nil), io.Discard)
	sqlm, err := database.NewInMemorySQLiteManager(logger)
	if err != nil {
		t.Fatalf("NewInMemorySQLiteManager: %v", err)
	}
	t.Cleanup(func() { sqlm.Close() })

	cm := utils.NewConfigManagerFromValues(map[string]string{"credential_keyring_service": "x402-gateway-test"})
	repo := NewRepository(sqlm, NewKeyringSource(cm), logger)
	inv := &countingInvalidator{}
	repo.SetInvalidator(inv)
	return repo, inv
}

func TestSaveAndDecryptEVM(t *testing.T) {
	ctx := context.Background()
	repo, inv := newTestRepository(t)

	cred, err := repo.Save(ctx, "alice", "eip155:84532", evmKey)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cred.OperatorAccountID != evmAddress {
		t.Errorf("address = %s, want %s", cred.OperatorAccountID, evmAddress)
	}

	got, err := repo.GetDecryptedCredentialByUserID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetDecryptedCredentialByUserID: %v", err)
	}
	if got.PrivateKey != strings.TrimPrefix(evmKey, "0x") || got.Network != "eip155:84532" {
		t.Errorf("unexpected credential: %s", got)
	}
	if strings.Contains(got.String(), got.PrivateKey) {
		t.Error("String() leaks the private key")
	}
	if len(inv.users) != 1 || inv.users[0] != "alice" {
		t.Errorf("expected cache invalidation for alice, got %v", inv.users)
	}
}

func TestSaveSolana(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	cred, err := repo.Save(ctx, "bob", "solana:devnet", key.String())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cred.OperatorAccountID != key.PublicKey().String() {
		t.Errorf("address = %s, want %s", cred.OperatorAccountID, key.PublicKey())
	}

	got, err := repo.GetDecryptedCredentialByUserID(ctx, "bob")
	if err != nil || got.PrivateKey != key.String() {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	repo, inv := newTestRepository(t)

	_, err := repo.Save(context.Background(), "alice", "eip155:84532", "not-a-key")
	if !errors.Is(err, payment.ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
	if _, err := repo.Save(context.Background(), "alice", "cosmos:hub", evmKey); !errors.Is(err, payment.ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
	if len(inv.users) != 0 {
		t.Error("failed save must not invalidate the cache")
	}
}

func TestMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	repo, inv := newTestRepository(t)

	got, err := repo.GetDecryptedCredentialByUserID(ctx, "nobody")
	if got != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}

	if _, err := repo.Save(ctx, "alice", "eip155:84532", evmKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if has, _ := repo.Has(ctx, "alice"); has {
		t.Error("credential still present after Delete")
	}
	if err := repo.Delete(ctx, "alice"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	if len(inv.users) != 3 {
		t.Errorf("expected 3 invalidations, got %d", len(inv.users))
	}
}

func TestCiphertextBoundToUser(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	if _, err := repo.Save(ctx, "alice", "eip155:84532", evmKey); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store := repo.store
	row, _ := store.GetUserCredential(ctx, "alice")
	row.UserID = "mallory"
	if err := store.UpsertUserCredential(ctx, row); err != nil {
		t.Fatalf("UpsertUserCredential: %v", err)
	}
	if _, err := repo.GetDecryptedCredentialByUserID(ctx, "mallory"); err == nil {
		t.Error("ciphertext copied to another user must not decrypt")
	}
}
