package tools

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	testNetwork = "eip155:84532"
	testPayee   = "0x000000000000000000000000000000000000dEaD"
)

type memoryWallets struct {
	mu    sync.Mutex
	creds map[string]*payment.Credential
}

func (m *memoryWallets) GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*payment.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[userID], nil
}

func (m *memoryWallets) Save(ctx context.Context, userID, network, privateKey string) (*payment.Credential, error) {
	address, err := payment.DeriveAddress(network, privateKey)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = make(map[string]*payment.Credential)
	}
	cred := &payment.Credential{UserID: userID, OperatorAccountID: address, PrivateKey: privateKey, Network: network}
	m.creds[userID] = cred
	return cred, nil
}

type stubLedger struct {
	transfers []uint64
	err       error
}

func (l *stubLedger) Transfer(ctx context.Context, cred *payment.Credential, to string, amount uint64, network string) (*payment.TransferReceipt, error) {
	l.transfers = append(l.transfers, amount)
	if l.err != nil {
		return nil, l.err
	}
	return &payment.TransferReceipt{
		TransactionID: "0xfeed", Status: payment.TransferSuccess,
		From: cred.OperatorAccountID, To: to, Amount: amount, Network: network, Timestamp: time.Now(),
	}, nil
}

func (l *stubLedger) Balance(ctx context.Context, cred *payment.Credential) (*payment.Balance, error) {
	return &payment.Balance{Address: cred.OperatorAccountID, Network: cred.Network, Amount: 777, Asset: "ETH"}, nil
}

func (l *stubLedger) BalanceOf(ctx context.Context, network, address string) (*payment.Balance, error) {
	return &payment.Balance{Address: address, Network: network, Amount: 42, Asset: "ETH"}, nil
}

func newDeps() (Deps, *memoryWallets, *stubLedger) {
	wallets := &memoryWallets{}
	ledger := &stubLedger{}
	return Deps{
		Wallets:        wallets,
		Ledger:         ledger,
		DefaultNetwork: testNetwork,
		Logger:         utils.NewLogsManagerWithWriter(utils.NewConfigManagerFromValues(nil), io.Discard),
	}, wallets, ledger
}

func caller(id string) *mcp.ToolContext { return &mcp.ToolContext{CallerID: id} }

func TestRegisterBuiltins(t *testing.T) {
	deps, _, _ := newDeps()
	registry := mcp.NewRegistry()
	if err := RegisterBuiltins(registry, deps); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	names := []string{}
	for _, info := range registry.List() {
		names = append(names, info.Name)
	}
	want := []string{"build-transaction", "check-balance", "create-wallet", "send-transaction"}
	if len(names) != len(want) {
		t.Fatalf("tools = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tools[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestCreateWalletThenCheckBalance(t *testing.T) {
	deps, wallets, _ := newDeps()
	ctx := context.Background()

	out, err := NewCreateWallet(deps).Invoke(ctx, map[string]interface{}{}, caller("alice"))
	if err != nil {
		t.Fatalf("create-wallet: %v", err)
	}
	info := out.(*WalletInfo)
	if !info.Created || info.Network != testNetwork {
		t.Fatalf("unexpected wallet: %+v", info)
	}
	if err := payment.ValidateAddress(testNetwork, info.Address); err != nil {
		t.Errorf("generated address invalid: %v", err)
	}

	again, err := NewCreateWallet(deps).Invoke(ctx, map[string]interface{}{"network": "solana:devnet"}, caller("alice"))
	if err != nil {
		t.Fatalf("create-wallet again: %v", err)
	}
	if again.(*WalletInfo).Created || again.(*WalletInfo).Address != info.Address {
		t.Error("existing wallet must be kept")
	}
	if len(wallets.creds) != 1 {
		t.Errorf("wallets = %d", len(wallets.creds))
	}

	bal, err := NewCheckBalance(deps).Invoke(ctx, map[string]interface{}{}, caller("alice"))
	if err != nil {
		t.Fatalf("check-balance: %v", err)
	}
	if bal.(*payment.Balance).Amount != 777 {
		t.Errorf("balance = %+v", bal)
	}
}

func TestCreateSolanaWallet(t *testing.T) {
	deps, _, _ := newDeps()
	out, err := NewCreateWallet(deps).Invoke(context.Background(), map[string]interface{}{"network": "solana:devnet"}, caller("bob"))
	if err != nil {
		t.Fatalf("create-wallet: %v", err)
	}
	if err := payment.ValidateAddress("solana:devnet", out.(*WalletInfo).Address); err != nil {
		t.Errorf("generated address invalid: %v", err)
	}
}

func TestCheckBalanceOfAddress(t *testing.T) {
	deps, _, _ := newDeps()

	bal, err := NewCheckBalance(deps).Invoke(context.Background(), map[string]interface{}{"address": testPayee}, caller(""))
	if err != nil {
		t.Fatalf("check-balance: %v", err)
	}
	if bal.(*payment.Balance).Amount != 42 {
		t.Errorf("balance = %+v", bal)
	}

	_, err = NewCheckBalance(deps).Invoke(context.Background(), map[string]interface{}{"address": "nope"}, caller(""))
	if !errors.Is(err, mcp.ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments, got %v", err)
	}

	_, err = NewCheckBalance(deps).Invoke(context.Background(), map[string]interface{}{}, caller("nobody"))
	if !errors.Is(err, payment.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestBuildTransaction(t *testing.T) {
	deps, _, ledger := newDeps()
	tool := NewBuildTransaction(deps)

	out, err := tool.Invoke(context.Background(), map[string]interface{}{"to": testPayee, "amount": float64(1500)}, caller(""))
	if err != nil {
		t.Fatalf("build-transaction: %v", err)
	}
	draft := out.(*TransactionDraft)
	if draft.Amount != 1500 || draft.GasLimit != 21000 || draft.Digest == "" || draft.Network != testNetwork {
		t.Errorf("unexpected draft: %+v", draft)
	}
	if len(ledger.transfers) != 0 {
		t.Error("build-transaction must not move funds")
	}

	bad := []map[string]interface{}{
		{"amount": "10"},
		{"to": testPayee, "amount": "0"},
		{"to": testPayee, "amount": 1.5},
		{"to": testPayee, "amount": "-3"},
		{"to": testPayee, "amount": "10", "network": "cosmos:hub"},
		{"to": "0x123", "amount": "10"},
	}
	for _, args := range bad {
		if _, err := tool.Invoke(context.Background(), args, caller("")); !errors.Is(err, mcp.ErrInvalidArguments) {
			t.Errorf("%v: expected ErrInvalidArguments, got %v", args, err)
		}
	}
}

func TestSendTransaction(t *testing.T) {
	deps, wallets, ledger := newDeps()
	ctx := context.Background()
	tool := NewSendTransaction(deps)

	if _, err := tool.Invoke(ctx, map[string]interface{}{"to": testPayee, "amount": "5"}, caller("alice")); !errors.Is(err, payment.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	if _, err := wallets.Save(ctx, "alice", testNetwork, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := tool.Invoke(ctx, map[string]interface{}{"to": testPayee, "amount": "5"}, caller("alice"))
	if err != nil {
		t.Fatalf("send-transaction: %v", err)
	}
	if out.(*payment.TransferReceipt).Status != payment.TransferSuccess {
		t.Errorf("unexpected receipt %+v", out)
	}

	if _, err := tool.Invoke(ctx, map[string]interface{}{"to": testPayee, "amount": "5", "network": "eip155:1"}, caller("alice")); !errors.Is(err, mcp.ErrInvalidArguments) {
		t.Errorf("network mismatch should be rejected, got %v", err)
	}

	ledger.err = payment.ErrInsufficientFunds
	if _, err := tool.Invoke(ctx, map[string]interface{}{"to": testPayee, "amount": "5"}, caller("alice")); !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(ledger.transfers) != 2 {
		t.Errorf("transfers = %d, want 2", len(ledger.transfers))
	}
}
