package tools

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

type WalletInfo struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Created bool   `json:"created"`
}

// CreateWallet generates a custodial key for the caller. An existing wallet
// is returned unchanged; rotation goes through the credentials API.
type CreateWallet struct {
	deps Deps
}

func NewCreateWallet(deps Deps) *CreateWallet { return &CreateWallet{deps: deps} }

func (t *CreateWallet) Name() string { return "create-wallet" }

func (t *CreateWallet) Description() string {
	return "Create a custodial wallet for your account on an EVM or Solana network"
}

func (t *CreateWallet) InputSchema() map[string]interface{} {
	return schema(nil, map[string]interface{}{"network": networkProp})
}

func (t *CreateWallet) Invoke(ctx context.Context, args map[string]interface{}, tc *mcp.ToolContext) (interface{}, error) {
	if tc == nil || tc.CallerID == "" {
		return nil, invalidArg("an authenticated caller is required")
	}
	network, err := networkArg(args, t.deps.DefaultNetwork)
	if err != nil {
		return nil, err
	}

	existing, err := t.deps.Wallets.GetDecryptedCredentialByUserID(ctx, tc.CallerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &WalletInfo{Address: existing.OperatorAccountID, Network: existing.Network}, nil
	}

	key, err := generateKey(network)
	if err != nil {
		return nil, err
	}
	cred, err := t.deps.Wallets.Save(ctx, tc.CallerID, network, key)
	if err != nil {
		return nil, err
	}

	t.deps.Logger.Info(fmt.Sprintf("Created wallet %s on %s for caller %s", cred.OperatorAccountID, network, tc.CallerID), "tools")
	return &WalletInfo{Address: cred.OperatorAccountID, Network: network, Created: true}, nil
}

func generateKey(network string) (string, error) {
	family, err := payment.NetworkFamily(network)
	if err != nil {
		return "", err
	}
	if family == payment.FamilySolana {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return "", fmt.Errorf("failed to generate solana key: %v", err)
		}
		return base58.Encode(key), nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate evm key: %v", err)
	}
	return fmt.Sprintf("%x", crypto.FromECDSA(key)), nil
}
