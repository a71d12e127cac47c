// Package tools holds the wallet tools the gateway hosts in-process.
package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// Wallets is the custodial credential store. *credentials.Repository
// satisfies it.
type Wallets interface {
	GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*payment.Credential, error)
	Save(ctx context.Context, userID string, network string, privateKey string) (*payment.Credential, error)
}

// Ledger is what the tools need from the ledger layer.
type Ledger interface {
	payment.TransferAdapter
	BalanceOf(ctx context.Context, network string, address string) (*payment.Balance, error)
}

type Deps struct {
	Wallets        Wallets
	Ledger         Ledger
	DefaultNetwork string
	Logger         *utils.LogsManager
}

// RegisterBuiltins adds check-balance, create-wallet, build-transaction and
// send-transaction to registry.
func RegisterBuiltins(registry *mcp.Registry, deps Deps) error {
	for _, t := range []mcp.Tool{
		NewCheckBalance(deps),
		NewCreateWallet(deps),
		NewBuildTransaction(deps),
		NewSendTransaction(deps),
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func invalidArg(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", mcp.ErrInvalidArguments, fmt.Sprintf(format, args...))
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidArg("%s must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

// amountArg reads a positive integer amount in smallest units, given as a
// JSON number or a decimal string.
func amountArg(args map[string]interface{}, key string) (uint64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, invalidArg("%s is required", key)
	}

	var amount uint64
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, invalidArg("%s must be a positive integer", key)
		}
		amount = uint64(n)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, invalidArg("%s must be a positive integer", key)
		}
		amount = parsed
	default:
		return 0, invalidArg("%s must be a number", key)
	}
	if amount == 0 {
		return 0, invalidArg("%s must be greater than zero", key)
	}
	return amount, nil
}

// networkArg falls back to fallback and validates the result.
func networkArg(args map[string]interface{}, fallback string) (string, error) {
	network, err := stringArg(args, "network")
	if err != nil {
		return "", err
	}
	if network == "" {
		network = fallback
	}
	if _, err := payment.NetworkFamily(network); err != nil {
		return "", invalidArg("%v", err)
	}
	return network, nil
}

func callerCredential(ctx context.Context, wallets Wallets, tc *mcp.ToolContext) (*payment.Credential, error) {
	if tc == nil || tc.CallerID == "" {
		return nil, payment.ErrNoCredential
	}
	cred, err := wallets.GetDecryptedCredentialByUserID(ctx, tc.CallerID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: caller %s has no wallet, run create-wallet first", payment.ErrNoCredential, tc.CallerID)
	}
	return cred, nil
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	networkProp = map[string]interface{}{"type": "string", "description": "CAIP-2 network id, e.g. eip155:84532"}
	addressProp = map[string]interface{}{"type": "string", "description": "account address"}
	amountProp  = map[string]interface{}{"type": "string", "description": "amount in the smallest unit (wei, lamports)"}
)
