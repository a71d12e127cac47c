package tools

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// CheckBalance reports the native balance of the caller's wallet or of an
// explicit address.
type CheckBalance struct {
	deps Deps
}

func NewCheckBalance(deps Deps) *CheckBalance { return &CheckBalance{deps: deps} }

func (t *CheckBalance) Name() string { return "check-balance" }

func (t *CheckBalance) Description() string {
	return "Return the native balance of your custodial wallet or of a given address"
}

func (t *CheckBalance) InputSchema() map[string]interface{} {
	return schema(nil, map[string]interface{}{"address": addressProp, "network": networkProp})
}

func (t *CheckBalance) Invoke(ctx context.Context, args map[string]interface{}, tc *mcp.ToolContext) (interface{}, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}

	if address == "" {
		cred, err := callerCredential(ctx, t.deps.Wallets, tc)
		if err != nil {
			return nil, err
		}
		balance, err := t.deps.Ledger.Balance(ctx, cred)
		if err != nil {
			return nil, err
		}
		return balance, nil
	}

	network, err := networkArg(args, t.deps.DefaultNetwork)
	if err != nil {
		return nil, err
	}
	if err := payment.ValidateAddress(network, address); err != nil {
		return nil, invalidArg("%v", err)
	}
	balance, err := t.deps.Ledger.BalanceOf(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("balance lookup on %s failed: %w", network, err)
	}
	return balance, nil
}
