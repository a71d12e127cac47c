package tools

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// SendTransaction transfers native funds from the caller's custodial wallet.
// The transfer is attempted once; a failure is returned, never retried.
type SendTransaction struct {
	deps Deps
}

func NewSendTransaction(deps Deps) *SendTransaction { return &SendTransaction{deps: deps} }

func (t *SendTransaction) Name() string { return "send-transaction" }

func (t *SendTransaction) Description() string {
	return "Send native funds from your custodial wallet"
}

func (t *SendTransaction) InputSchema() map[string]interface{} {
	return schema([]string{"to", "amount"}, map[string]interface{}{
		"to": addressProp, "amount": amountProp, "network": networkProp,
	})
}

func (t *SendTransaction) Invoke(ctx context.Context, args map[string]interface{}, tc *mcp.ToolContext) (interface{}, error) {
	to, err := stringArg(args, "to")
	if err != nil {
		return nil, err
	}
	if to == "" {
		return nil, invalidArg("to is required")
	}
	amount, err := amountArg(args, "amount")
	if err != nil {
		return nil, err
	}

	cred, err := callerCredential(ctx, t.deps.Wallets, tc)
	if err != nil {
		return nil, err
	}
	network, err := networkArg(args, cred.Network)
	if err != nil {
		return nil, err
	}
	if network != cred.Network {
		return nil, invalidArg("wallet is on %s, not %s", cred.Network, network)
	}
	if err := payment.ValidateAddress(network, to); err != nil {
		return nil, invalidArg("%v", err)
	}

	receipt, err := t.deps.Ledger.Transfer(ctx, cred, to, amount, network)
	if err != nil {
		t.deps.Logger.Warn(fmt.Sprintf("send-transaction for caller %s failed: %v", tc.CallerID, err), "tools")
		return nil, err
	}
	t.deps.Logger.Info(fmt.Sprintf("send-transaction %s: %d to %s on %s (%s)", receipt.TransactionID, amount, to, network, receipt.Status), "tools")
	return receipt, nil
}
