package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	evmTransferGas    = 21000
	solanaFeeLamports = 5000
)

// TransactionDraft is an unsigned transfer for the caller to review.
type TransactionDraft struct {
	DraftID   string `json:"draftId"`
	Network   string `json:"network"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount,string"`
	Asset     string `json:"asset"`
	GasLimit  uint64 `json:"gasLimit,omitempty"`
	FeeUnits  uint64 `json:"feeUnits,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	Digest    string `json:"digest"`
}

type BuildTransaction struct {
	deps Deps
}

func NewBuildTransaction(deps Deps) *BuildTransaction { return &BuildTransaction{deps: deps} }

func (t *BuildTransaction) Name() string { return "build-transaction" }

func (t *BuildTransaction) Description() string {
	return "Validate a transfer and return an unsigned draft without sending it"
}

func (t *BuildTransaction) InputSchema() map[string]interface{} {
	return schema([]string{"to", "amount"}, map[string]interface{}{
		"to": addressProp, "amount": amountProp, "network": networkProp,
	})
}

func (t *BuildTransaction) Invoke(ctx context.Context, args map[string]interface{}, tc *mcp.ToolContext) (interface{}, error) {
	draft, err := t.draft(ctx, args, tc)
	if err != nil {
		return nil, err
	}
	return draft, nil
}

func (t *BuildTransaction) draft(ctx context.Context, args map[string]interface{}, tc *mcp.ToolContext) (*TransactionDraft, error) {
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

	fallback := t.deps.DefaultNetwork
	var from string
	if tc != nil && tc.CallerID != "" && t.deps.Wallets != nil {
		if cred, err := t.deps.Wallets.GetDecryptedCredentialByUserID(ctx, tc.CallerID); err == nil && cred != nil {
			from = cred.OperatorAccountID
			fallback = cred.Network
		}
	}
	network, err := networkArg(args, fallback)
	if err != nil {
		return nil, err
	}
	if err := payment.ValidateAddress(network, to); err != nil {
		return nil, invalidArg("%v", err)
	}

	draft := &TransactionDraft{
		DraftID:   uuid.New().String(),
		Network:   network,
		From:      from,
		To:        to,
		Amount:    amount,
		Asset:     payment.NativeAsset(network),
		CreatedAt: time.Now().Unix(),
	}
	if family, _ := payment.NetworkFamily(network); family == payment.FamilySolana {
		draft.FeeUnits = solanaFeeLamports
	} else {
		draft.GasLimit = evmTransferGas
	}

	digest, err := utils.HashCanonical(struct {
		Network string `json:"network"`
		From    string `json:"from"`
		To      string `json:"to"`
		Amount  uint64 `json:"amount,string"`
	}{draft.Network, draft.From, draft.To, draft.Amount})
	if err != nil {
		return nil, err
	}
	draft.Digest = digest
	return draft, nil
}
