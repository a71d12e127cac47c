package mcp

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/session"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	testTxID    = "0.0.123@1700000000.000"
	testNetwork = "eip155:84532"
	testPayee   = "0x000000000000000000000000000000000000dEaD"
	testPayer   = "0x71562b71999873DB5b286dF957af199Ec94617F7"
)

func testLogger() *utils.LogsManager {
	return utils.NewLogsManagerWithWriter(utils.NewConfigManagerFromValues(nil), io.Discard)
}

func testRequirementsProvider() *payment.RequirementsProvider {
	cm := utils.NewConfigManagerFromValues(map[string]string{
		"x402_network":        testNetwork,
		"x402_pay_to":         testPayee,
		"x402_price_per_call": "1000",
	})
	p, err := payment.NewRequirementsProvider(cm, testLogger())
	if err != nil {
		panic(err)
	}
	return p
}

// countingTool records invocations and echoes its arguments.
type countingTool struct {
	name  string
	mu    sync.Mutex
	calls int
	last  *ToolContext
}

func (t *countingTool) Name() string                        { return t.name }
func (t *countingTool) Description() string                 { return "test tool" }
func (t *countingTool) InputSchema() map[string]interface{} { return nil }

func (t *countingTool) Invoke(ctx context.Context, args map[string]interface{}, tc *ToolContext) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.last = tc
	return map[string]interface{}{"balance": "5000", "caller": tc.CallerID}, nil
}

func (t *countingTool) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type fakeLedger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *fakeLedger) Transfer(ctx context.Context, cred *payment.Credential, to string, amount uint64, network string) (*payment.TransferReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &payment.TransferReceipt{
		TransactionID: testTxID,
		Status:        payment.TransferSuccess,
		From:          cred.OperatorAccountID,
		To:            to,
		Amount:        amount,
		Network:       network,
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}, nil
}

func (l *fakeLedger) Balance(ctx context.Context, cred *payment.Credential) (*payment.Balance, error) {
	return &payment.Balance{Address: cred.OperatorAccountID, Network: cred.Network, Amount: 5000}, nil
}

type fakeFacilitator struct {
	mu        sync.Mutex
	calls     []string
	invalid   string
	verifyErr error
	settleErr error
}

func (f *fakeFacilitator) Verify(ctx context.Context, p *payment.PaymentPayload, req *payment.PaymentRequirements) (*payment.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "verify")
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.invalid != "" {
		return &payment.VerificationResult{Valid: false, TransactionID: p.Payload.TransactionID, Error: f.invalid}, nil
	}
	return &payment.VerificationResult{Valid: true, TransactionID: p.Payload.TransactionID, Status: "verified"}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, p *payment.PaymentPayload, req *payment.PaymentRequirements) (*payment.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "settle")
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &payment.SettlementResult{Success: true, TransactionID: p.Payload.TransactionID, Status: "settled"}, nil
}

func (f *fakeFacilitator) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type staticCredentials struct {
	creds map[string]*payment.Credential
}

func (s *staticCredentials) GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*payment.Credential, error) {
	return s.creds[userID], nil
}

type fixture struct {
	gateway     *Gateway
	tool        *countingTool
	ledger      *fakeLedger
	facilitator *fakeFacilitator
	sessions    *session.MemoryStore
}

func newFixture(ttl time.Duration) *fixture {
	logger := testLogger()
	requirements := testRequirementsProvider()
	ledger := &fakeLedger{}
	facilitator := &fakeFacilitator{}

	orchestrator := payment.NewOrchestrator(logger, requirements, ledger, facilitator, payment.PolicyVerifyThenSettle)
	orchestrator.SetCredentialSource(&staticCredentials{creds: map[string]*payment.Credential{
		"alice": {UserID: "alice", OperatorAccountID: testPayer, PrivateKey: "secret", Network: testNetwork},
	}})

	registry := NewRegistry()
	tool := &countingTool{name: "check-balance"}
	if err := registry.Register(tool); err != nil {
		panic(err)
	}

	sessions := session.NewMemoryStore()
	gw := NewGateway(GatewayOptions{
		Registry:     registry,
		Policy:       NewGatePolicy([]string{"*"}),
		Requirements: requirements,
		Facilitator:  facilitator,
		Payer:        orchestrator,
		Sessions:     sessions,
		SessionTTL:   ttl,
		Settlement:   payment.PolicyVerifyThenSettle,
		Logger:       logger,
	})
	return &fixture{gateway: gw, tool: tool, ledger: ledger, facilitator: facilitator, sessions: sessions}
}
