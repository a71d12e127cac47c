package payment

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	testNetwork = "eip155:84532"
	testPayee   = "0x000000000000000000000000000000000000dEaD"
	testPayer   = "0x71562b71999873DB5b286dF957af199Ec94617F7"
)

func testConfig(values map[string]string) *utils.ConfigManager {
	base := map[string]string{
		"x402_network":          testNetwork,
		"x402_pay_to":           testPayee,
		"x402_price_per_call":   "1000",
		"x402_max_retries":      "0",
		"x402_retry_backoff_ms": "1",
		"x402_timeout_seconds":  "2",
	}
	for k, v := range values {
		base[k] = v
	}
	return utils.NewConfigManagerFromValues(base)
}

func testLogger() *utils.LogsManager {
	return utils.NewLogsManagerWithWriter(utils.NewConfigManagerFromValues(nil), io.Discard)
}

func testRequirements(t testing.TB) *PaymentRequirements {
	t.Helper()
	p, err := NewRequirementsProvider(testConfig(nil), testLogger())
	if err != nil {
		t.Fatalf("NewRequirementsProvider: %v", err)
	}
	req, err := p.GetRequirements("tools/call", nil)
	if err != nil {
		t.Fatalf("GetRequirements: %v", err)
	}
	return req
}

func successReceipt(req *PaymentRequirements) *TransferReceipt {
	return &TransferReceipt{
		TransactionID: "0.0.123@1700000000.000",
		Status:        TransferSuccess,
		From:          testPayer,
		To:            req.PayTo,
		Amount:        req.MaxAmountRequired,
		Network:       req.Network,
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}
}

// spyLedger counts transfers and returns a canned outcome.
type spyLedger struct {
	mu      sync.Mutex
	calls   int
	receipt *TransferReceipt
	err     error
}

func (s *spyLedger) Transfer(ctx context.Context, cred *Credential, to string, amount uint64, network string) (*TransferReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := *s.receipt
	r.To, r.Amount, r.Network = to, amount, network
	return &r, nil
}

func (s *spyLedger) Balance(ctx context.Context, cred *Credential) (*Balance, error) {
	return &Balance{Address: cred.OperatorAccountID, Network: cred.Network, Amount: 1_000_000}, nil
}

// scriptedFacilitator records call order and returns fixed answers.
type scriptedFacilitator struct {
	mu        sync.Mutex
	calls     []string
	valid     bool
	settleOK  bool
	verifyErr error
	settleErr error
}

func (f *scriptedFacilitator) Verify(ctx context.Context, p *PaymentPayload, req *PaymentRequirements) (*VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "verify")
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	res := &VerificationResult{Valid: f.valid, TransactionID: p.Payload.TransactionID, Status: "verified"}
	if !f.valid {
		res.Status, res.Error = "rejected", "invalid_payment"
	}
	return res, nil
}

func (f *scriptedFacilitator) Settle(ctx context.Context, p *PaymentPayload, req *PaymentRequirements) (*SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "settle")
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	res := &SettlementResult{Success: f.settleOK, TransactionID: p.Payload.TransactionID, Status: "settled"}
	if !f.settleOK {
		res.Status, res.Error = "failed", "settlement_failed"
	}
	return res, nil
}

type memoryAttempts struct {
	mu    sync.Mutex
	saved map[string]*PaymentFlowResult
}

func (m *memoryAttempts) SaveAttempt(ctx context.Context, r *PaymentFlowResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*PaymentFlowResult)
	}
	m.saved[r.AttemptID] = r
	return nil
}

func (m *memoryAttempts) GetAttempt(ctx context.Context, id string) (*PaymentFlowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.saved[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return r, nil
}

func (m *memoryAttempts) ListAttemptsByCaller(ctx context.Context, callerID string, limit int) ([]*PaymentFlowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PaymentFlowResult
	for _, r := range m.saved {
		if r.CallerID == callerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
