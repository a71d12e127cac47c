package payment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type stageRecorder struct {
	mu     sync.Mutex
	stages []FlowStage
}

func (r *stageRecorder) OnPaymentStage(callerID string, attemptID string, stage FlowStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func testCredential() *Credential {
	return &Credential{UserID: "user-1", OperatorAccountID: testPayer, PrivateKey: "k", Network: testNetwork}
}

func newTestOrchestrator(t *testing.T, ledger TransferAdapter, fac FacilitatorClient, policy SettlementPolicy) *Orchestrator {
	t.Helper()
	provider, err := NewRequirementsProvider(testConfig(nil), testLogger())
	if err != nil {
		t.Fatalf("NewRequirementsProvider: %v", err)
	}
	return NewOrchestrator(testLogger(), provider, ledger, fac, policy)
}

func TestProcessPaymentSuccess(t *testing.T) {
	req := testRequirements(t)
	ledger := &spyLedger{receipt: successReceipt(req)}
	fac := &scriptedFacilitator{valid: true, settleOK: true}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)
	stages := &stageRecorder{}
	o.SetObserver(stages)
	attempts := &memoryAttempts{}
	o.SetAttemptStore(attempts)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())

	if !result.Success || result.Stage != StageDone {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Transaction.TransactionID != "0.0.123@1700000000.000" {
		t.Errorf("transaction id = %s", result.Transaction.TransactionID)
	}
	if result.Verification == nil || result.Settlement == nil {
		t.Fatal("verification and settlement must be set")
	}
	if !reflect.DeepEqual(fac.calls, []string{"verify", "settle"}) {
		t.Errorf("facilitator call order = %v", fac.calls)
	}
	want := []FlowStage{StageTransferring, StageVerifying, StageSettling, StageDone}
	if !reflect.DeepEqual(stages.stages, want) {
		t.Errorf("stages = %v, want %v", stages.stages, want)
	}

	stored, err := o.LookupAttempt(context.Background(), result.AttemptID)
	if err != nil || !stored.Success {
		t.Errorf("attempt not recorded: %v", err)
	}

	history, err := o.ListAttempts(context.Background(), "user-1", 10)
	if err != nil || len(history) != 1 || history[0].AttemptID != result.AttemptID {
		t.Errorf("ListAttempts = %v, %v", history, err)
	}
	if other, _ := o.ListAttempts(context.Background(), "user-2", 10); len(other) != 0 {
		t.Errorf("attempts leaked to another caller: %v", other)
	}
}

func TestProcessPaymentSkipsSettleWhenVerifyFails(t *testing.T) {
	req := testRequirements(t)
	ledger := &spyLedger{receipt: successReceipt(req)}
	fac := &scriptedFacilitator{valid: false, settleOK: true}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())

	if result.Success || result.FailedStage != StageVerifying {
		t.Fatalf("expected failure at VERIFYING, got %+v", result)
	}
	if result.Settlement != nil {
		t.Error("settlement must be nil when verification fails")
	}
	if !reflect.DeepEqual(fac.calls, []string{"verify"}) {
		t.Errorf("facilitator calls = %v", fac.calls)
	}
	if ledger.calls != 1 {
		t.Errorf("transfer called %d times, want 1", ledger.calls)
	}
}

func TestProcessPaymentSettleFailureTransfersOnce(t *testing.T) {
	req := testRequirements(t)
	ledger := &spyLedger{receipt: successReceipt(req)}
	fac := &scriptedFacilitator{valid: true, settleOK: false}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())

	if result.Success || result.FailedStage != StageSettling {
		t.Fatalf("expected failure at SETTLING, got %+v", result)
	}
	if result.Settlement == nil || result.Settlement.Success {
		t.Errorf("settlement should be recorded as failed: %+v", result.Settlement)
	}
	if ledger.calls != 1 {
		t.Errorf("transfer called %d times, want 1", ledger.calls)
	}
}

func TestProcessPaymentInsufficientFunds(t *testing.T) {
	ledger := &spyLedger{err: fmt.Errorf("%w: have 1, need 1000", ErrInsufficientFunds)}
	fac := &scriptedFacilitator{valid: true, settleOK: true}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Verification != nil || result.Settlement != nil {
		t.Error("facilitator results must be nil after a failed transfer")
	}
	if len(fac.calls) != 0 {
		t.Errorf("facilitator called: %v", fac.calls)
	}
	if result.Transaction == nil || result.Transaction.Error == "" {
		t.Error("transfer error must be recorded under transaction.error")
	}
	if !errors.Is(result.Err, ErrInsufficientFunds) {
		t.Errorf("Err = %v, want ErrInsufficientFunds", result.Err)
	}
}

func TestProcessPaymentFailedReceipt(t *testing.T) {
	req := testRequirements(t)
	receipt := successReceipt(req)
	receipt.Status = TransferFailed
	ledger := &spyLedger{receipt: receipt}
	fac := &scriptedFacilitator{valid: true, settleOK: true}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())
	if result.Success || len(fac.calls) != 0 {
		t.Fatalf("failed receipt must stop the flow: %+v, calls %v", result, fac.calls)
	}
}

func TestProcessPaymentFacilitatorUnreachable(t *testing.T) {
	req := testRequirements(t)
	ledger := &spyLedger{receipt: successReceipt(req)}
	fac := &scriptedFacilitator{verifyErr: ErrFacilitatorUnreachable}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyThenSettle)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())
	if result.Success || !errors.Is(result.Err, ErrFacilitatorUnreachable) {
		t.Fatalf("expected unreachable failure, got %+v", result)
	}
	if ledger.calls != 1 {
		t.Errorf("transfer called %d times", ledger.calls)
	}
}

func TestProcessPaymentVerifyOnlyPolicy(t *testing.T) {
	req := testRequirements(t)
	ledger := &spyLedger{receipt: successReceipt(req)}
	fac := &scriptedFacilitator{valid: true}
	o := newTestOrchestrator(t, ledger, fac, PolicyVerifyOnly)

	result := o.ProcessPayment(context.Background(), "user-1", "tools/call", testCredential())
	if !result.Success || result.Settlement != nil {
		t.Fatalf("verify-only should succeed without settlement: %+v", result)
	}
	if !reflect.DeepEqual(fac.calls, []string{"verify"}) {
		t.Errorf("calls = %v", fac.calls)
	}
}

type mapCredentials map[string]*Credential

func (m mapCredentials) GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*Credential, error) {
	return m[userID], nil
}

func TestPayForCallerWithoutCredential(t *testing.T) {
	ledger := &spyLedger{}
	o := newTestOrchestrator(t, ledger, &scriptedFacilitator{}, PolicyVerifyThenSettle)
	o.SetCredentialSource(mapCredentials{})

	result := o.PayForCaller(context.Background(), "nobody", "tools/call")
	if result.Success || !errors.Is(result.Err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %+v", result)
	}
	if ledger.calls != 0 {
		t.Error("transfer attempted without credential")
	}
}

func TestParseSettlementPolicy(t *testing.T) {
	if p, err := ParseSettlementPolicy(""); err != nil || p != PolicyVerifyThenSettle {
		t.Errorf("default policy = %s, %v", p, err)
	}
	if _, err := ParseSettlementPolicy("settle_first"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
