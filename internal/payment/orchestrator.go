package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

type SettlementPolicy string

const (
	PolicyVerifyThenSettle SettlementPolicy = "verify_then_settle"
	PolicyVerifyOnly       SettlementPolicy = "verify_only"
)

func ParseSettlementPolicy(s string) (SettlementPolicy, error) {
	switch SettlementPolicy(s) {
	case PolicyVerifyThenSettle, "":
		return PolicyVerifyThenSettle, nil
	case PolicyVerifyOnly:
		return PolicyVerifyOnly, nil
	}
	return "", fmt.Errorf("%w: unknown settlement policy %q", ErrConfiguration, s)
}

// CredentialSource resolves a caller's custodial credential. A nil
// credential with a nil error means the caller has none.
type CredentialSource interface {
	GetDecryptedCredentialByUserID(ctx context.Context, userID string) (*Credential, error)
}

// AttemptStore persists flow results so callers can re-query status instead
// of paying again after a timeout.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, result *PaymentFlowResult) error
	GetAttempt(ctx context.Context, attemptID string) (*PaymentFlowResult, error)
	ListAttemptsByCaller(ctx context.Context, callerID string, limit int) ([]*PaymentFlowResult, error)
}

// FlowObserver is told about every stage a flow enters.
type FlowObserver interface {
	OnPaymentStage(callerID string, attemptID string, stage FlowStage)
}

// Orchestrator runs one payment attempt through
// TRANSFERRING -> VERIFYING -> SETTLING -> DONE. Any failure ends the flow
// in FAILED and is folded into the result. No stage is retried here; the
// transfer in particular runs at most once per attempt.
type Orchestrator struct {
	requirements RequirementsSource
	ledger       TransferAdapter
	facilitator  FacilitatorClient
	credentials  CredentialSource
	attempts     AttemptStore
	observer     FlowObserver
	policy       SettlementPolicy
	logger       *utils.LogsManager
}

func NewOrchestrator(logger *utils.LogsManager, requirements RequirementsSource, ledger TransferAdapter, facilitator FacilitatorClient, policy SettlementPolicy) *Orchestrator {
	if policy == "" {
		policy = PolicyVerifyThenSettle
	}
	return &Orchestrator{
		requirements: requirements,
		ledger:       ledger,
		facilitator:  facilitator,
		policy:       policy,
		logger:       logger,
	}
}

func (o *Orchestrator) SetCredentialSource(src CredentialSource) { o.credentials = src }
func (o *Orchestrator) SetAttemptStore(store AttemptStore)       { o.attempts = store }
func (o *Orchestrator) SetObserver(observer FlowObserver)        { o.observer = observer }

func (o *Orchestrator) Policy() SettlementPolicy { return o.policy }

// PayForCaller looks up the caller's credential and runs ProcessPayment.
func (o *Orchestrator) PayForCaller(ctx context.Context, callerID string, resourceID string) *PaymentFlowResult {
	var cred *Credential
	if o.credentials != nil {
		c, err := o.credentials.GetDecryptedCredentialByUserID(ctx, callerID)
		if err != nil {
			result := o.newResult(callerID, resourceID)
			return o.fail(ctx, result, StageTransferring, fmt.Errorf("%w: credential lookup: %v", ErrNoCredential, err))
		}
		cred = c
	}
	return o.ProcessPayment(ctx, callerID, resourceID, cred)
}

func (o *Orchestrator) ProcessPayment(ctx context.Context, callerID string, resourceID string, cred *Credential) *PaymentFlowResult {
	result := o.newResult(callerID, resourceID)
	o.enter(result, StageTransferring)

	req, err := o.requirements.GetRequirements(resourceID, nil)
	if err != nil {
		return o.fail(ctx, result, StageTransferring, err)
	}
	result.PaymentRequirements = req

	if cred == nil {
		return o.fail(ctx, result, StageTransferring, ErrNoCredential)
	}

	receipt, err := o.ledger.Transfer(ctx, cred, req.PayTo, req.MaxAmountRequired, req.Network)
	if err != nil {
		if receipt == nil {
			receipt = &TransferReceipt{
				Status:  TransferFailed,
				From:    cred.OperatorAccountID,
				To:      req.PayTo,
				Amount:  req.MaxAmountRequired,
				Network: req.Network,
			}
		}
		copied := *receipt
		copied.Error = err.Error()
		result.Transaction = &copied
		return o.fail(ctx, result, StageTransferring, err)
	}
	result.Transaction = receipt

	if receipt.Status != TransferSuccess {
		msg := receipt.Error
		if msg == "" {
			msg = fmt.Sprintf("transfer ended with status %s", receipt.Status)
		}
		return o.fail(ctx, result, StageTransferring, errors.New(msg))
	}

	payload, err := BuildPayload(receipt, req)
	if err != nil {
		o.logger.Error(fmt.Sprintf("Payload build failed after successful transfer %s: %v", receipt.TransactionID, err), "orchestrator")
		return o.fail(ctx, result, StageTransferring, err)
	}

	o.enter(result, StageVerifying)
	verification, err := o.facilitator.Verify(ctx, payload, req)
	if err != nil {
		return o.fail(ctx, result, StageVerifying, err)
	}
	result.Verification = verification
	if !verification.Valid {
		return o.fail(ctx, result, StageVerifying, fmt.Errorf("verification rejected: %s", verification.Error))
	}

	if o.policy == PolicyVerifyOnly {
		return o.done(ctx, result)
	}

	o.enter(result, StageSettling)
	settlement, err := o.facilitator.Settle(ctx, payload, req)
	if err != nil {
		return o.fail(ctx, result, StageSettling, err)
	}
	result.Settlement = settlement
	if !settlement.Success {
		return o.fail(ctx, result, StageSettling, fmt.Errorf("settlement rejected: %s", settlement.Error))
	}

	return o.done(ctx, result)
}

// LookupAttempt returns a previously recorded attempt.
func (o *Orchestrator) LookupAttempt(ctx context.Context, attemptID string) (*PaymentFlowResult, error) {
	if o.attempts == nil {
		return nil, ErrAttemptNotFound
	}
	return o.attempts.GetAttempt(ctx, attemptID)
}

// ListAttempts returns the caller's most recent attempts, newest first.
func (o *Orchestrator) ListAttempts(ctx context.Context, callerID string, limit int) ([]*PaymentFlowResult, error) {
	if o.attempts == nil {
		return nil, nil
	}
	return o.attempts.ListAttemptsByCaller(ctx, callerID, limit)
}

func (o *Orchestrator) newResult(callerID string, resourceID string) *PaymentFlowResult {
	return &PaymentFlowResult{
		AttemptID:  uuid.New().String(),
		CallerID:   callerID,
		ResourceID: resourceID,
		StartedAt:  time.Now().UTC(),
	}
}

func (o *Orchestrator) enter(result *PaymentFlowResult, stage FlowStage) {
	result.Stage = stage
	if o.observer != nil {
		o.observer.OnPaymentStage(result.CallerID, result.AttemptID, stage)
	}
}

func (o *Orchestrator) fail(ctx context.Context, result *PaymentFlowResult, stage FlowStage, err error) *PaymentFlowResult {
	result.Success = false
	result.FailedStage = stage
	result.Err = &StageError{Stage: stage, Err: err}
	result.Error = err.Error()
	o.enter(result, StageFailed)

	o.logger.Warn(fmt.Sprintf("Payment flow failed: caller=%s resource=%s stage=%s attempt=%s: %v",
		result.CallerID, result.ResourceID, stage, result.AttemptID, err), "orchestrator")

	o.finish(ctx, result)
	return result
}

func (o *Orchestrator) done(ctx context.Context, result *PaymentFlowResult) *PaymentFlowResult {
	result.Success = true
	o.enter(result, StageDone)

	o.logger.Info(fmt.Sprintf("Payment flow done: caller=%s resource=%s attempt=%s tx=%s",
		result.CallerID, result.ResourceID, result.AttemptID, result.Transaction.TransactionID), "orchestrator")

	o.finish(ctx, result)
	return result
}

func (o *Orchestrator) finish(ctx context.Context, result *PaymentFlowResult) {
	result.CompletedAt = time.Now().UTC()
	if o.attempts == nil {
		return
	}
	// record even if the request context is already gone
	if err := o.attempts.SaveAttempt(context.WithoutCancel(ctx), result); err != nil {
		o.logger.Error(fmt.Sprintf("Failed to record payment attempt %s: %v", result.AttemptID, err), "orchestrator")
	}
}
