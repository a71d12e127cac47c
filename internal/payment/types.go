package payment

import (
	"fmt"
	"time"
)

// X402Version is the protocol version carried in challenges and payloads.
const X402Version = 1

const SchemeExact = "exact"

// PaymentRequirements describes what must be paid to access one resource.
// Built per request from server configuration and never persisted.
type PaymentRequirements struct {
	ResourceID        string `json:"resourceId"`
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired uint64 `json:"maxAmountRequired,string"`
	Asset             string `json:"asset"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSuccess TransferStatus = "SUCCESS"
	TransferFailed  TransferStatus = "FAILED"
)

// TransferReceipt is the ledger's answer to a value transfer. SUCCESS and
// FAILED are terminal.
type TransferReceipt struct {
	TransactionID string         `json:"transactionId"`
	Status        TransferStatus `json:"status"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Amount        uint64         `json:"amount,string"`
	Network       string         `json:"network"`
	Timestamp     time.Time      `json:"timestamp"`
	Error         string         `json:"error,omitempty"`
}

func (r *TransferReceipt) IsTerminal() bool {
	return r.Status == TransferSuccess || r.Status == TransferFailed
}

// TransferEvidence is the scheme-specific bundle inside a PaymentPayload.
type TransferEvidence struct {
	TransactionID string         `json:"transactionId"`
	Amount        uint64         `json:"amount,string"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Status        TransferStatus `json:"status"`
	Network       string         `json:"network"`
	Timestamp     int64          `json:"timestamp"`
}

// PaymentPayload is the evidence submitted to the facilitator.
// RequirementsHash binds it to exactly one PaymentRequirements value.
type PaymentPayload struct {
	X402Version      int              `json:"x402Version"`
	Scheme           string           `json:"scheme"`
	Network          string           `json:"network"`
	Payload          TransferEvidence `json:"payload"`
	RequirementsHash string           `json:"requirementsHash"`
}

type Proof struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Network       string `json:"network"`
	Timestamp     int64  `json:"timestamp"`
}

type VerificationResult struct {
	Valid         bool   `json:"valid"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Proof         *Proof `json:"proof,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Error         string `json:"error,omitempty"`
}

type SettlementResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Proof         *Proof `json:"proof,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Error         string `json:"error,omitempty"`
}

// FlowStage is a state of the payment flow state machine:
// TRANSFERRING -> VERIFYING -> SETTLING -> DONE, or FAILED from any stage.
type FlowStage string

const (
	StageTransferring FlowStage = "TRANSFERRING"
	StageVerifying    FlowStage = "VERIFYING"
	StageSettling     FlowStage = "SETTLING"
	StageDone         FlowStage = "DONE"
	StageFailed       FlowStage = "FAILED"
)

// PaymentFlowResult aggregates one payment attempt. Verification and
// Settlement stay nil for stages that were never reached.
type PaymentFlowResult struct {
	AttemptID           string               `json:"attemptId"`
	CallerID            string               `json:"callerId"`
	ResourceID          string               `json:"resourceId"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
	Transaction         *TransferReceipt     `json:"transaction"`
	Verification        *VerificationResult  `json:"verification"`
	Settlement          *SettlementResult    `json:"settlement"`
	Success             bool                 `json:"success"`
	Stage               FlowStage            `json:"stage"`
	FailedStage         FlowStage            `json:"failedStage,omitempty"`
	Error               string               `json:"error,omitempty"`
	StartedAt           time.Time            `json:"startedAt"`
	CompletedAt         time.Time            `json:"completedAt"`

	// Err keeps the underlying error for errors.Is checks.
	Err error `json:"-"`
}

// Balance of a ledger account in smallest units.
type Balance struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Amount  uint64 `json:"amount,string"`
	Asset   string `json:"asset"`
}

// Credential is a custodial signing capability resolved per caller.
type Credential struct {
	UserID            string `json:"userId"`
	OperatorAccountID string `json:"operatorAccountId"`
	PrivateKey        string `json:"-"`
	Network           string `json:"network"`
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{user=%s account=%s network=%s key=[REDACTED]}", c.UserID, c.OperatorAccountID, c.Network)
}
