package payment

import "errors"

var (
	// Configuration
	ErrConfiguration      = errors.New("payment configuration error")
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// Ledger
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrNetworkUnavailable = errors.New("ledger network unavailable")
	ErrNetworkMismatch    = errors.New("credential network does not match payment network")
	ErrInvalidAmount      = errors.New("invalid transfer amount")

	// Payload
	ErrReceiptNotTerminal = errors.New("transfer receipt is not terminal")

	// Facilitator
	ErrFacilitatorUnreachable = errors.New("payment facilitator unreachable")
	ErrSettleWithoutVerify    = errors.New("settlement requires a prior successful verification")

	// Credentials
	ErrNoCredential      = errors.New("no credential available for caller")
	ErrInvalidPrivateKey = errors.New("invalid private key")

	ErrAttemptNotFound = errors.New("payment attempt not found")
)

// StageError records the flow stage an error occurred in.
type StageError struct {
	Stage FlowStage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
