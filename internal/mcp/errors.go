package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrPaymentUnavailable  = errors.New("payment temporarily unavailable")
	ErrEvidenceReused      = errors.New("payment evidence already redeemed")
	ErrDuplicateRequestID  = errors.New("request id already pending")
	ErrPendingClosed       = errors.New("pending table closed")
	ErrDuplicateTool       = errors.New("tool already registered")
	ErrEndpointUnavailable = errors.New("remote endpoint unavailable")
)

// PaymentFailedError reports a payment that ran and did not succeed. The
// flow result is attached for the caller.
type PaymentFailedError struct {
	Result *payment.PaymentFlowResult
	Reason string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

// ErrorCode returns the JSON-RPC code for a gateway error.
func ErrorCode(err error) int {
	var failed *PaymentFailedError
	switch {
	case errors.Is(err, ErrUnknownTool):
		return CodeUnknownTool
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidParams
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeRequestTimeout
	case errors.Is(err, ErrPaymentUnavailable), errors.Is(err, payment.ErrFacilitatorUnreachable):
		return CodePaymentUnavailable
	case errors.As(err, &failed), errors.Is(err, ErrEvidenceReused):
		return CodePaymentFailed
	}
	return CodeInternalError
}
