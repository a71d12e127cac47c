package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// BuildPayload turns a terminal receipt into facilitator evidence bound to
// req. Pure: no I/O.
func BuildPayload(receipt *TransferReceipt, req *PaymentRequirements) (*PaymentPayload, error) {
	if receipt == nil || req == nil {
		return nil, errors.New("receipt and requirements are required")
	}
	if !receipt.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrReceiptNotTerminal, receipt.TransactionID, receipt.Status)
	}

	hash, err := HashRequirements(req)
	if err != nil {
		return nil, err
	}

	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     receipt.Network,
		Payload: TransferEvidence{
			TransactionID: receipt.TransactionID,
			Amount:        receipt.Amount,
			From:          receipt.From,
			To:            receipt.To,
			Status:        receipt.Status,
			Network:       receipt.Network,
			Timestamp:     receipt.Timestamp.Unix(),
		},
		RequirementsHash: hash,
	}, nil
}

// EncodePayload renders a payload for the X-PAYMENT header.
func EncodePayload(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload accepts either the base64 header form or raw JSON.
func DecodePayload(s string) (*PaymentPayload, error) {
	raw := []byte(s)
	if len(s) > 0 && s[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid payment header encoding: %w", err)
		}
		raw = decoded
	}

	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid payment payload: %w", err)
	}
	if p.Payload.TransactionID == "" || p.RequirementsHash == "" {
		return nil, errors.New("invalid payment payload: missing transactionId or requirementsHash")
	}
	return &p, nil
}
