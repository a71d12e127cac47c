package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// FacilitatorClient verifies and settles payment evidence.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerificationResult, error)
	Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettlementResult, error)
}

type facilitatorRequest struct {
	X402Version  int                  `json:"x402Version"`
	Payload      *PaymentPayload      `json:"payload"`
	Requirements *PaymentRequirements `json:"requirements"`
}

// facilitatorResponse accepts both the plain and the x402 reference field names.
type facilitatorResponse struct {
	Valid         *bool  `json:"valid"`
	IsValid       *bool  `json:"isValid"`
	Success       *bool  `json:"success"`
	TransactionID string `json:"transactionId"`
	Transaction   string `json:"transaction"`
	Status        string `json:"status"`
	Network       string `json:"network"`
	Payer         string `json:"payer"`
	Proof         *Proof `json:"proof"`
	Error         string `json:"error"`
	InvalidReason string `json:"invalidReason"`
	ErrorReason   string `json:"errorReason"`
}

func (r *facilitatorResponse) errorText() string {
	for _, s := range []string{r.Error, r.InvalidReason, r.ErrorReason} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (r *facilitatorResponse) txID(fallback string) string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	if r.Transaction != "" {
		return r.Transaction
	}
	return fallback
}

type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// A verification is served from cache until expires and backs the
// verify-before-settle check until settleBy, which is never earlier.
type cachedVerification struct {
	result   *VerificationResult
	expires  time.Time
	settleBy time.Time
}

type cachedSettlement struct {
	result  *SettlementResult
	expires time.Time
}

// X402Client talks to an x402 facilitator over HTTP. Transport failures are
// retried with exponential backoff; explicit rejections are returned as
// results, never as errors. Results are cached per (transactionId,
// requirementsHash) so repeated calls return the same answer; expired
// entries are swept whenever a new result is stored.
type X402Client struct {
	facilitatorURL    string
	verifyEndpoint    string
	settleEndpoint    string
	supportedEndpoint string
	httpClient        *http.Client
	logger            *utils.LogsManager
	maxRetries        int
	retryBackoff      time.Duration
	cacheTTL          time.Duration
	settleWindow      time.Duration

	mu       sync.Mutex
	verified map[string]cachedVerification
	settled  map[string]cachedSettlement
}

func NewX402Client(config *utils.ConfigManager, logger *utils.LogsManager) *X402Client {
	timeout := time.Duration(config.GetConfigInt("x402_timeout_seconds", 12, 1, 60)) * time.Second

	client := &X402Client{
		facilitatorURL:    strings.TrimRight(config.GetConfigWithDefault("x402_facilitator_url", ""), "/"),
		verifyEndpoint:    config.GetConfigWithDefault("x402_verify_endpoint", "/verify"),
		settleEndpoint:    config.GetConfigWithDefault("x402_settle_endpoint", "/settle"),
		supportedEndpoint: config.GetConfigWithDefault("x402_supported_endpoint", "/supported"),
		httpClient:        &http.Client{Timeout: timeout},
		logger:            logger,
		maxRetries:        config.GetConfigInt("x402_max_retries", 2, 0, 10),
		retryBackoff:      time.Duration(config.GetConfigInt("x402_retry_backoff_ms", 500, 1, 10000)) * time.Millisecond,
		cacheTTL:          config.GetConfigDuration("x402_result_cache_ttl", 10*time.Minute),
		settleWindow:      config.GetConfigDuration("x402_settle_window", 5*time.Minute),
		verified:          make(map[string]cachedVerification),
		settled:           make(map[string]cachedSettlement),
	}

	logger.Info(fmt.Sprintf("X402 client initialized: url=%s, verify=%s, settle=%s, timeout=%v, retries=%d",
		client.facilitatorURL, client.verifyEndpoint, client.settleEndpoint, timeout, client.maxRetries), "x402_client")

	return client
}

func resultKey(payload *PaymentPayload) string {
	return payload.Network + "|" + payload.Payload.TransactionID + "|" + payload.RequirementsHash
}

// bindingError checks the payload against req locally. A non-empty result
// means the payload must be rejected without contacting the facilitator.
func bindingError(payload *PaymentPayload, req *PaymentRequirements) string {
	expected, err := HashRequirements(req)
	if err != nil {
		return fmt.Sprintf("failed to hash requirements: %v", err)
	}
	switch {
	case payload.RequirementsHash != expected:
		return "requirements hash mismatch"
	case payload.Network != req.Network:
		return fmt.Sprintf("network mismatch: payload %s, required %s", payload.Network, req.Network)
	case !SameAddress(req.Network, payload.Payload.To, req.PayTo):
		return "payment recipient does not match payTo"
	case payload.Payload.Amount < req.MaxAmountRequired:
		return fmt.Sprintf("amount %d below required %d", payload.Payload.Amount, req.MaxAmountRequired)
	}
	return ""
}

func (c *X402Client) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerificationResult, error) {
	if payload == nil || req == nil {
		return nil, errors.New("payload and requirements are required")
	}

	if reason := bindingError(payload, req); reason != "" {
		c.logger.Warn(fmt.Sprintf("Rejecting payload %s before verify: %s", payload.Payload.TransactionID, reason), "x402_client")
		return &VerificationResult{
			Valid:         false,
			TransactionID: payload.Payload.TransactionID,
			Status:        "rejected",
			Error:         reason,
		}, nil
	}

	key := resultKey(payload)
	c.mu.Lock()
	if cached, ok := c.verified[key]; ok && time.Now().Before(cached.expires) {
		c.mu.Unlock()
		copied := *cached.result
		return &copied, nil
	}
	c.mu.Unlock()

	resp, err := c.post(ctx, c.verifyEndpoint, "verify", &facilitatorRequest{X402Version: X402Version, Payload: payload, Requirements: req})
	if err != nil {
		return nil, err
	}

	valid := (resp.Valid != nil && *resp.Valid) || (resp.IsValid != nil && *resp.IsValid)
	result := &VerificationResult{
		Valid:         valid,
		TransactionID: resp.txID(payload.Payload.TransactionID),
		Status:        resp.Status,
		Proof:         resp.Proof,
		Payer:         resp.Payer,
		Error:         resp.errorText(),
	}
	if result.Status == "" {
		result.Status = "verified"
		if !valid {
			result.Status = "rejected"
		}
	}
	if !valid && result.Error == "" {
		result.Error = "payment rejected by facilitator"
	}

	now := time.Now()
	entry := cachedVerification{result: result, expires: now.Add(c.cacheTTL), settleBy: now.Add(c.settleWindow)}
	if entry.settleBy.Before(entry.expires) {
		entry.settleBy = entry.expires
	}
	c.mu.Lock()
	c.sweepExpiredLocked(now)
	c.verified[key] = entry
	c.mu.Unlock()

	copied := *result
	return &copied, nil
}

func (c *X402Client) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettlementResult, error) {
	if payload == nil || req == nil {
		return nil, errors.New("payload and requirements are required")
	}

	if reason := bindingError(payload, req); reason != "" {
		return &SettlementResult{
			Success:       false,
			TransactionID: payload.Payload.TransactionID,
			Status:        "rejected",
			Error:         reason,
		}, nil
	}

	key := resultKey(payload)
	c.mu.Lock()
	verification, ok := c.verified[key]
	if !ok || !verification.result.Valid || !time.Now().Before(verification.settleBy) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSettleWithoutVerify, payload.Payload.TransactionID)
	}
	if cached, ok := c.settled[key]; ok && time.Now().Before(cached.expires) {
		c.mu.Unlock()
		copied := *cached.result
		return &copied, nil
	}
	c.mu.Unlock()

	resp, err := c.post(ctx, c.settleEndpoint, "settle", &facilitatorRequest{X402Version: X402Version, Payload: payload, Requirements: req})
	if err != nil {
		return nil, err
	}

	success := resp.Success != nil && *resp.Success
	result := &SettlementResult{
		Success:       success,
		TransactionID: resp.txID(payload.Payload.TransactionID),
		Status:        resp.Status,
		Proof:         resp.Proof,
		Payer:         resp.Payer,
		Error:         resp.errorText(),
	}
	if result.Status == "" {
		result.Status = "settled"
		if !success {
			result.Status = "failed"
		}
	}
	if !success && result.Error == "" {
		result.Error = "settlement rejected by facilitator"
	}

	if success {
		c.logger.Info(fmt.Sprintf("Settlement successful: tx=%s, network=%s", result.TransactionID, payload.Network), "x402_client")
		now := time.Now()
		c.mu.Lock()
		c.sweepExpiredLocked(now)
		c.settled[key] = cachedSettlement{result: result, expires: now.Add(c.cacheTTL)}
		c.mu.Unlock()
	}

	copied := *result
	return &copied, nil
}

// Supported lists the scheme/network pairs the facilitator accepts.
func (c *X402Client) Supported(ctx context.Context) ([]SupportedKind, error) {
	if c.facilitatorURL == "" {
		return nil, fmt.Errorf("%w: no facilitator URL configured", ErrFacilitatorUnreachable)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.facilitatorURL+c.supportedEndpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", "x402-mcp-gateway/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: supported returned HTTP %d", ErrFacilitatorUnreachable, resp.StatusCode)
	}

	var body struct {
		Kinds []SupportedKind `json:"kinds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return body.Kinds, nil
}

// sweepExpiredLocked drops verifications past their settle window and
// settlements past their TTL. c.mu must be held.
func (c *X402Client) sweepExpiredLocked(now time.Time) {
	for key, v := range c.verified {
		if !now.Before(v.settleBy) {
			delete(c.verified, key)
		}
	}
	for key, s := range c.settled {
		if !now.Before(s.expires) {
			delete(c.settled, key)
		}
	}
}

func (c *X402Client) post(ctx context.Context, endpoint string, op string, body interface{}) (*facilitatorResponse, error) {
	if c.facilitatorURL == "" {
		return nil, fmt.Errorf("%w: no facilitator URL configured", ErrFacilitatorUnreachable)
	}

	url := c.facilitatorURL + endpoint
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, ctx.Err())
			case <-time.After(backoff):
			}

			c.logger.Info(fmt.Sprintf("Retrying facilitator %s (attempt %d/%d)", op, attempt+1, c.maxRetries+1), "x402_client")
		}

		resp, err := c.sendRequest(ctx, url, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.Is(err, ErrFacilitatorUnreachable) {
			return nil, err
		}
	}

	c.logger.Error(fmt.Sprintf("Facilitator %s failed after %d attempts: %v", op, c.maxRetries+1, lastErr), "x402_client")
	return nil, lastErr
}

// sendRequest performs one POST. Transport errors, timeouts and 5xx map to
// ErrFacilitatorUnreachable; 4xx bodies are decoded as rejections.
func (c *X402Client) sendRequest(ctx context.Context, url string, body interface{}) (*facilitatorResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "x402-mcp-gateway/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: timeout: %v", ErrFacilitatorUnreachable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrFacilitatorUnreachable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrFacilitatorUnreachable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed facilitatorResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			f := false
			return &facilitatorResponse{Valid: &f, Success: &f, Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}, nil
		}
		return nil, fmt.Errorf("%w: malformed response: %v", ErrFacilitatorUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		f := false
		parsed.Valid, parsed.IsValid, parsed.Success = &f, nil, &f
		if parsed.errorText() == "" {
			parsed.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
	}

	return &parsed, nil
}
