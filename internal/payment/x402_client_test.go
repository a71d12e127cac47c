package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeFacilitator counts calls per endpoint and transaction id.
type fakeFacilitator struct {
	mu          sync.Mutex
	calls       map[string]int
	order       []string
	valid       bool
	verifyCode  int
	settleDelay time.Duration
}

func newFakeFacilitator(valid bool) *fakeFacilitator {
	return &fakeFacilitator{calls: make(map[string]int), valid: valid, verifyCode: http.StatusOK}
}

func (f *fakeFacilitator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var body facilitatorRequest
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls["verify:"+body.Payload.Payload.TransactionID]++
		f.order = append(f.order, "verify")
		code := f.verifyCode
		f.mu.Unlock()

		w.WriteHeader(code)
		if code >= 500 {
			return
		}
		if !f.valid {
			json.NewEncoder(w).Encode(map[string]interface{}{"isValid": false, "invalidReason": "insufficient_amount"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid":         true,
			"transactionId": body.Payload.Payload.TransactionID,
			"status":        "verified",
			"proof":         Proof{TransactionID: body.Payload.Payload.TransactionID, Status: "SUCCESS", Network: body.Payload.Network, Timestamp: 1700000000},
		})
	})
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		var body facilitatorRequest
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls["settle:"+body.Payload.Payload.TransactionID]++
		f.order = append(f.order, "settle")
		delay := f.settleDelay
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     true,
			"transaction": body.Payload.Payload.TransactionID,
			"network":     body.Payload.Network,
		})
	})
	return mux
}

func (f *fakeFacilitator) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newTestClient(t *testing.T, f *fakeFacilitator, values map[string]string) *X402Client {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	cfg := map[string]string{"x402_facilitator_url": server.URL}
	for k, v := range values {
		cfg[k] = v
	}
	return NewX402Client(testConfig(cfg), testLogger())
}

func testPayload(t *testing.T, req *PaymentRequirements) *PaymentPayload {
	t.Helper()
	payload, err := BuildPayload(successReceipt(req), req)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	return payload
}

func TestVerifyThenSettle(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, nil)
	req := testRequirements(t)
	payload := testPayload(t, req)

	v, err := client.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.Valid || v.Proof == nil || v.Proof.TransactionID != payload.Payload.TransactionID {
		t.Fatalf("unexpected verification: %+v", v)
	}

	s, err := client.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !s.Success || s.TransactionID != payload.Payload.TransactionID {
		t.Errorf("unexpected settlement: %+v", s)
	}
}

func TestSettleRequiresPriorVerify(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, nil)
	req := testRequirements(t)
	payload := testPayload(t, req)

	_, err := client.Settle(context.Background(), payload, req)
	if !errors.Is(err, ErrSettleWithoutVerify) {
		t.Fatalf("expected ErrSettleWithoutVerify, got %v", err)
	}
	if n := f.count("settle:" + payload.Payload.TransactionID); n != 0 {
		t.Errorf("settle endpoint called %d times", n)
	}
}

func TestSettleRefusedAfterRejectedVerify(t *testing.T) {
	f := newFakeFacilitator(false)
	client := newTestClient(t, f, nil)
	req := testRequirements(t)
	payload := testPayload(t, req)

	v, err := client.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Valid || v.Error != "insufficient_amount" {
		t.Fatalf("expected rejection with reason, got %+v", v)
	}

	if _, err := client.Settle(context.Background(), payload, req); !errors.Is(err, ErrSettleWithoutVerify) {
		t.Fatalf("expected ErrSettleWithoutVerify, got %v", err)
	}
}

func TestVerifyRejectsMismatchedRequirementsLocally(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, nil)
	reqA := testRequirements(t)
	payload := testPayload(t, reqA)

	reqB := *reqA
	reqB.PayTo = "0x1111111111111111111111111111111111111111"

	v, err := client.Verify(context.Background(), payload, &reqB)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Valid || v.Error != "requirements hash mismatch" {
		t.Errorf("expected hash mismatch rejection, got %+v", v)
	}
	if n := f.count("verify:" + payload.Payload.TransactionID); n != 0 {
		t.Errorf("facilitator contacted %d times for a mismatched payload", n)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, nil)
	req := testRequirements(t)
	payload := testPayload(t, req)

	first, err := client.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	second, err := client.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if first.Valid != second.Valid || first.TransactionID != second.TransactionID || first.Status != second.Status {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if n := f.count("verify:" + payload.Payload.TransactionID); n != 1 {
		t.Errorf("facilitator verify called %d times, want 1", n)
	}
}

func cachedResults(c *X402Client) (verified int, settled int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.verified), len(c.settled)
}

func TestResultCacheIsSwept(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, map[string]string{
		"x402_result_cache_ttl": "1ms",
		"x402_settle_window":    "200ms",
	})
	req := testRequirements(t)
	base := testPayload(t, req)
	ctx := context.Background()

	payOnce := func(txID string) {
		t.Helper()
		payload := *base
		payload.Payload.TransactionID = txID
		if v, err := client.Verify(ctx, &payload, req); err != nil || !v.Valid {
			t.Fatalf("Verify %s = %+v, %v", txID, v, err)
		}
		if s, err := client.Settle(ctx, &payload, req); err != nil || !s.Success {
			t.Fatalf("Settle %s = %+v, %v", txID, s, err)
		}
	}

	for i := 0; i < 50; i++ {
		payOnce(fmt.Sprintf("0xtx%03d", i))
	}
	time.Sleep(250 * time.Millisecond)
	payOnce("0xfresh")

	if verified, settled := cachedResults(client); verified != 1 || settled != 1 {
		t.Errorf("cache holds verified=%d settled=%d after expiry, want 1 and 1", verified, settled)
	}
}

func TestSettleWindowOutlivesResultCache(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, map[string]string{
		"x402_result_cache_ttl": "1ms",
		"x402_settle_window":    "1m",
	})
	req := testRequirements(t)
	payload := testPayload(t, req)
	ctx := context.Background()

	if _, err := client.Verify(ctx, payload, req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if s, err := client.Settle(ctx, payload, req); err != nil || !s.Success {
		t.Fatalf("Settle after the cache TTL = %+v, %v", s, err)
	}
}

func TestSettleRefusedAfterWindow(t *testing.T) {
	f := newFakeFacilitator(true)
	client := newTestClient(t, f, map[string]string{
		"x402_result_cache_ttl": "1ms",
		"x402_settle_window":    "1ms",
	})
	req := testRequirements(t)
	payload := testPayload(t, req)

	if _, err := client.Verify(context.Background(), payload, req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := client.Settle(context.Background(), payload, req); !errors.Is(err, ErrSettleWithoutVerify) {
		t.Fatalf("expected ErrSettleWithoutVerify, got %v", err)
	}
}

func TestVerifyServerErrorIsUnreachable(t *testing.T) {
	f := newFakeFacilitator(true)
	f.verifyCode = http.StatusBadGateway
	client := newTestClient(t, f, map[string]string{"x402_max_retries": "2"})
	req := testRequirements(t)
	payload := testPayload(t, req)

	_, err := client.Verify(context.Background(), payload, req)
	if !errors.Is(err, ErrFacilitatorUnreachable) {
		t.Fatalf("expected ErrFacilitatorUnreachable, got %v", err)
	}
	if n := f.count("verify:" + payload.Payload.TransactionID); n != 3 {
		t.Errorf("verify attempted %d times, want 3", n)
	}
}

func TestVerifyClientErrorIsRejection(t *testing.T) {
	f := newFakeFacilitator(false)
	f.verifyCode = http.StatusBadRequest
	client := newTestClient(t, f, map[string]string{"x402_max_retries": "2"})
	req := testRequirements(t)
	payload := testPayload(t, req)

	v, err := client.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Valid || v.Error == "" {
		t.Errorf("expected rejection, got %+v", v)
	}
	if n := f.count("verify:" + payload.Payload.TransactionID); n != 1 {
		t.Errorf("4xx retried: %d calls", n)
	}
}

func TestTimeoutIsUnreachable(t *testing.T) {
	f := newFakeFacilitator(true)
	f.settleDelay = 1500 * time.Millisecond
	client := newTestClient(t, f, map[string]string{"x402_timeout_seconds": "1"})
	req := testRequirements(t)
	payload := testPayload(t, req)

	if _, err := client.Verify(context.Background(), payload, req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	_, err := client.Settle(context.Background(), payload, req)
	if !errors.Is(err, ErrFacilitatorUnreachable) {
		t.Fatalf("expected ErrFacilitatorUnreachable on timeout, got %v", err)
	}
}

func TestNoFacilitatorConfigured(t *testing.T) {
	client := NewX402Client(testConfig(map[string]string{"x402_facilitator_url": ""}), testLogger())
	client.facilitatorURL = ""
	req := testRequirements(t)

	_, err := client.Verify(context.Background(), testPayload(t, req), req)
	if !errors.Is(err, ErrFacilitatorUnreachable) {
		t.Fatalf("expected ErrFacilitatorUnreachable, got %v", err)
	}
}
