package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/session"
)

type CreatePaymentRequest struct {
	Resource   string `json:"resource"`
	SessionKey string `json:"sessionKey"`
}

type CreatePaymentResponse struct {
	Success bool                       `json:"success"`
	Payment *payment.PaymentFlowResult `json:"payment"`
	Session *session.Grant             `json:"session,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// handleGetRequirements previews the challenge for a resource
func (s *APIServer) handleGetRequirements(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		resource = ChatResource
	}

	req, err := s.deps.Gateway.Requirements(resource)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to build requirements for %s: %v", resource, err), "api")
		s.sendError(w, "Payment requirements unavailable", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"x402Version": payment.X402Version,
		"accepts":     []*payment.PaymentRequirements{req},
	})
}

// handleCreatePayment pays for a resource with the caller's custodial
// credential and, when a session key is given, grants a session.
func (s *APIServer) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.deps.Payments == nil {
		s.sendError(w, "Custodial payments are not enabled", http.StatusNotImplemented)
		return
	}

	var req CreatePaymentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Resource == "" {
		req.Resource = ChatResource
	}
	req.SessionKey = sessionKeyFrom(r, req.SessionKey)

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	result := s.deps.Payments.PayForCaller(ctx, userID, req.Resource)
	if !result.Success {
		status := http.StatusPaymentRequired
		switch {
		case errors.Is(result.Err, payment.ErrFacilitatorUnreachable):
			status = http.StatusServiceUnavailable
		case errors.Is(result.Err, payment.ErrNoCredential):
			status = http.StatusPreconditionFailed
		}
		s.sendJSON(w, status, CreatePaymentResponse{Payment: result, Error: result.Error})
		return
	}

	grant, err := s.deps.Gateway.GrantAfterPayment(context.WithoutCancel(ctx), result, req.SessionKey)
	if err != nil {
		// The payment went through; report it even though the grant did not.
		s.logger.Error(fmt.Sprintf("Failed to grant session after attempt %s: %v", result.AttemptID, err), "api")
	}

	s.sendJSON(w, http.StatusOK, CreatePaymentResponse{Success: true, Payment: result, Session: grant})
}

// handleListPayments returns the caller's recent attempts, newest first.
func (s *APIServer) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			s.sendError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	payments := []*payment.PaymentFlowResult{}
	if s.deps.Payments != nil {
		list, err := s.deps.Payments.ListAttempts(r.Context(), userID, limit)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Failed to list payment attempts for %s: %v", userID, err), "api")
			s.sendError(w, "Failed to list payment attempts", http.StatusInternalServerError)
			return
		}
		if list != nil {
			payments = list
		}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "payments": payments})
}

// handleGetPayment returns a recorded attempt owned by the caller
func (s *APIServer) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.deps.Payments == nil {
		s.sendError(w, "Payment attempt not found", http.StatusNotFound)
		return
	}

	attemptID := r.PathValue("attemptId")
	result, err := s.deps.Payments.LookupAttempt(r.Context(), attemptID)
	if errors.Is(err, payment.ErrAttemptNotFound) || (err == nil && result.CallerID != userID) {
		s.sendError(w, "Payment attempt not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to load payment attempt %s: %v", attemptID, err), "api")
		s.sendError(w, "Failed to load payment attempt", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "payment": result})
}
