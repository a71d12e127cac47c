package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	ws "github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// handleMCP serves JSON-RPC tools/call, tools/list and ping. Tool calls are
// gated; payment comes from a session grant or the X-PAYMENT header.
func (s *APIServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.sendJSON(w, http.StatusRequestEntityTooLarge, mcp.NewError(nil, mcp.CodeInvalidRequest, "request body too large", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	resp := s.deps.Gateway.ServeJSONRPC(ctx, mcp.CallContext{
		CallerID:   userID,
		SessionKey: sessionKeyFrom(r, ""),
		Gated:      true,
		Evidence:   r.Header.Get("X-PAYMENT"),
	}, raw)

	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == mcp.CodePaymentRequired {
		status = http.StatusPaymentRequired
	}
	if env, ok := resp.Result.(*mcp.ToolResultEnvelope); ok {
		setPaymentResponseHeader(w, env)
	}
	s.sendJSON(w, status, resp)
}

func (s *APIServer) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tools": s.deps.Gateway.Registry().List(),
	})
}

// HandleWSToolCall runs a tool call received over the websocket. It is
// gated the same way as the chat endpoint.
func (s *APIServer) HandleWSToolCall(ctx context.Context, userID string, call *ws.ToolCallPayload) *ws.ToolResultPayload {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	result := &ws.ToolResultPayload{RequestID: call.RequestID}

	id, _ := json.Marshal(call.RequestID)
	outcome, err := s.deps.Gateway.HandleToolCall(ctx, &mcp.ToolCall{
		ID:        id,
		ToolName:  call.ToolName,
		Arguments: call.Arguments,
		CallContext: mcp.CallContext{
			CallerID:   userID,
			SessionKey: call.SessionKey,
			Gated:      true,
			Evidence:   call.Payment,
			AutoPay:    call.AutoPay,
		},
	})
	if err != nil {
		result.Error = mcp.NewErrorFrom(id, err).Error
		return result
	}
	if outcome.PaymentRequired != nil {
		result.Error = &mcp.RPCError{Code: mcp.CodePaymentRequired, Message: "Payment required", Data: outcome.PaymentRequired}
		return result
	}

	result.Success = true
	result.Result = outcome.Envelope
	return result
}

// setPaymentResponseHeader exposes the settlement of a paid call as
// base64 JSON in X-PAYMENT-RESPONSE.
func setPaymentResponseHeader(w http.ResponseWriter, env *mcp.ToolResultEnvelope) {
	if env == nil || env.Meta == nil {
		return
	}
	settlement, ok := env.Meta[mcp.PaymentResponseMetaKey].(*payment.SettlementResult)
	if !ok || settlement == nil {
		return
	}
	raw, err := json.Marshal(settlement)
	if err != nil {
		return
	}
	w.Header().Set("X-PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(raw))
}

// statusForError maps a gateway error code onto an HTTP status.
func statusForError(code int) int {
	switch code {
	case mcp.CodePaymentRequired, mcp.CodePaymentFailed:
		return http.StatusPaymentRequired
	case mcp.CodePaymentUnavailable:
		return http.StatusServiceUnavailable
	case mcp.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case mcp.CodeInvalidParams, mcp.CodeInvalidRequest, mcp.CodeParseError:
		return http.StatusBadRequest
	case mcp.CodeMethodNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *APIServer) logToolFailure(userID string, toolName string, err error) {
	s.logger.Warn(fmt.Sprintf("Tool call %s for %s failed: %v", toolName, userID, err), "api")
}
