package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
)

type ChatMessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	// AutoPay defaults to true: the gateway pays with the caller's
	// custodial credential when no session or evidence covers the call.
	AutoPay *bool `json:"autopay,omitempty"`
}

type ChatMessageResponse struct {
	Success bool                    `json:"success"`
	Result  *mcp.ToolResultEnvelope `json:"result,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Code    int                     `json:"code,omitempty"`
	Payment interface{}             `json:"payment,omitempty"`
}

// handleChatMessage is the gated message endpoint. The message is mapped to
// a tool call first, so a message that names no tool is never charged.
func (s *APIServer) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req ChatMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.sendError(w, "message is required", http.StatusBadRequest)
		return
	}

	intent, ok := s.deps.Prompts.Parse(req.Message)
	if !ok {
		s.sendError(w, "Could not map the message to a tool", http.StatusUnprocessableEntity)
		return
	}

	autoPay := true
	if req.AutoPay != nil {
		autoPay = *req.AutoPay
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	id, _ := json.Marshal(req.ConversationID)
	outcome, err := s.deps.Gateway.HandleToolCall(ctx, &mcp.ToolCall{
		ID:        id,
		ToolName:  intent.ToolName,
		Arguments: intent.Arguments,
		CallContext: mcp.CallContext{
			CallerID:   userID,
			SessionKey: sessionKeyFrom(r, req.ConversationID),
			Gated:      true,
			Evidence:   r.Header.Get("X-PAYMENT"),
			AutoPay:    autoPay,
			Resource:   ChatResource,
		},
	})
	if err != nil {
		s.logToolFailure(userID, intent.ToolName, err)
		rpcErr := mcp.NewErrorFrom(id, err).Error
		s.sendJSON(w, statusForError(rpcErr.Code), ChatMessageResponse{
			Error:   rpcErr.Message,
			Code:    rpcErr.Code,
			Payment: rpcErr.Data,
		})
		return
	}

	if outcome.PaymentRequired != nil {
		s.sendJSON(w, http.StatusPaymentRequired, outcome.PaymentRequired)
		return
	}

	setPaymentResponseHeader(w, outcome.Envelope)
	s.sendJSON(w, http.StatusOK, ChatMessageResponse{Success: true, Result: outcome.Envelope})
}
