package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

type SaveCredentialRequest struct {
	Network    string `json:"network"`
	PrivateKey string `json:"privateKey"`
}

// handleSaveCredential stores or rotates the caller's custodial credential.
// The private key is never echoed back.
func (s *APIServer) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.deps.Credentials == nil {
		s.sendError(w, "Credential storage is not enabled", http.StatusNotImplemented)
		return
	}

	var req SaveCredentialRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Network = strings.TrimSpace(req.Network)
	if req.Network == "" || strings.TrimSpace(req.PrivateKey) == "" {
		s.sendError(w, "network and privateKey are required", http.StatusBadRequest)
		return
	}
	if _, err := payment.NetworkFamily(req.Network); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cred, err := s.deps.Credentials.Save(r.Context(), userID, req.Network, req.PrivateKey)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to save credential for %s: %v", userID, err), "api")
		s.sendError(w, "Failed to save credential", http.StatusBadRequest)
		return
	}

	s.logger.Info(fmt.Sprintf("Stored credential for %s on %s", userID, cred.Network), "api")
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "credential": cred})
}

func (s *APIServer) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.deps.Credentials == nil {
		s.sendError(w, "Credential storage is not enabled", http.StatusNotImplemented)
		return
	}

	if err := s.deps.Credentials.Delete(r.Context(), userID); err != nil {
		s.logger.Error(fmt.Sprintf("Failed to delete credential for %s: %v", userID, err), "api")
		s.sendError(w, "Failed to delete credential", http.StatusInternalServerError)
		return
	}
	if err := s.deps.Gateway.RevokeSessions(r.Context(), userID); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to revoke sessions for %s: %v", userID, err), "api")
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
