package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const maxRequestBody = 1 << 20

// ErrorResponse is the body of every non-JSON-RPC failure
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleLogout evicts the caller's cached ledger client and revokes every
// payment session it holds.
func (s *APIServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.callerID(r)
	if !ok {
		s.sendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	evicted := false
	if s.deps.Clients != nil {
		evicted = s.deps.Clients.Invalidate(userID)
	}
	if err := s.deps.Gateway.RevokeSessions(r.Context(), userID); err != nil {
		s.logger.Error(fmt.Sprintf("Failed to revoke sessions for %s: %v", userID, err), "api")
		s.sendError(w, "Failed to revoke sessions", http.StatusInternalServerError)
		return
	}

	s.logger.Info(fmt.Sprintf("User %s logged out (ledger client evicted: %t)", userID, evicted), "api")
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
}

func (s *APIServer) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to write response: %v", err), "api")
	}
}

func (s *APIServer) sendError(w http.ResponseWriter, message string, statusCode int) {
	s.sendJSON(w, statusCode, ErrorResponse{Success: false, Error: message})
}
