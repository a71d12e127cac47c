package api

import (
	"fmt"
	"net/http"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/websocket"
)

// handleWebSocket upgrades an authenticated connection to the tool.call
// transport. The caller id from the token scopes every push the client gets.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.sendError(w, "WebSocket transport is not enabled", http.StatusNotImplemented)
		return
	}

	authed, err := s.jwtManager.Authenticate(r, true)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("WebSocket authentication from %s failed: %v", r.RemoteAddr, err), "api")
		middleware.Unauthorized(w, err)
		return
	}
	claims, _ := middleware.GetClaims(authed)

	conn, err := s.wsUpgrader.Upgrade(w, authed, nil)
	if err != nil {
		// Upgrade has already answered the request
		s.logger.Error(fmt.Sprintf("WebSocket upgrade for %s failed: %v", claims.UserID, err), "api")
		return
	}

	client := ws.NewClient(conn, s.deps.Hub, claims.UserID, s.maxWSMessage, s.logger.Logrus())
	s.deps.Hub.RegisterClient(client)
	client.Start()
	s.logger.Debug(fmt.Sprintf("WebSocket client connected for %s (%d open)", claims.UserID, s.deps.Hub.ClientCount()), "api")
}
