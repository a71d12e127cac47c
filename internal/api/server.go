package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const TokenIssuer = "x402-mcp-gateway"

// ChatResource is the priced resource id of the gated chat endpoint.
const ChatResource = "chat/message"

// PaymentService runs and looks up custodial payments.
type PaymentService interface {
	PayForCaller(ctx context.Context, callerID string, resourceID string) *payment.PaymentFlowResult
	LookupAttempt(ctx context.Context, attemptID string) (*payment.PaymentFlowResult, error)
	ListAttempts(ctx context.Context, callerID string, limit int) ([]*payment.PaymentFlowResult, error)
}

// CredentialService stores and removes custodial credentials.
type CredentialService interface {
	Save(ctx context.Context, userID string, network string, privateKey string) (*payment.Credential, error)
	Delete(ctx context.Context, userID string) error
}

// ClientInvalidator drops cached ledger connections for a user.
type ClientInvalidator interface {
	Invalidate(userID string) bool
}

type ServerDeps struct {
	Gateway     *mcp.Gateway
	Payments    PaymentService
	Credentials CredentialService
	Clients     ClientInvalidator
	Prompts     mcp.PromptParser
	Hub         *ws.Hub
	// TaskRunner runs websocket tool calls; nil runs them on goroutines.
	TaskRunner ws.TaskRunner
}

// APIServer exposes the gateway over HTTP and websocket
type APIServer struct {
	ctx            context.Context
	cancel         context.CancelFunc
	server         *http.Server
	listener       net.Listener
	port           string
	logger         *utils.LogsManager
	config         *utils.ConfigManager
	deps           ServerDeps
	jwtManager     *middleware.JWTManager
	limiter        *middleware.CallerRateLimiter
	wsUpgrader     gws.Upgrader
	maxWSMessage   int64
	requestTimeout time.Duration
	startTime      time.Time
	mutex          sync.RWMutex
}

func NewAPIServer(config *utils.ConfigManager, logger *utils.LogsManager, deps ServerDeps) (*APIServer, error) {
	jwtSecret := config.GetConfigWithDefault("jwt_secret", "")
	if len(jwtSecret) < 16 {
		return nil, fmt.Errorf("%w: jwt_secret must be at least 16 characters", payment.ErrConfiguration)
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", payment.ErrConfiguration)
	}
	if deps.Prompts == nil {
		deps.Prompts = mcp.NewRegexPromptParser()
	}

	ctx, cancel := context.WithCancel(context.Background())

	origins := config.GetConfigSlice("api_allowed_origins", []string{"*"})
	s := &APIServer{
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		config:         config,
		deps:           deps,
		jwtManager:     middleware.NewJWTManager(jwtSecret, TokenIssuer),
		limiter:        middleware.NewCallerRateLimiter(config.GetConfigInt("rate_limit_rps", 5, 1, 10000), config.GetConfigInt("rate_limit_burst", 10, 1, 10000)),
		maxWSMessage:   int64(config.GetConfigInt("ws_max_message_bytes", ws.DefaultMaxMessageSize, 1024, 16*1024*1024)),
		requestTimeout: config.GetConfigDuration("mcp_request_timeout", mcp.DefaultPendingTimeout),
		startTime:      time.Now(),
	}
	s.wsUpgrader = gws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	if deps.Hub != nil {
		deps.Hub.SetToolHandler(s, deps.TaskRunner)
	}

	return s, nil
}

func (s *APIServer) JWT() *middleware.JWTManager { return s.jwtManager }

// Start binds the primary port, or the first free fallback, and serves in
// the background.
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "8088")
	fallbackPorts := s.config.GetConfigSlice("api_fallback_ports", nil)

	var err error
	for _, port := range append([]string{apiPort}, fallbackPorts...) {
		s.listener, err = net.Listen("tcp", fmt.Sprintf(":%s", port))
		if err == nil {
			s.port = port
			break
		}
		s.logger.Warn(fmt.Sprintf("API port %s unavailable: %v", port, err), "api")
	}
	if s.listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	s.mutex.Lock()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.requestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mutex.Unlock()

	if s.deps.Hub != nil {
		go s.deps.Hub.Run()
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info(fmt.Sprintf("API server listening on port %s", s.port), "api")
	return nil
}

// Handler builds the routed handler with CORS applied.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	cors := middleware.CORSMiddleware(s.config.GetConfigSlice("api_allowed_origins", []string{"*"}))
	return cors(mux)
}

// authed wraps a handler in JWT auth, then the per-caller rate limit.
func (s *APIServer) authed(h http.HandlerFunc) http.Handler {
	return s.jwtManager.AuthMiddleware(s.limiter.Middleware(h))
}

func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.Handle("POST /api/mcp", s.authed(s.handleMCP))
	mux.Handle("GET /api/tools", s.authed(s.handleListTools))
	mux.Handle("POST /api/chat/message", s.authed(s.handleChatMessage))

	mux.Handle("GET /api/payments/requirements", s.authed(s.handleGetRequirements))
	mux.Handle("GET /api/payments", s.authed(s.handleListPayments))
	mux.Handle("POST /api/payments", s.authed(s.handleCreatePayment))
	mux.Handle("GET /api/payments/{attemptId}", s.authed(s.handleGetPayment))

	mux.Handle("POST /api/credentials", s.authed(s.handleSaveCredential))
	mux.Handle("DELETE /api/credentials", s.authed(s.handleDeleteCredential))

	mux.Handle("POST /api/auth/logout", s.authed(s.handleLogout))

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.logger.Debug("API routes registered", "api")
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
		"tools":  s.deps.Gateway.Registry().Len(),
	})
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")
	s.cancel()
	s.limiter.Stop()
	if s.deps.Hub != nil {
		s.deps.Hub.Stop()
	}

	s.mutex.RLock()
	server := s.server
	s.mutex.RUnlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}

	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	return s.port
}

func (s *APIServer) callerID(r *http.Request) (string, bool) {
	claims, err := middleware.GetClaims(r)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}

func sessionKeyFrom(r *http.Request, fallback string) string {
	if key := strings.TrimSpace(r.Header.Get("X-Session-Key")); key != "" {
		return key
	}
	return fallback
}
