package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api"
	ws "github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/credentials"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/database"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/session"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/tools"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/workers"
)

// gatewayApp holds every long-lived component of a running gateway.
type gatewayApp struct {
	db          *database.SQLiteManager
	clients     *payment.ClientCache
	credentials *credentials.Repository
	sessions    session.Store
	gateway     *mcp.Gateway
	hub         *ws.Hub
	pool        *workers.WorkerPool
	janitor     *workers.Janitor
	server      *api.APIServer
	remotes     []io.Closer
}

// openCredentials opens the database and the credential repository. The
// credential commands need nothing else.
func openCredentials(cm *utils.ConfigManager, lm *utils.LogsManager) (*database.SQLiteManager, *credentials.Repository, error) {
	db, err := database.NewSQLiteManager(cm, lm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, credentials.NewRepository(db, credentials.NewKeyringSource(cm), lm), nil
}

func buildApp(ctx context.Context, cm *utils.ConfigManager, lm *utils.LogsManager) (*gatewayApp, error) {
	app := &gatewayApp{}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	var err error
	app.db, app.credentials, err = openCredentials(cm, lm)
	if err != nil {
		return nil, err
	}

	app.clients = payment.NewClientCache()
	app.credentials.SetInvalidator(app.clients)
	ledger := payment.NewLedgerAdapter(cm, lm, app.clients)

	requirements, err := payment.NewRequirementsProvider(cm, lm)
	if err != nil {
		return nil, err
	}
	if _, err := requirements.GetRequirements(api.ChatResource, nil); err != nil {
		return nil, err
	}

	facilitator := payment.NewX402Client(cm, lm)
	supportedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	kinds, err := facilitator.Supported(supportedCtx)
	cancel()
	if err != nil {
		lm.Warn(fmt.Sprintf("Facilitator capability check failed: %v", err), "cli")
	} else {
		lm.Info(fmt.Sprintf("Facilitator supports %d payment kinds", len(kinds)), "cli")
	}

	policy, err := payment.ParseSettlementPolicy(cm.GetConfigWithDefault("x402_settle_policy", string(payment.PolicyVerifyThenSettle)))
	if err != nil {
		return nil, err
	}

	app.hub = ws.NewHub(lm.Logrus())

	orchestrator := payment.NewOrchestrator(lm, requirements, ledger, facilitator, policy)
	orchestrator.SetCredentialSource(app.credentials)
	orchestrator.SetAttemptStore(app.db)
	orchestrator.SetObserver(app.hub)

	app.sessions, err = session.NewStore(cm, app.db, lm)
	if err != nil {
		return nil, err
	}

	registry := mcp.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		Wallets:        app.credentials,
		Ledger:         ledger,
		DefaultNetwork: requirements.Network(),
		Logger:         lm,
	}); err != nil {
		return nil, err
	}
	app.discoverRemotes(ctx, cm, lm, registry)

	app.gateway = mcp.NewGateway(mcp.GatewayOptions{
		Registry:     registry,
		Policy:       mcp.NewGatePolicy(cm.GetConfigSlice("x402_gated_tools", []string{"*"})),
		Requirements: requirements,
		Facilitator:  facilitator,
		Payer:        orchestrator,
		Sessions:     app.sessions,
		SessionTTL:   cm.GetConfigDuration("x402_session_ttl", 30*time.Minute),
		Settlement:   policy,
		Logger:       lm,
	})

	numWorkers := cm.GetConfigInt("ws_workers", 4, 1, 256)
	app.pool = workers.NewWorkerPool(ctx, numWorkers, numWorkers*16, lm)

	var purger workers.Purger
	if p, isPurger := app.sessions.(workers.Purger); isPurger {
		purger = p
	}
	app.janitor = workers.NewJanitor(cm, purger, app.db, lm)

	app.server, err = api.NewAPIServer(cm, lm, api.ServerDeps{
		Gateway:     app.gateway,
		Payments:    orchestrator,
		Credentials: app.credentials,
		Clients:     app.clients,
		Prompts:     mcp.NewRegexPromptParser(),
		Hub:         app.hub,
		TaskRunner:  app.pool,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// discoverRemotes registers the tools of every configured remote MCP
// endpoint. An unreachable endpoint is logged and skipped.
func (app *gatewayApp) discoverRemotes(ctx context.Context, cm *utils.ConfigManager, lm *utils.LogsManager, registry *mcp.Registry) {
	timeout := cm.GetConfigDuration("mcp_request_timeout", mcp.DefaultPendingTimeout)

	var callers []mcp.Caller
	for _, url := range cm.GetConfigSlice("mcp_remote_endpoints", nil) {
		callers = append(callers, mcp.NewRemoteClient(url, timeout))
	}
	for _, url := range cm.GetConfigSlice("mcp_remote_ws_endpoints", nil) {
		endpoint, err := mcp.DialWSEndpoint(ctx, url, nil, timeout, app.hub.ForwardRemote, lm)
		if err != nil {
			lm.Warn(fmt.Sprintf("Remote MCP endpoint %s unavailable: %v", url, err), "cli")
			continue
		}
		app.remotes = append(app.remotes, endpoint)
		callers = append(callers, endpoint)
	}

	for _, caller := range callers {
		discoverCtx, cancel := context.WithTimeout(ctx, timeout)
		added, err := registry.Discover(discoverCtx, caller)
		cancel()
		if err != nil {
			lm.Warn(fmt.Sprintf("Tool discovery on %s failed: %v", caller.Endpoint(), err), "cli")
			continue
		}
		lm.Info(fmt.Sprintf("Registered %d remote tools from %s: %v", len(added), caller.Endpoint(), added), "cli")

		// a dropped websocket takes its tools with it
		if endpoint, ok := caller.(*mcp.WSEndpoint); ok {
			endpoint.OnClose(func() {
				if removed := registry.RemoveCaller(endpoint); len(removed) > 0 {
					lm.Warn(fmt.Sprintf("Remote MCP endpoint %s closed, unregistered tools %v", endpoint.Endpoint(), removed), "cli")
				}
			})
		}
	}
}

func (app *gatewayApp) start() error {
	app.pool.Start()
	app.janitor.Start()
	return app.server.Start()
}

// close releases everything in reverse order of construction. Safe on a
// partially built app.
func (app *gatewayApp) close() {
	if app.server != nil {
		app.server.Stop()
	}
	if app.janitor != nil {
		app.janitor.Stop()
	}
	if app.pool != nil {
		app.pool.Stop()
	}
	for _, remote := range app.remotes {
		remote.Close()
	}
	if app.sessions != nil {
		app.sessions.Close()
	}
	if app.clients != nil {
		app.clients.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
}
