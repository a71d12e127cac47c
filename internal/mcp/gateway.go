package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/session"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// RequestState is a state of one tool call inside the gateway.
type RequestState string

const (
	StateReceived    RequestState = "RECEIVED"
	StatePaying      RequestState = "PAYING"
	StatePaid        RequestState = "PAID"
	StateDispatching RequestState = "DISPATCHING"
	StateResponded   RequestState = "RESPONDED"
	StateRejected    RequestState = "REJECTED"
)

// GatePolicy names the tools that require payment on a gated endpoint.
// "*" gates every call.
type GatePolicy struct {
	all   bool
	tools map[string]struct{}
}

func NewGatePolicy(names []string) GatePolicy {
	p := GatePolicy{tools: make(map[string]struct{})}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "*" {
			p.all = true
			continue
		}
		if name != "" {
			p.tools[name] = struct{}{}
		}
	}
	return p
}

func (p GatePolicy) Gated(toolName string) bool {
	if p.all {
		return true
	}
	_, ok := p.tools[toolName]
	return ok
}

// Payer runs a custodial payment for a caller.
type Payer interface {
	PayForCaller(ctx context.Context, callerID string, resourceID string) *payment.PaymentFlowResult
}

// CallContext is what the transport knows about a request.
type CallContext struct {
	CallerID   string
	SessionKey string
	// Gated is set by endpoints that sit behind the payment wall.
	Gated bool
	// Evidence is an encoded PaymentPayload (X-PAYMENT header).
	Evidence string
	// AutoPay lets the gateway pay with the caller's custodial credential.
	AutoPay bool
	// Resource overrides the priced resource id; the tool name otherwise.
	Resource string
}

type ToolCall struct {
	ID        json.RawMessage
	ToolName  string
	Arguments map[string]interface{}
	CallContext
}

// ToolCallOutcome is either a payment challenge or a dispatched result.
type ToolCallOutcome struct {
	PaymentRequired *PaymentRequiredData
	Envelope        *ToolResultEnvelope
	Payment         *payment.PaymentFlowResult
	Settlement      *payment.SettlementResult
}

type GatewayOptions struct {
	Registry     *Registry
	Policy       GatePolicy
	Requirements payment.RequirementsSource
	Facilitator  payment.FacilitatorClient
	Payer        Payer
	Sessions     session.Store
	SessionTTL   time.Duration
	Settlement   payment.SettlementPolicy
	Logger       *utils.LogsManager
}

// Gateway decides whether a tool call may run and runs it. A gated call is
// dispatched only after one of: an active session grant, payment evidence
// that the facilitator accepts, or a successful custodial payment.
type Gateway struct {
	registry     *Registry
	policy       GatePolicy
	requirements payment.RequirementsSource
	facilitator  payment.FacilitatorClient
	payer        Payer
	sessions     session.Store
	sessionTTL   time.Duration
	settlement   payment.SettlementPolicy
	logger       *utils.LogsManager

	redeemedMu sync.Mutex
	redeemed   map[string]time.Time
}

const redeemedRetention = 24 * time.Hour

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Settlement == "" {
		opts.Settlement = payment.PolicyVerifyThenSettle
	}
	return &Gateway{
		registry:     opts.Registry,
		policy:       opts.Policy,
		requirements: opts.Requirements,
		facilitator:  opts.Facilitator,
		payer:        opts.Payer,
		sessions:     opts.Sessions,
		sessionTTL:   opts.SessionTTL,
		settlement:   opts.Settlement,
		logger:       opts.Logger,
		redeemed:     make(map[string]time.Time),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) transition(call *ToolCall, state RequestState, detail string) {
	msg := fmt.Sprintf("Tool call %s: tool=%s caller=%s id=%s", state, call.ToolName, call.CallerID, string(call.ID))
	if detail != "" {
		msg += " " + detail
	}
	g.logger.Debug(msg, "gateway")
}

func resourceFor(call *ToolCall) string {
	if call.Resource != "" {
		return call.Resource
	}
	return call.ToolName
}

// Requirements returns the challenge for a call without dispatching it.
func (g *Gateway) Requirements(resourceID string) (*payment.PaymentRequirements, error) {
	return g.requirements.GetRequirements(resourceID, nil)
}

// HandleToolCall runs the gating decision and, when allowed, the tool.
func (g *Gateway) HandleToolCall(ctx context.Context, call *ToolCall) (*ToolCallOutcome, error) {
	g.transition(call, StateReceived, "")

	tool, ok := g.registry.Get(call.ToolName)
	if !ok {
		g.transition(call, StateRejected, "unknown tool")
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.ToolName)
	}

	outcome := &ToolCallOutcome{}
	if call.Gated && g.policy.Gated(call.ToolName) {
		paid, err := g.establishPayment(ctx, call, outcome)
		if err != nil {
			g.transition(call, StateRejected, err.Error())
			return nil, err
		}
		if !paid {
			g.transition(call, StateRejected, "payment required")
			return outcome, nil
		}
		g.transition(call, StatePaid, "")
	}

	g.transition(call, StateDispatching, "")
	tc := &ToolContext{
		RequestID:  string(call.ID),
		CallerID:   call.CallerID,
		SessionKey: call.SessionKey,
		Payment:    outcome.Payment,
	}
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := tool.Invoke(ctx, args, tc)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrRequestTimeout) {
		err = fmt.Errorf("%w: %s: %w", ErrRequestTimeout, call.ToolName, err)
	}
	if err != nil {
		g.logger.Warn(fmt.Sprintf("Tool %s failed for caller %s: %v", call.ToolName, call.CallerID, err), "gateway")
		return nil, err
	}

	outcome.Envelope = &ToolResultEnvelope{
		ToolName:  call.ToolName,
		Arguments: args,
		Result:    result,
	}
	if outcome.Settlement != nil {
		outcome.Envelope.Meta = map[string]interface{}{PaymentResponseMetaKey: outcome.Settlement}
	}
	g.transition(call, StateResponded, "")
	return outcome, nil
}

// establishPayment returns true when the call may proceed. (false, nil)
// means a challenge has been put into outcome.
func (g *Gateway) establishPayment(ctx context.Context, call *ToolCall, outcome *ToolCallOutcome) (bool, error) {
	resourceID := resourceFor(call)

	if g.sessions != nil && call.SessionKey != "" {
		ok, err := g.sessions.Check(ctx, call.CallerID, call.SessionKey, resourceID)
		if err != nil {
			g.logger.Error(fmt.Sprintf("Session lookup failed for caller %s: %v", call.CallerID, err), "gateway")
		} else if ok {
			g.transition(call, StatePaid, "session")
			return true, nil
		}
	}

	req, err := g.requirements.GetRequirements(resourceID, nil)
	if err != nil {
		return false, err
	}

	if call.Evidence != "" {
		g.transition(call, StatePaying, "evidence")
		return g.redeemEvidence(ctx, call, req, outcome)
	}

	if call.AutoPay && g.payer != nil {
		g.transition(call, StatePaying, "custodial")
		result := g.payer.PayForCaller(ctx, call.CallerID, resourceID)
		outcome.Payment = result
		if !result.Success {
			if errors.Is(result.Err, payment.ErrFacilitatorUnreachable) {
				return false, fmt.Errorf("%w: %s", ErrPaymentUnavailable, result.Error)
			}
			return false, &PaymentFailedError{Result: result, Reason: result.Error}
		}
		outcome.Settlement = result.Settlement
		g.grantSession(ctx, call, result.AttemptID, result.Transaction.TransactionID)
		return true, nil
	}

	outcome.PaymentRequired = &PaymentRequiredData{
		X402Version: payment.X402Version,
		Error:       "payment required",
		Accepts:     []*payment.PaymentRequirements{req},
	}
	return false, nil
}

func (g *Gateway) redeemEvidence(ctx context.Context, call *ToolCall, req *payment.PaymentRequirements, outcome *ToolCallOutcome) (bool, error) {
	challenge := func(reason string) (bool, error) {
		outcome.PaymentRequired = &PaymentRequiredData{
			X402Version: payment.X402Version,
			Error:       reason,
			Accepts:     []*payment.PaymentRequirements{req},
		}
		return false, nil
	}

	payload, err := payment.DecodePayload(call.Evidence)
	if err != nil {
		return challenge(err.Error())
	}
	txID := payload.Payload.TransactionID

	if g.isRedeemed(txID) {
		return false, fmt.Errorf("%w: %s", ErrEvidenceReused, txID)
	}

	verification, err := g.facilitator.Verify(ctx, payload, req)
	if err != nil {
		if errors.Is(err, payment.ErrFacilitatorUnreachable) {
			return false, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		return false, err
	}
	if !verification.Valid {
		return challenge(verification.Error)
	}

	if g.settlement == payment.PolicyVerifyThenSettle {
		settlement, err := g.facilitator.Settle(ctx, payload, req)
		if err != nil {
			if errors.Is(err, payment.ErrFacilitatorUnreachable) {
				return false, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
			}
			return false, err
		}
		if !settlement.Success {
			return false, &PaymentFailedError{Reason: settlement.Error}
		}
		outcome.Settlement = settlement
	}

	if !g.markRedeemed(txID) {
		return false, fmt.Errorf("%w: %s", ErrEvidenceReused, txID)
	}
	g.grantSession(ctx, call, "", txID)
	return true, nil
}

func (g *Gateway) isRedeemed(txID string) bool {
	g.redeemedMu.Lock()
	defer g.redeemedMu.Unlock()
	_, ok := g.redeemed[txID]
	return ok
}

// markRedeemed records txID, returning false if another call got there first.
func (g *Gateway) markRedeemed(txID string) bool {
	g.redeemedMu.Lock()
	defer g.redeemedMu.Unlock()

	now := time.Now()
	if _, ok := g.redeemed[txID]; ok {
		return false
	}
	for id, at := range g.redeemed {
		if now.Sub(at) > redeemedRetention {
			delete(g.redeemed, id)
		}
	}
	g.redeemed[txID] = now
	return true
}

// grantSession records a timed grant so later calls to the same resource in
// the same conversation skip payment. With a zero TTL the payment covers this
// call only.
func (g *Gateway) grantSession(ctx context.Context, call *ToolCall, attemptID string, txID string) {
	if g.sessions == nil || call.SessionKey == "" || g.sessionTTL <= 0 {
		return
	}
	grant := session.NewGrant(call.CallerID, call.SessionKey, resourceFor(call), attemptID, txID, g.sessionTTL, time.Now())
	if err := g.sessions.Grant(context.WithoutCancel(ctx), grant); err != nil {
		g.logger.Error(fmt.Sprintf("Failed to record session grant for caller %s: %v", call.CallerID, err), "gateway")
	}
}

// GrantAfterPayment records a grant for a payment made outside a tool call
// (POST /api/payments). The grant covers only the resource that was paid for.
// A zero TTL yields a single-use grant.
func (g *Gateway) GrantAfterPayment(ctx context.Context, result *payment.PaymentFlowResult, sessionKey string) (*session.Grant, error) {
	if g.sessions == nil || sessionKey == "" || !result.Success || result.ResourceID == "" {
		return nil, nil
	}
	txID := ""
	if result.Transaction != nil {
		txID = result.Transaction.TransactionID
	}
	grant := session.NewGrant(result.CallerID, sessionKey, result.ResourceID, result.AttemptID, txID, g.sessionTTL, time.Now())
	if err := g.sessions.Grant(ctx, grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokeSessions drops every grant held by callerID.
func (g *Gateway) RevokeSessions(ctx context.Context, callerID string) error {
	if g.sessions == nil {
		return nil
	}
	return g.sessions.Revoke(ctx, callerID)
}

// ServeJSONRPC handles one JSON-RPC envelope. The returned response is never
// nil; notifications (no id) are answered like requests.
func (g *Gateway) ServeJSONRPC(ctx context.Context, cc CallContext, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return NewError(nil, CodeParseError, "parse error", nil)
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return NewError(req.ID, CodeInvalidRequest, "invalid request", nil)
	}

	switch req.Method {
	case MethodPing:
		return NewResult(req.ID, map[string]interface{}{})
	case MethodInitialize:
		return NewResult(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "x402-mcp-gateway", "version": "1.0.0"},
		})
	case MethodToolsList:
		return NewResult(req.ID, map[string]interface{}{"tools": g.registry.List()})
	case MethodToolsCall:
		return g.serveToolCall(ctx, cc, &req)
	}
	return NewError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
}

func (g *Gateway) serveToolCall(ctx context.Context, cc CallContext, req *Request) *Response {
	var params ToolCallParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.Name == "" {
		return NewError(req.ID, CodeInvalidParams, "tools/call requires params.name", nil)
	}

	if cc.Evidence == "" {
		if evidence, ok := evidenceFromMeta(params.Meta); ok {
			cc.Evidence = evidence
		}
	}

	outcome, err := g.HandleToolCall(ctx, &ToolCall{
		ID:          req.ID,
		ToolName:    params.Name,
		Arguments:   params.Arguments,
		CallContext: cc,
	})
	if err != nil {
		return NewErrorFrom(req.ID, err)
	}
	if outcome.PaymentRequired != nil {
		return NewError(req.ID, CodePaymentRequired, "Payment required", outcome.PaymentRequired)
	}
	return NewResult(req.ID, outcome.Envelope)
}

// evidenceFromMeta reads _meta["x402/payment"], given either as the encoded
// header string or as a JSON object.
func evidenceFromMeta(meta map[string]interface{}) (string, bool) {
	v, ok := meta[PaymentMetaKey]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, s != ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
