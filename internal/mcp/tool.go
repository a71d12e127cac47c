package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// ToolContext is what a tool learns about the call it serves.
type ToolContext struct {
	RequestID  string
	CallerID   string
	SessionKey string
	// Payment is set when this call paid through the orchestrator.
	Payment *payment.PaymentFlowResult
}

type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Invoke(ctx context.Context, args map[string]interface{}, tc *ToolContext) (interface{}, error)
}

// ToolInfo is the tools/list view of a tool.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

func InfoOf(t Tool) ToolInfo {
	return ToolInfo{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
}

// Registry maps tool names to implementations. Local tools are registered at
// startup; remote tools are added by Discover.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, InfoOf(t))
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RemoveCaller unregisters every remote tool served by caller and returns
// their names.
func (r *Registry) RemoveCaller(caller Caller) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, t := range r.tools {
		if remote, ok := t.(*RemoteTool); ok && remote.caller == caller {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Discover lists the tools of a remote endpoint and registers those whose
// names are not taken. Local tools always win.
func (r *Registry) Discover(ctx context.Context, caller Caller) ([]string, error) {
	infos, err := ListRemoteTools(ctx, caller)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, info := range infos {
		if err := r.Register(NewRemoteTool(info, caller)); err != nil {
			continue
		}
		added = append(added, info.Name)
	}
	return added, nil
}
