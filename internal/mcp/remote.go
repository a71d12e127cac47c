package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Caller sends one JSON-RPC request and returns its result member.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Endpoint() string
}

// RemoteClient calls a remote MCP endpoint over HTTP POST.
type RemoteClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewRemoteClient(endpoint string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RemoteClient) Endpoint() string { return c.endpoint }

func (c *RemoteClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(id),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, method, c.endpoint)
		}
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}

	var rpcResp RawResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: HTTP %d with non JSON-RPC body", ErrEndpointUnavailable, resp.StatusCode)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// ListRemoteTools runs tools/list against caller.
func ListRemoteTools(ctx context.Context, caller Caller) ([]ToolInfo, error) {
	raw, err := caller.Call(ctx, MethodToolsList, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("invalid tools/list result from %s: %w", caller.Endpoint(), err)
	}
	return listed.Tools, nil
}

// RemoteTool forwards invocations to the endpoint that advertised it.
type RemoteTool struct {
	info   ToolInfo
	caller Caller
}

func NewRemoteTool(info ToolInfo, caller Caller) *RemoteTool {
	return &RemoteTool{info: info, caller: caller}
}

func (t *RemoteTool) Name() string                        { return t.info.Name }
func (t *RemoteTool) Description() string                 { return t.info.Description }
func (t *RemoteTool) InputSchema() map[string]interface{} { return t.info.InputSchema }

func (t *RemoteTool) Invoke(ctx context.Context, args map[string]interface{}, tc *ToolContext) (interface{}, error) {
	raw, err := t.caller.Call(ctx, MethodToolsCall, ToolCallParams{Name: t.info.Name, Arguments: args})
	if err != nil {
		return nil, err
	}
	// peer gateways wrap results in the same envelope
	var envelope ToolResultEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.ToolName == t.info.Name && envelope.Result != nil {
		return envelope.Result, nil
	}
	return raw, nil
}
