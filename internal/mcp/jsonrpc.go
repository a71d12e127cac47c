package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

const JSONRPCVersion = "2.0"

// JSON-RPC error codes. 402 mirrors the HTTP status of an x402 challenge.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodePaymentRequired    = 402
	CodeRequestTimeout     = -32001
	CodePaymentFailed      = -32002
	CodePaymentUnavailable = -32003

	// Unknown tools are reported as invalid params, as MCP servers do.
	CodeUnknownTool = CodeInvalidParams
)

const (
	MethodToolsCall  = "tools/call"
	MethodToolsList  = "tools/list"
	MethodPing       = "ping"
	MethodInitialize = "initialize"
)

// PaymentMetaKey is the params._meta key carrying payment evidence.
const PaymentMetaKey = "x402/payment"

// PaymentResponseMetaKey is the result._meta key carrying the settlement.
const PaymentResponseMetaKey = "x402/payment-response"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RawResponse is a response as read off the wire from a remote endpoint.
type RawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// PaymentRequiredData is the data member of a 402 error.
type PaymentRequiredData struct {
	X402Version int                            `json:"x402Version"`
	Error       string                         `json:"error"`
	Accepts     []*payment.PaymentRequirements `json:"accepts"`
}

// ToolResultEnvelope wraps every successful dispatch.
type ToolResultEnvelope struct {
	ToolName  string                 `json:"toolName"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    interface{}            `json:"result"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: normalizeID(id), Result: result}
}

func NewError(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      normalizeID(id),
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// NewErrorFrom maps a gateway error onto its stable code.
func NewErrorFrom(id json.RawMessage, err error) *Response {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return NewError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	var failed *PaymentFailedError
	if errors.As(err, &failed) {
		return NewError(id, CodePaymentFailed, err.Error(), failed.Result)
	}
	return NewError(id, ErrorCode(err), err.Error(), nil)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// IDKey renders an id as a map key. 1 and "1" are distinct.
func IDKey(id json.RawMessage) string {
	return string(id)
}
