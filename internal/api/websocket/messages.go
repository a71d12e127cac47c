package websocket

import (
	"encoding/json"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Tool invocation
	MessageTypeToolCall   MessageType = "tool.call"
	MessageTypeToolResult MessageType = "tool.result"

	// Payment flow progress, pushed to the paying caller only
	MessageTypePaymentStage MessageType = "payment.stage"

	// Notifications forwarded from remote MCP endpoints
	MessageTypeRemoteNotification MessageType = "remote.notification"

	// Control message types
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
	MessageTypeConnected MessageType = "connected"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().Unix(),
	}, nil
}

type ConnectedPayload struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// ToolCallPayload asks the gateway to run one tool. Payment is an encoded
// PaymentPayload, the same value the X-PAYMENT header carries.
type ToolCallPayload struct {
	RequestID  string                 `json:"request_id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	SessionKey string                 `json:"session_key,omitempty"`
	AutoPay    bool                   `json:"autopay,omitempty"`
	Payment    string                 `json:"payment,omitempty"`
}

// ToolResultPayload answers a ToolCallPayload with the same request id.
type ToolResultPayload struct {
	RequestID string                  `json:"request_id"`
	Success   bool                    `json:"success"`
	Result    *mcp.ToolResultEnvelope `json:"result,omitempty"`
	Error     *mcp.RPCError           `json:"error,omitempty"`
}

type PaymentStagePayload struct {
	AttemptID string            `json:"attempt_id"`
	Stage     payment.FlowStage `json:"stage"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
