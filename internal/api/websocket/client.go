package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/mcp"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageSize = 512 * 1024
)

// Client represents a single WebSocket connection
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	// Buffered channel of outbound, already marshaled messages
	send   chan []byte
	mu     sync.Mutex
	closed bool

	userID         string
	maxMessageSize int64

	logger *logrus.Logger
}

func NewClient(conn *websocket.Conn, hub *Hub, userID string, maxMessageSize int64, logger *logrus.Logger) *Client {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Client{
		conn:           conn,
		hub:            hub,
		send:           make(chan []byte, 256),
		userID:         userID,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

func (c *Client) UserID() string { return c.userID }

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("user_id", c.userID).Warn("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.WithError(err).WithField("user_id", c.userID).Error("Failed to parse incoming message")
			c.sendError("invalid message", "BAD_MESSAGE")
			continue
		}

		c.handleIncomingMessage(&msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case messageBytes, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("user_id", c.userID).Error("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleIncomingMessage(msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		pongMsg, err := NewMessage(MessageTypePong, nil)
		if err != nil {
			c.logger.WithError(err).Error("Failed to create pong message")
			return
		}
		c.Send(pongMsg)

	case MessageTypeToolCall:
		var call ToolCallPayload
		if err := json.Unmarshal(msg.Payload, &call); err != nil || call.ToolName == "" {
			c.sendToolResult(&ToolResultPayload{
				RequestID: call.RequestID,
				Error:     &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "tool.call requires tool_name"},
			})
			return
		}
		c.dispatchToolCall(&call)

	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring message from client")
	}
}

func (c *Client) dispatchToolCall(call *ToolCallPayload) {
	handler := c.hub.toolHandler
	if handler == nil {
		c.sendToolResult(&ToolResultPayload{
			RequestID: call.RequestID,
			Error:     &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "tool calls are not enabled"},
		})
		return
	}

	task := func(ctx context.Context) {
		c.sendToolResult(handler.HandleWSToolCall(ctx, c.userID, call))
	}

	if c.hub.runner == nil {
		go task(context.Background())
		return
	}
	if err := c.hub.runner.TrySubmit(task); err != nil {
		c.logger.WithError(err).WithField("user_id", c.userID).Warn("Tool call rejected")
		c.sendToolResult(&ToolResultPayload{
			RequestID: call.RequestID,
			Error:     &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()},
		})
	}
}

func (c *Client) sendToolResult(result *ToolResultPayload) {
	msg, err := NewMessage(MessageTypeToolResult, result)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal tool result")
		return
	}
	c.Send(msg)
}

func (c *Client) sendError(message string, code string) {
	if msg, err := NewMessage(MessageTypeError, ErrorPayload{Message: message, Code: code}); err == nil {
		c.Send(msg)
	}
}

// Start begins the read and write pumps for this client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a message for the client
func (c *Client) Send(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal message")
		return false
	}
	return c.SendRaw(data)
}

// SendRaw queues pre-marshaled bytes. It returns false when the client is
// closed or its buffer is full.
func (c *Client) SendRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.WithField("user_id", c.userID).Warn("Client send channel is full, message dropped")
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
