package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

// ToolCallHandler runs a tool call on behalf of an authenticated user.
type ToolCallHandler interface {
	HandleWSToolCall(ctx context.Context, userID string, call *ToolCallPayload) *ToolResultPayload
}

// TaskRunner schedules tool calls off the read pump.
type TaskRunner interface {
	TrySubmit(task func(ctx context.Context)) error
}

// Hub maintains the set of active clients, indexed by user so pushes can
// be targeted at the caller they belong to.
type Hub struct {
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	toolHandler ToolCallHandler
	runner      TaskRunner

	logger *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetToolHandler wires tool.call handling. Without it tool calls are
// answered with an error.
func (h *Hub) SetToolHandler(handler ToolCallHandler, runner TaskRunner) {
	h.toolHandler = handler
	h.runner = runner
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.byUser[client.userID] == nil {
				h.byUser[client.userID] = make(map[*Client]bool)
			}
			h.byUser[client.userID][client] = true
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.WithField("user_id", client.userID).Info("WebSocket client connected")
			h.logger.WithField("count", count).Debug("Active WebSocket clients")

			if msg, err := NewMessage(MessageTypeConnected, ConnectedPayload{
				Message: "Connected to x402 gateway",
				UserID:  client.userID,
			}); err == nil {
				client.Send(msg)
			}

		case client := <-h.unregister:
			h.remove(client)

		case messageBytes := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.SendRaw(messageBytes) {
					go h.UnregisterClient(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if set := h.byUser[client.userID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	client.close()
	h.logger.WithField("user_id", client.userID).Info("WebSocket client disconnected")
	h.logger.WithField("count", len(h.clients)).Debug("Active WebSocket clients")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]bool)
	h.byUser = make(map[string]map[*Client]bool)
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- messageBytes:
		return nil
	case <-h.done:
		return errors.New("hub stopped")
	}
}

// SendToUser delivers a message to every connection of userID. It returns
// the number of connections reached.
func (h *Hub) SendToUser(userID string, message *Message) int {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal message")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.byUser[userID] {
		if client.SendRaw(messageBytes) {
			sent++
		}
	}
	return sent
}

// OnPaymentStage pushes payment progress to the paying caller.
func (h *Hub) OnPaymentStage(callerID string, attemptID string, stage payment.FlowStage) {
	msg, err := NewMessage(MessageTypePaymentStage, PaymentStagePayload{AttemptID: attemptID, Stage: stage})
	if err != nil {
		return
	}
	h.SendToUser(callerID, msg)
}

// ForwardRemote broadcasts a notification received from a remote MCP
// endpoint.
func (h *Hub) ForwardRemote(raw json.RawMessage) {
	msg := &Message{Type: MessageTypeRemoteNotification, Payload: raw}
	if err := h.Broadcast(msg); err != nil {
		h.logger.WithError(err).Debug("Dropped remote notification")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
