package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4 * 1024 * 1024
)

// PushHandler receives remote messages that answer no pending request.
type PushHandler func(msg json.RawMessage)

type wsReply struct {
	msg json.RawMessage
	err error
}

// WSEndpoint is a long-lived JSON-RPC connection to a remote MCP endpoint.
// Responses are matched to requests through a PendingTable; everything else
// goes to the push handler.
type WSEndpoint struct {
	url     string
	conn    *websocket.Conn
	pending *PendingTable
	push    PushHandler
	logger  *utils.LogsManager

	writeMu sync.Mutex
	nextID  atomic.Int64
	done    chan struct{}
	once    sync.Once

	hookMu  sync.Mutex
	onClose []func()
	closed  bool
}

// DialWSEndpoint connects to url. timeout bounds every request.
func DialWSEndpoint(ctx context.Context, url string, header http.Header, timeout time.Duration, push PushHandler, logger *utils.LogsManager) (*WSEndpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}

	e := &WSEndpoint{
		url:     url,
		conn:    conn,
		pending: NewPendingTable(timeout),
		push:    push,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go e.readLoop()
	go e.pingLoop()
	return e, nil
}

func (e *WSEndpoint) Endpoint() string { return e.url }

// OnClose runs fn once the connection is gone, whether the remote dropped it
// or Close was called. fn runs immediately if that already happened.
func (e *WSEndpoint) OnClose(fn func()) {
	e.hookMu.Lock()
	if !e.closed {
		e.onClose = append(e.onClose, fn)
		e.hookMu.Unlock()
		return
	}
	e.hookMu.Unlock()
	fn()
}

// Pending exposes the correlation table for inspection.
func (e *WSEndpoint) Pending() *PendingTable { return e.pending }

func (e *WSEndpoint) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	id := strconv.FormatInt(e.nextID.Add(1), 10)

	replies := make(chan wsReply, 1)
	err = e.pending.Register(id,
		func(msg json.RawMessage) { replies <- wsReply{msg: msg} },
		func(err error) { replies <- wsReply{err: err} },
	)
	if errors.Is(err, ErrPendingClosed) {
		return nil, fmt.Errorf("%w: %s is closed", ErrEndpointUnavailable, e.url)
	}
	if err != nil {
		return nil, err
	}

	frame, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: json.RawMessage(id), Method: method, Params: rawParams})
	if err != nil {
		e.pending.RejectIfPending(id, err)
		return nil, err
	}
	if err := e.write(websocket.TextMessage, frame); err != nil {
		e.pending.RejectIfPending(id, err)
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}

	select {
	case reply := <-replies:
		if errors.Is(reply.err, ErrPendingClosed) {
			return nil, fmt.Errorf("%w: %s closed mid-request", ErrEndpointUnavailable, e.url)
		}
		if reply.err != nil {
			return nil, reply.err
		}
		var resp RawResponse
		if err := json.Unmarshal(reply.msg, &resp); err != nil {
			return nil, fmt.Errorf("invalid response from %s: %w", e.url, err)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		e.pending.RejectIfPending(id, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, method, e.url)
		}
		return nil, ctx.Err()
	}
}

func (e *WSEndpoint) write(messageType int, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return e.conn.WriteMessage(messageType, data)
}

func (e *WSEndpoint) readLoop() {
	defer e.Close()

	e.conn.SetReadLimit(wsMaxMessage)
	e.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Warn(fmt.Sprintf("Remote MCP websocket %s read error: %v", e.url, err), "mcp")
			}
			return
		}
		e.dispatch(data)
	}
}

func (e *WSEndpoint) dispatch(data []byte) {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		e.logger.Debug(fmt.Sprintf("Dropping malformed frame from %s: %v", e.url, err), "mcp")
		return
	}

	// requests and notifications from the remote carry a method
	if head.Method == "" && len(head.ID) > 0 && e.pending.ResolveIfPending(unquoteID(head.ID), data) {
		return
	}
	if e.push != nil {
		e.push(json.RawMessage(data))
	}
}

// unquoteID maps "7" and 7 onto the same key; our ids are numeric strings.
func unquoteID(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

func (e *WSEndpoint) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Close tears down the connection and rejects outstanding requests.
func (e *WSEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		e.pending.Close()
		e.writeMu.Lock()
		e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		e.writeMu.Unlock()
		err = e.conn.Close()

		e.hookMu.Lock()
		e.closed = true
		hooks := e.onClose
		e.onClose = nil
		e.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
	return err
}
