package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements the MCP transport over a WebSocket
// connection using JSON-RPC text frames.
type WebSocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // serializes writes; gorilla forbids concurrent WriteMessage calls

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	events    chan *Notification
	requests  chan *Request
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWebSocketTransport creates a new WebSocket transport for the given server config.
func NewWebSocketTransport(cfg *ServerConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "websocket"),
		pending:  make(map[int64]chan *Response),
		events:   make(chan *Notification, 100),
		requests: make(chan *Request, 16),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the configured URL and starts the read and ping loops.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for websocket transport")
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	maxSize := t.config.MaxMessageSize
	if maxSize > 0 {
		conn.SetReadLimit(maxSize)
	}

	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("connected to MCP server", "url", t.config.URL)

	t.wg.Add(1)
	go t.readLoop()

	if t.config.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop(t.config.PingInterval)
	}

	return nil
}

// Close sends a close frame and tears down the connection.
func (t *WebSocketTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.conn != nil {
		t.connMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.connMu.Unlock()
		t.conn.Close()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request text frame and waits for the correlated response.
func (t *WebSocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a fire-and-forget notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return t.writeJSON(notif)
}

// Respond answers a server-initiated request.
func (t *WebSocketTransport) Respond(ctx context.Context, id any, result any, rpcErr *RPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	return t.writeJSON(resp)
}

func (t *WebSocketTransport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Events returns the notification channel.
func (t *WebSocketTransport) Events() <-chan *Notification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *WebSocketTransport) Requests() <-chan *Request {
	return t.requests
}

// Connected returns whether the transport is currently connected.
func (t *WebSocketTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop reads frames until the connection closes or stopChan fires.
// Binary frames and pings/pongs are ignored at the MCP layer; close frames
// terminate the loop and drain pending requests with ConnectionLost.
func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer t.drainPending(fmt.Errorf("connection lost: websocket closed"))

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Info("websocket read loop ending", "error", err)
			}
			return
		}

		select {
		case <-t.stopChan:
			return
		default:
		}

		if msgType != websocket.TextMessage {
			continue
		}

		t.processMessage(data)
	}
}

func (t *WebSocketTransport) pingLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.connMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.connMu.Unlock()
			if err != nil {
				t.logger.Warn("ping failed", "error", err)
			}
		}
	}
}

func (t *WebSocketTransport) drainPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- &Response{Error: &RPCError{Code: ErrCodeInternalError, Message: err.Error()}}:
		default:
		}
		delete(t.pending, id)
	}
}

func (t *WebSocketTransport) processMessage(data []byte) {
	var generic struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &generic); err != nil {
		t.logger.Warn("malformed MCP message", "error", err)
		return
	}

	switch {
	case generic.ID != nil && generic.Method == "":
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("malformed MCP response", "error", err)
			return
		}
		t.deliverResponse(&resp)
	case generic.ID != nil && generic.Method != "":
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			t.logger.Warn("malformed MCP request", "error", err)
			return
		}
		select {
		case t.requests <- &req:
		default:
			t.logger.Warn("server request channel full, dropping", "method", req.Method)
		}
	case generic.Method != "":
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			t.logger.Warn("malformed MCP notification", "error", err)
			return
		}
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
	}
}

func (t *WebSocketTransport) deliverResponse(resp *Response) {
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		t.logger.Warn("unexpected response ID type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- resp:
		default:
		}
		delete(t.pending, id)
	}
}
