package mcp

import (
	"context"
	"encoding/json"
)

// Transport abstracts the wire-level connection a Session multiplexes
// JSON-RPC requests, notifications, and server-initiated requests over. The
// two implementations in this package (stdio child process, WebSocket) give
// a Session the same request/response/notify surface regardless of how the
// remote MCP server is actually reached.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *Notification

	// Requests returns a channel for receiving server-initiated requests.
	Requests() <-chan *Request

	// Respond sends a response to a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *RPCError) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a new transport based on the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportWebSocket:
		return NewWebSocketTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
