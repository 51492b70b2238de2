package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentkit-go/core/observability"
)

// State is the lifecycle state of an MCP session.
type State int

const (
	Disconnected State = iota
	Connecting
	Initialized
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Initialized:
		return "initialized"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// ClientIdentity is sent to the server during the initialize handshake.
type ClientIdentity struct {
	Name    string
	Version string
}

// DefaultClientIdentity is used when a Session is constructed without an
// explicit identity.
var DefaultClientIdentity = ClientIdentity{Name: "agentcore-mcp-client", Version: "1.0.0"}

// Session is one initialized MCP connection to a single server: its
// transport, tool/resource/prompt maps, and pending-request bookkeeping
// (held inside the transport). A Session owns its transport; closing it
// terminates background I/O and fails any requests still in flight.
type Session struct {
	id        string
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger
	identity  ClientIdentity
	tracer    *observability.Tracer

	state atomic.Int32

	mu        sync.RWMutex
	tools     map[string]*Tool
	resources []*Resource
	prompts   []*Prompt

	serverInfo ServerInfo
	stopNotify chan struct{}
	notifyWG   sync.WaitGroup
}

// SessionOption configures optional Session behavior.
type SessionOption func(*Session)

// WithClientIdentity overrides the identity reported during the initialize handshake.
func WithClientIdentity(identity ClientIdentity) SessionOption {
	return func(s *Session) { s.identity = identity }
}

// WithLogger overrides the session's logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer attaches a Tracer for request-level spans. Without this
// option the session traces through the global no-op provider.
func WithTracer(tracer *observability.Tracer) SessionOption {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewSession constructs a Session for the given server configuration. The
// session owns a fresh transport selected by cfg.Transport; it does not
// connect until Connect is called.
func NewSession(cfg *ServerConfig, opts ...SessionOption) *Session {
	s := &Session{
		id:         uuid.NewString(),
		config:     cfg,
		transport:  NewTransport(cfg),
		logger:     slog.Default().With("mcp_server", cfg.ID),
		identity:   DefaultClientIdentity,
		tracer:     observability.NoopTracer(),
		tools:      make(map[string]*Tool),
		stopNotify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(Disconnected))
	return s
}

// tracedCall wraps a single JSON-RPC request/response round trip in a
// client-kind span named after the MCP method.
func (s *Session) tracedCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "mcp."+method, observability.SpanOptions{
		Kind:       trace.SpanKindClient,
		Attributes: []attribute.KeyValue{attribute.String("mcp.server", s.config.ID), attribute.String("mcp.method", method)},
	})
	defer span.End()
	result, err := s.transport.Call(ctx, method, params)
	s.tracer.RecordError(span, err)
	return result, err
}

// ID returns the session's unique identifier (spec §3.4 session_id),
// generated once at construction and stable for the session's lifetime.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect opens the transport, performs the initialize handshake, sends
// notifications/initialized, and — if the server advertises a tools
// capability — populates the session's tool map via tools/list.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(int32(Connecting))

	if err := s.transport.Connect(ctx); err != nil {
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := s.tracedCall(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": map[string]any{
			"name":    s.identity.Name,
			"version": s.identity.Version,
		},
	})
	if err != nil {
		s.transport.Close()
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		s.transport.Close()
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("parse initialize result: %w", err)
	}

	s.serverInfo = initResult.ServerInfo
	s.logger.Info("connected to MCP server",
		"name", s.serverInfo.Name,
		"version", s.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}

	if initResult.Capabilities.Tools != nil {
		if err := s.RefreshTools(ctx); err != nil {
			s.logger.Warn("failed to list tools during handshake", "error", err)
		}
	}
	if initResult.Capabilities.Resources != nil {
		if err := s.refreshResources(ctx); err != nil {
			s.logger.Debug("failed to list resources during handshake", "error", err)
		}
	}
	if initResult.Capabilities.Prompts != nil {
		if err := s.refreshPrompts(ctx); err != nil {
			s.logger.Debug("failed to list prompts during handshake", "error", err)
		}
	}

	s.notifyWG.Add(1)
	go s.dispatchNotifications()

	s.state.Store(int32(Initialized))
	return nil
}

// Disconnect signals close, stops the notification dispatcher, and tears
// down the transport; the transport itself fails any still-pending requests
// with a ConnectionLost-flavored error as part of its own teardown.
func (s *Session) Disconnect() error {
	s.state.Store(int32(Closing))
	close(s.stopNotify)
	err := s.transport.Close()
	s.notifyWG.Wait()
	s.state.Store(int32(Disconnected))
	return err
}

// ServerInfo returns the server identity reported during handshake.
func (s *Session) ServerInfo() ServerInfo {
	return s.serverInfo
}

// RefreshTools re-lists tools from the server and replaces the cached map.
func (s *Session) RefreshTools(ctx context.Context) error {
	result, err := s.tracedCall(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := make(map[string]*Tool, len(resp.Tools))
	for _, t := range resp.Tools {
		tools[t.Name] = t
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

func (s *Session) refreshResources(ctx context.Context) error {
	result, err := s.tracedCall(ctx, "resources/list", nil)
	if err != nil {
		return err
	}
	var resp ListResourcesResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.resources = resp.Resources
	s.mu.Unlock()
	return nil
}

func (s *Session) refreshPrompts(ctx context.Context) error {
	result, err := s.tracedCall(ctx, "prompts/list", nil)
	if err != nil {
		return err
	}
	var resp ListPromptsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.prompts = resp.Prompts
	s.mu.Unlock()
	return nil
}

// ListTools returns a snapshot of the session's tool map.
func (s *Session) ListTools() map[string]*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]*Tool, len(s.tools))
	for k, v := range s.tools {
		snapshot[k] = v
	}
	return snapshot
}

// Resources returns the cached resource list.
func (s *Session) Resources() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources
}

// Prompts returns the cached prompt list.
func (s *Session) Prompts() []*Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompts
}

// CallTool validates that name is known to the session, sends tools/call,
// and returns the server's result content.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) ([]ToolResultContent, error) {
	s.mu.RLock()
	_, known := s.tools[name]
	s.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("protocol: tool not found: %s", name)
	}

	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := s.tracedCall(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	if callResult.IsError {
		return callResult.Content, fmt.Errorf("tool execution failed: %s", name)
	}
	return callResult.Content, nil
}

// ReadResource reads a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := s.tracedCall(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var resp ReadResourceResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return resp.Contents, nil
}

// GetPrompt resolves a prompt template by name.
func (s *Session) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := s.tracedCall(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	var resp GetPromptResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse prompts/get result: %w", err)
	}
	return &resp, nil
}

// SamplingHandler answers server-initiated sampling/createMessage requests.
// HandleSampling ignores a nil handler; with no handler installed the
// session does not read server-initiated requests (see dispatchNotifications).
type SamplingHandler func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error)

// HandleSampling starts a goroutine answering sampling/createMessage
// requests from the server with handler. The same goroutine debug-logs and
// ignores requests for any other method.
func (s *Session) HandleSampling(handler SamplingHandler) {
	if handler == nil {
		return
	}
	go func() {
		for {
			select {
			case <-s.stopNotify:
				return
			case req, ok := <-s.transport.Requests():
				if !ok {
					return
				}
				if req == nil || req.Method != "sampling/createMessage" {
					s.logger.Debug("ignoring server-initiated request", "method", req.Method)
					continue
				}
				go s.handleSamplingRequest(req, handler)
			}
		}
	}()
}

func (s *Session) handleSamplingRequest(req *Request, handler SamplingHandler) {
	timeout := s.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = s.transport.Respond(ctx, req.ID, nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid sampling params"})
			return
		}
	}

	response, err := handler(ctx, &params)
	if err != nil {
		_ = s.transport.Respond(ctx, req.ID, nil, &RPCError{Code: ErrCodeInternalError, Message: err.Error()})
		return
	}
	if response == nil {
		_ = s.transport.Respond(ctx, req.ID, nil, &RPCError{Code: ErrCodeInternalError, Message: "sampling handler returned nil response"})
		return
	}
	if err := s.transport.Respond(ctx, req.ID, response, nil); err != nil {
		s.logger.Warn("failed to respond to sampling request", "error", err)
	}
}

// dispatchNotifications routes server notifications: a tools/list_changed
// notification triggers a refresh, cancelled notifications are logged, and
// everything else is debug-logged. It does not read server-initiated
// requests: only the goroutine started by HandleSampling reads them. Without
// one they stay in the transport's 16-entry request buffer, and once that is
// full the transport drops further requests with a warning.
func (s *Session) dispatchNotifications() {
	defer s.notifyWG.Done()
	for {
		select {
		case <-s.stopNotify:
			return
		case notif, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleNotification(notif)
		}
	}
}

func (s *Session) handleNotification(notif *Notification) {
	switch notif.Method {
	case "notifications/tools/list_changed":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.RefreshTools(ctx); err != nil {
			s.logger.Warn("failed to refresh tools after list_changed", "error", err)
		}
	case "notifications/cancelled":
		s.logger.Info("server cancelled request", "params", string(notif.Params))
	default:
		s.logger.Debug("unhandled MCP notification", "method", notif.Method)
	}
}
