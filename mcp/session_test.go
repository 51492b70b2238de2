package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// fakeTransport is a manual mock of the Transport interface driven entirely
// by test code, so session behavior can be exercised without a real child
// process or socket.
type fakeTransport struct {
	connected bool
	calls     map[string]func(params any) (json.RawMessage, error)
	events    chan *Notification
	requests  chan *Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:    make(map[string]func(params any) (json.RawMessage, error)),
		events:   make(chan *Notification, 8),
		requests: make(chan *Request, 8),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Close() error {
	f.connected = false
	close(f.events)
	close(f.requests)
	return nil
}
func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if fn, ok := f.calls[method]; ok {
		return fn(params)
	}
	return json.RawMessage(`{}`), nil
}
func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (f *fakeTransport) Events() <-chan *Notification                               { return f.events }
func (f *fakeTransport) Requests() <-chan *Request                                  { return f.requests }
func (f *fakeTransport) Respond(ctx context.Context, id any, result any, rpcErr *RPCError) error {
	return nil
}
func (f *fakeTransport) Connected() bool { return f.connected }

func jsonResult(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// newTestSession builds a Session wired to ft without going through NewSession's
// transport factory, which always constructs a real StdioTransport/WebSocketTransport.
func newTestSession(ft *fakeTransport) *Session {
	s := NewSession(&ServerConfig{ID: "test", Transport: TransportStdio, Command: "ignored"})
	s.transport = ft
	return s
}

func TestSessionConnectHandshakeAndEmptyToolList(t *testing.T) {
	ft := newFakeTransport()
	ft.calls["initialize"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: false}},
			ServerInfo:      ServerInfo{Name: "test-server", Version: "0.1"},
		}), nil
	}
	ft.calls["tools/list"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, ListToolsResult{Tools: nil}), nil
	}

	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != Initialized {
		t.Errorf("state = %v, want Initialized", s.State())
	}
	if got := s.ListTools(); len(got) != 0 {
		t.Errorf("expected empty tool list, got %v", got)
	}

	_, err := s.CallTool(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected error calling unknown tool")
	}
	const want = "protocol: tool not found: x"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state after disconnect = %v, want Disconnected", s.State())
	}
}

func TestSessionCallToolKnown(t *testing.T) {
	ft := newFakeTransport()
	ft.calls["initialize"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: "srv"},
		}), nil
	}
	ft.calls["tools/list"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, ListToolsResult{Tools: []*Tool{{Name: "calculator", Description: "does math"}}}), nil
	}
	ft.calls["tools/call"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "125"}}}), nil
	}

	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	content, err := s.CallTool(context.Background(), "calculator", map[string]any{"expression": "5*5*5"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(content) != 1 || content[0].Text != "125" {
		t.Errorf("content = %+v, want [{text 125}]", content)
	}
}

func TestSessionToolsListChangedTriggersRefresh(t *testing.T) {
	ft := newFakeTransport()
	ft.calls["initialize"] = func(params any) (json.RawMessage, error) {
		return jsonResult(t, InitializeResult{Capabilities: Capabilities{Tools: &ToolsCapability{ListChanged: true}}}), nil
	}
	listCount := 0
	ft.calls["tools/list"] = func(params any) (json.RawMessage, error) {
		listCount++
		if listCount == 1 {
			return jsonResult(t, ListToolsResult{Tools: nil}), nil
		}
		return jsonResult(t, ListToolsResult{Tools: []*Tool{{Name: "echo"}}}), nil
	}

	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.events <- &Notification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"}

	deadline := time.After(time.Second)
	for {
		if len(s.ListTools()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tool list refresh")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionIDIsUniquePerInstance(t *testing.T) {
	a := NewSession(&ServerConfig{ID: "a", Command: "ignored"})
	b := NewSession(&ServerConfig{ID: "b", Command: "ignored"})
	if a.ID() == "" || b.ID() == "" {
		t.Fatal("expected non-empty session IDs")
	}
	if a.ID() == b.ID() {
		t.Errorf("expected distinct session IDs, both were %q", a.ID())
	}
}
