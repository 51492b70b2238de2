package eventloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agentkit-go/core/conversation"
	"github.com/agentkit-go/core/middleware"
	"github.com/agentkit-go/core/streaming"
	"github.com/agentkit-go/core/tools"
	"github.com/agentkit-go/core/toolexec"
)

func textMessageEvents(text string, reason conversation.StopReason) []streaming.Event {
	return []streaming.Event{
		streaming.MessageStart{Role: conversation.RoleAssistant},
		streaming.ContentBlockStart{Index: 0, Kind: streaming.BlockText},
		streaming.ContentBlockDelta{Index: 0, Delta: streaming.TextDelta{Text: text}},
		streaming.ContentBlockStop{Index: 0},
		streaming.MessageStop{StopReason: reason},
	}
}

func toolUseEvents(toolUseID, name, inputJSON string) []streaming.Event {
	return []streaming.Event{
		streaming.MessageStart{Role: conversation.RoleAssistant},
		streaming.ContentBlockStart{Index: 0, Kind: streaming.BlockToolUse, ToolUseID: toolUseID, Name: name},
		streaming.ContentBlockDelta{Index: 0, Delta: streaming.ToolUseInputDelta{Fragment: inputJSON}},
		streaming.ContentBlockStop{Index: 0},
		streaming.MessageStop{StopReason: conversation.StopToolUse},
	}
}

type fakeStreamSource struct {
	events []streaming.Event
	idx    int
	block  bool
	err    error
}

func (f *fakeStreamSource) Next(ctx context.Context) (streaming.Event, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.idx]
	f.idx++
	return ev, nil
}

func (f *fakeStreamSource) Usage() (TokenUsage, bool) { return TokenUsage{}, false }
func (f *fakeStreamSource) Close() error              { return nil }

type fakeProvider struct {
	mu      sync.Mutex
	streams []func() StreamSource
	calls   int
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) (StreamSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.streams) {
		idx = len(p.streams) - 1
	}
	p.calls++
	return p.streams[idx](), nil
}

func fixedStream(events []streaming.Event) func() StreamSource {
	return func() StreamSource { return &fakeStreamSource{events: events} }
}

func errorStream(err error) func() StreamSource {
	return func() StreamSource { return &fakeStreamSource{err: err} }
}

func blockingStream() func() StreamSource {
	return func() StreamSource { return &fakeStreamSource{block: true} }
}

type echoTool struct{}

func (echoTool) Descriptor() tools.Descriptor { return tools.Descriptor{Name: "echo"} }
func (echoTool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Success: true, Content: json.RawMessage(input)}, nil
}

func newExecutorWithEcho(t *testing.T) *toolexec.Executor {
	t.Helper()
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return toolexec.NewExecutor(reg, middleware.NewStack(), toolexec.DefaultConfig())
}

func TestEventLoopSingleCycleEndTurn(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{fixedStream(textMessageEvents("hello", conversation.StopEndTurn))}}
	exec := newExecutorWithEcho(t)
	loop := New(provider, exec, DefaultConfig())

	result := loop.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected success, got error %v", result.Error)
	}
	if result.ResponseText != "hello" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
	if result.StopReason != conversation.StopEndTurn {
		t.Errorf("StopReason = %v", result.StopReason)
	}
	if result.Termination != TerminationNatural {
		t.Errorf("Termination = %v", result.Termination)
	}
	if result.CyclesExecuted != 1 {
		t.Errorf("CyclesExecuted = %d, want 1", result.CyclesExecuted)
	}
}

func TestEventLoopToolUseThenEndTurn(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{
		fixedStream(toolUseEvents("call_1", "echo", `{"x":1}`)),
		fixedStream(textMessageEvents("done", conversation.StopEndTurn)),
	}}
	exec := newExecutorWithEcho(t)
	loop := New(provider, exec, DefaultConfig())

	result := loop.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected success, got error %v", result.Error)
	}
	if result.CyclesExecuted != 2 {
		t.Errorf("CyclesExecuted = %d, want 2", result.CyclesExecuted)
	}
	if result.ResponseText != "done" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
	if result.Metrics.ToolCallsExecuted != 1 {
		t.Errorf("ToolCallsExecuted = %d, want 1", result.Metrics.ToolCallsExecuted)
	}
}

func TestEventLoopUnknownToolStillCompletesLoop(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{
		fixedStream(toolUseEvents("call_1", "does-not-exist", `{}`)),
		fixedStream(textMessageEvents("recovered", conversation.StopEndTurn)),
	}}
	exec := newExecutorWithEcho(t)
	loop := New(provider, exec, DefaultConfig())

	result := loop.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected success despite unknown tool, got error %v", result.Error)
	}
	if result.ResponseText != "recovered" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
}

func TestExecuteToolsAppendsSystemStyleNoteForInjectContext(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	annotate := &middleware.Func{
		FuncName: "annotate",
		OnAfter: func(context.Context, string, *tools.Result, middleware.Context) (middleware.AfterAction, error) {
			return middleware.InjectContext("ran in sandbox"), nil
		},
	}
	exec := toolexec.NewExecutor(reg, middleware.NewStack(annotate), toolexec.DefaultConfig())
	loop := New(&fakeProvider{}, exec, DefaultConfig())

	toolUses := []conversation.ToolUseBlock{{ToolUseID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}}
	msg, executed := loop.executeTools(context.Background(), toolUses, 0)

	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("expected tool result block + injected note, got %d blocks: %+v", len(msg.Content), msg.Content)
	}
	if _, ok := msg.Content[0].(conversation.ToolResultBlock); !ok {
		t.Fatalf("blocks[0] = %T, want ToolResultBlock", msg.Content[0])
	}
	note, ok := msg.Content[1].(conversation.TextBlock)
	if !ok {
		t.Fatalf("blocks[1] = %T, want TextBlock", msg.Content[1])
	}
	if note.Text != "ran in sandbox" {
		t.Errorf("note.Text = %q, want %q", note.Text, "ran in sandbox")
	}
}

func TestEventLoopMaxCyclesReached(t *testing.T) {
	events := toolUseEvents("call_1", "echo", `{}`)
	provider := &fakeProvider{streams: []func() StreamSource{fixedStream(events)}}
	exec := newExecutorWithEcho(t)
	cfg := DefaultConfig()
	cfg.MaxCycles = 2
	loop := New(provider, exec, cfg)

	result := loop.Run(context.Background(), nil)

	if result.Termination != TerminationMaxCycles {
		t.Errorf("Termination = %v, want TerminationMaxCycles", result.Termination)
	}
	if result.CyclesExecuted != 2 {
		t.Errorf("CyclesExecuted = %d, want 2", result.CyclesExecuted)
	}
}

func TestEventLoopEvaluatorStopsImmediately(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{fixedStream(textMessageEvents("first pass", conversation.StopEndTurn))}}
	exec := newExecutorWithEcho(t)
	cfg := DefaultConfig()
	cfg.Evaluator = EvaluatorFunc(func(ctx context.Context, resp conversation.Message, cycle int) (EvaluationResult, error) {
		return EvaluationResult{Continue: false, Reasoning: "good enough"}, nil
	})
	loop := New(provider, exec, cfg)

	result := loop.Run(context.Background(), nil)

	if result.CyclesExecuted != 1 || result.Termination != TerminationNatural {
		t.Errorf("result = %+v", result)
	}
}

func TestEventLoopEvaluatorRequestsAnotherCycle(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{
		fixedStream(textMessageEvents("first pass", conversation.StopEndTurn)),
		fixedStream(textMessageEvents("second pass", conversation.StopEndTurn)),
	}}
	exec := newExecutorWithEcho(t)
	cfg := DefaultConfig()
	calls := 0
	cfg.Evaluator = EvaluatorFunc(func(ctx context.Context, resp conversation.Message, cycle int) (EvaluationResult, error) {
		calls++
		return EvaluationResult{Continue: calls == 1}, nil
	})
	loop := New(provider, exec, cfg)

	result := loop.Run(context.Background(), nil)

	if result.CyclesExecuted != 2 {
		t.Errorf("CyclesExecuted = %d, want 2", result.CyclesExecuted)
	}
	if result.ResponseText != "second pass" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
}

func TestEventLoopNonRetryableProviderErrorFailsImmediately(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{
		errorStream(NewProviderError(ErrorKindAuth, errors.New("invalid api key"))),
	}}
	exec := newExecutorWithEcho(t)
	loop := New(provider, exec, DefaultConfig())

	result := loop.Run(context.Background(), nil)

	if result.Success {
		t.Fatal("expected failure for non-retryable auth error")
	}
	if result.CyclesExecuted != 1 {
		t.Errorf("CyclesExecuted = %d, want 1 (no retries for non-retryable errors)", result.CyclesExecuted)
	}
}

func TestEventLoopRetriesTransientProviderError(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{
		errorStream(NewProviderError(ErrorKindTransient, errors.New("temporary blip"))),
		fixedStream(textMessageEvents("recovered after retry", conversation.StopEndTurn)),
	}}
	exec := newExecutorWithEcho(t)
	loop := New(provider, exec, DefaultConfig())

	result := loop.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected eventual success, got error %v", result.Error)
	}
	if result.ResponseText != "recovered after retry" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
}

func TestEventLoopCycleTimeoutIsReportedAsError(t *testing.T) {
	provider := &fakeProvider{streams: []func() StreamSource{blockingStream()}}
	exec := newExecutorWithEcho(t)
	cfg := DefaultConfig()
	cfg.CycleTimeout = 10 * time.Millisecond
	loop := New(provider, exec, cfg)

	result := loop.Run(context.Background(), nil)

	if result.Success {
		t.Fatal("expected failure on cycle timeout")
	}
	if !errors.Is(result.Error, ErrCycleTimeout) {
		t.Errorf("Error = %v, want ErrCycleTimeout", result.Error)
	}
}
