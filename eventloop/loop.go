package eventloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentkit-go/core/callback"
	"github.com/agentkit-go/core/conversation"
	"github.com/agentkit-go/core/observability"
	"github.com/agentkit-go/core/streaming"
	"github.com/agentkit-go/core/tools"
	"github.com/agentkit-go/core/toolexec"
)

// Config configures an EventLoop.
type Config struct {
	// MaxCycles bounds the number of reasoning cycles for a single Run.
	MaxCycles int `json:"max_cycles" yaml:"max_cycles"`
	// CycleTimeout, if set, bounds a single cycle's provider call.
	CycleTimeout time.Duration `json:"cycle_timeout,omitempty" yaml:"cycle_timeout,omitempty"`
	// Evaluator, if set, is consulted between cycles on a terminal stop
	// reason to decide whether the loop should keep going.
	Evaluator Evaluator `json:"-" yaml:"-"`
}

// DefaultConfig returns a 10-cycle budget with no timeout and no evaluator.
func DefaultConfig() Config {
	return Config{MaxCycles: 10}
}

// Termination classifies how a Run ended, beyond the last model stop
// reason.
type Termination string

const (
	TerminationNatural     Termination = "natural"
	TerminationMaxCycles   Termination = "max_cycles_reached"
	TerminationCancelled   Termination = "cancelled"
	TerminationError       Termination = "error"
)

// ErrCycleTimeout is returned when a single cycle exceeds Config.CycleTimeout.
var ErrCycleTimeout = errors.New("eventloop: cycle timed out")

// Metrics aggregates bookkeeping over a full Run.
type Metrics struct {
	Duration          time.Duration
	ToolCallsExecuted int
	CyclesExecuted    int
}

// Result is the outcome of a Run.
type Result struct {
	ResponseText   string
	StopReason     conversation.StopReason
	Termination    Termination
	CyclesExecuted int
	WasStreamed    bool
	TokenUsage     TokenUsage
	Metrics        Metrics
	Success        bool
	Error          error
}

// EventLoop drives per-cycle model calls, tool execution, and optional
// evaluation for a single user turn.
type EventLoop struct {
	provider LlmProvider
	executor *toolexec.Executor
	config   Config

	callbacks callback.CallbackHandler
	logger    *slog.Logger
	tracer    *observability.Tracer

	agentID   string
	agentType string
	agentName string

	system      string
	modelParams ModelParams
}

// Option configures an EventLoop at construction time.
type Option func(*EventLoop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *EventLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithCallbacks(handler callback.CallbackHandler) Option {
	return func(l *EventLoop) {
		if handler != nil {
			l.callbacks = handler
		}
	}
}

func WithAgentIdentity(id, agentType, name string) Option {
	return func(l *EventLoop) {
		l.agentID = id
		l.agentType = agentType
		l.agentName = name
	}
}

func WithSystem(system string) Option {
	return func(l *EventLoop) { l.system = system }
}

func WithModelParams(params ModelParams) Option {
	return func(l *EventLoop) { l.modelParams = params }
}

// WithTracer attaches a Tracer for cycle-level spans. Without this option
// the loop traces through the global no-op provider.
func WithTracer(tracer *observability.Tracer) Option {
	return func(l *EventLoop) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// New builds an EventLoop around provider and executor, applying
// DefaultConfig's zero-value fallbacks.
func New(provider LlmProvider, executor *toolexec.Executor, config Config, opts ...Option) *EventLoop {
	if config.MaxCycles <= 0 {
		config.MaxCycles = 10
	}
	l := &EventLoop{
		provider:  provider,
		executor:  executor,
		config:    config,
		callbacks: callback.NoOpHandler{},
		logger:    slog.Default(),
		tracer:    observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the loop to completion for a single turn, given the messages
// accumulated so far (the new user message should already be appended).
func (l *EventLoop) Run(ctx context.Context, messages []conversation.Message) Result {
	start := time.Now()
	ctx, runSpan := l.tracer.Start(ctx, "eventloop.run", observability.SpanOptions{
		Kind:       trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.String("agent.id", l.agentID)},
	})
	defer runSpan.End()
	l.callbacks.OnEventLoopStart(callback.EventLoopStart{AgentID: l.agentID})

	toolDescs := l.toolDescriptors()
	msgs := append([]conversation.Message(nil), messages...)

	var lastAssistant conversation.Message
	var lastReason conversation.StopReason
	var usage TokenUsage
	var toolCallsExecuted int
	termination := TerminationMaxCycles
	var runErr error

	cyclesExecuted := 0

cycleLoop:
	for cycle := 1; cycle <= l.config.MaxCycles; cycle++ {
		cyclesExecuted = cycle

		if ctx.Err() != nil {
			termination = TerminationCancelled
			runErr = ctx.Err()
			break cycleLoop
		}

		l.callbacks.OnCycleStart(callback.CycleStart{Cycle: cycle})

		cycleCtx, cycleSpan := l.tracer.Start(ctx, "eventloop.cycle", observability.SpanOptions{
			Kind:       trace.SpanKindInternal,
			Attributes: []attribute.KeyValue{attribute.Int("cycle", cycle)},
		})
		var cancel context.CancelFunc
		if l.config.CycleTimeout > 0 {
			cycleCtx, cancel = context.WithTimeout(cycleCtx, l.config.CycleTimeout)
		}

		l.callbacks.OnModelStart(callback.ModelStart{Cycle: cycle})
		assistantMsg, reason, cycleUsage, err := l.runCycleWithRetry(cycleCtx, cycle, msgs, toolDescs)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			switch {
			case cycleCtx.Err() != nil && ctx.Err() == nil && errors.Is(cycleCtx.Err(), context.DeadlineExceeded):
				l.logger.Warn("cycle timed out", "cycle", cycle)
				l.callbacks.OnError(callback.Error{Err: ErrCycleTimeout, Context: "cycle timeout"})
				termination = TerminationError
				runErr = ErrCycleTimeout
			case ctx.Err() != nil:
				termination = TerminationCancelled
				runErr = ctx.Err()
			default:
				l.logger.Error("provider call failed", "cycle", cycle, "error", err)
				l.callbacks.OnError(callback.Error{Err: err, Context: "provider call"})
				termination = TerminationError
				runErr = err
			}
			l.tracer.RecordError(cycleSpan, runErr)
			cycleSpan.End()
			break cycleLoop
		}

		l.callbacks.OnModelComplete(callback.ModelComplete{Cycle: cycle, StopReason: string(reason)})
		lastAssistant = assistantMsg
		lastReason = reason
		usage.InputTokens += cycleUsage.InputTokens
		usage.OutputTokens += cycleUsage.OutputTokens
		msgs = append(msgs, assistantMsg)

		if reason == conversation.StopToolUse {
			toolUses := assistantMsg.ToolUseBlocks()
			if len(toolUses) == 0 {
				termination = TerminationNatural
				cycleSpan.End()
				break cycleLoop
			}
			resultMsg, executed := l.executeTools(ctx, toolUses, len(msgs))
			toolCallsExecuted += executed
			msgs = append(msgs, resultMsg)
			cycleSpan.End()
			continue cycleLoop
		}

		if l.config.Evaluator != nil {
			l.callbacks.OnEvaluationStart(callback.EvaluationStart{Cycle: cycle})
			evalStart := time.Now()
			evalResult, evalErr := l.config.Evaluator.Evaluate(ctx, assistantMsg, cycle)
			evalResult.Duration = time.Since(evalStart)
			l.callbacks.OnEvaluationComplete(callback.EvaluationComplete{
				Cycle:     cycle,
				Continue:  evalResult.Continue,
				Reasoning: evalResult.Reasoning,
			})
			if evalErr != nil {
				l.logger.Error("evaluator failed", "cycle", cycle, "error", evalErr)
				termination = TerminationError
				runErr = evalErr
				l.tracer.RecordError(cycleSpan, evalErr)
				cycleSpan.End()
				break cycleLoop
			}
			if evalResult.Continue {
				cycleSpan.End()
				continue cycleLoop
			}
		}

		termination = TerminationNatural
		cycleSpan.End()
		break cycleLoop
	}

	success := runErr == nil
	l.tracer.RecordError(runSpan, runErr)
	result := Result{
		ResponseText:   lastAssistant.Text(),
		StopReason:     lastReason,
		Termination:    termination,
		CyclesExecuted: cyclesExecuted,
		WasStreamed:    true,
		TokenUsage:     usage,
		Metrics: Metrics{
			Duration:          time.Since(start),
			ToolCallsExecuted: toolCallsExecuted,
			CyclesExecuted:    cyclesExecuted,
		},
		Success: success,
		Error:   runErr,
	}
	l.callbacks.OnEventLoopComplete(callback.EventLoopComplete{CyclesExecuted: cyclesExecuted, Success: success})
	return result
}

func (l *EventLoop) toolDescriptors() []ToolDescriptor {
	descs := l.executor.Registry().Descriptors()
	out := make([]ToolDescriptor, len(descs))
	for i, d := range descs {
		out[i] = ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}

// attemptCycle makes exactly one provider call, consumes its stream, and
// returns the finalized message. No retry logic lives here.
func (l *EventLoop) attemptCycle(ctx context.Context, messages []conversation.Message, toolDescs []ToolDescriptor) (conversation.Message, conversation.StopReason, TokenUsage, error) {
	req := Request{
		Messages:        messages,
		System:          l.system,
		ToolDescriptors: toolDescs,
		ModelParams:     l.modelParams,
	}
	src, err := l.provider.Stream(ctx, req)
	if err != nil {
		return conversation.Message{}, "", TokenUsage{}, err
	}
	defer src.Close()

	parser := streaming.NewParser()
	parser.OnDelta = func(d streaming.ContentDelta) {
		l.callbacks.OnContentDelta(callback.ContentDelta{Delta: d.Delta, Reasoning: d.Reasoning, Complete: d.Complete})
	}

	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return conversation.Message{}, "", TokenUsage{}, err
		}
		if err := parser.Feed(ev); err != nil {
			return conversation.Message{}, "", TokenUsage{}, err
		}
		if parser.Done() {
			break
		}
	}
	if !parser.Done() {
		return conversation.Message{}, "", TokenUsage{}, fmt.Errorf("eventloop: stream ended before MessageStop")
	}

	msg, reason, err := parser.Finalize()
	if err != nil {
		return conversation.Message{}, "", TokenUsage{}, err
	}
	var usage TokenUsage
	if u, ok := src.Usage(); ok {
		usage = u
	}
	return msg, reason, usage, nil
}

// runCycleWithRetry retries attemptCycle according to the classification of
// any ProviderError it returns: throttling backs off exponentially with
// jitter, service-unavailable backs off linearly, other transient errors
// back off exponentially without the throttling class's wider ceiling.
// Non-retryable errors (auth, validation, resource-not-found, or any
// unclassified error) fail immediately.
func (l *EventLoop) runCycleWithRetry(ctx context.Context, cycle int, messages []conversation.Message, toolDescs []ToolDescriptor) (conversation.Message, conversation.StopReason, TokenUsage, error) {
	attempt := 0
	var cfg retryConfig
	for {
		attempt++
		msg, reason, usage, err := l.attemptCycle(ctx, messages, toolDescs)
		if err == nil {
			return msg, reason, usage, nil
		}

		var perr *ProviderError
		if !errors.As(err, &perr) || !perr.Kind.Retryable() {
			return conversation.Message{}, "", TokenUsage{}, err
		}

		if attempt == 1 {
			cfg = retryConfigForKind(perr.Kind)
		}
		if attempt >= cfg.maxAttempts {
			return conversation.Message{}, "", TokenUsage{}, err
		}

		delay := cfg.delay(attempt)
		l.logger.Warn("retrying provider call", "cycle", cycle, "attempt", attempt, "kind", perr.Kind, "delay", delay)
		select {
		case <-ctx.Done():
			return conversation.Message{}, "", TokenUsage{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *EventLoop) executeTools(ctx context.Context, toolUses []conversation.ToolUseBlock, messageCount int) (conversation.Message, int) {
	results := make([]*tools.Result, len(toolUses))
	registry := l.executor.Registry()

	var pending []toolexec.Invocation
	var pendingIdx []int
	for i, tu := range toolUses {
		tool, ok := registry.Get(tu.Name)
		if !ok {
			results[i] = &tools.Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", tu.Name)}
			continue
		}
		pending = append(pending, toolexec.Invocation{Tool: tool, ToolUseID: tu.ToolUseID, Name: tu.Name, Input: tu.Input})
		pendingIdx = append(pendingIdx, i)
	}

	if len(pending) > 0 {
		tc := toolexec.ToolContext{
			AgentID:      l.agentID,
			AgentType:    l.agentType,
			AgentName:    l.agentName,
			StartedAt:    time.Now(),
			MessageCount: messageCount,
		}
		for _, inv := range pending {
			l.callbacks.OnToolStart(callback.ToolStart{ToolName: inv.Name, ToolUseID: inv.ToolUseID})
		}
		if len(pending) > 1 {
			l.callbacks.OnParallelStart(callback.ParallelStart{ToolCount: len(pending)})
		}
		batchStart := time.Now()
		batchResults := l.executor.ExecuteBatch(ctx, pending, tc)
		for j, r := range batchResults {
			results[pendingIdx[j]] = r
			l.callbacks.OnToolComplete(callback.ToolComplete{
				ToolName:  pending[j].Name,
				ToolUseID: pending[j].ToolUseID,
				Success:   r.Success,
			})
		}
		if len(pending) > 1 {
			l.callbacks.OnParallelComplete(callback.ParallelComplete{ToolCount: len(pending), Duration: time.Since(batchStart)})
		}
	}

	blocks := make([]conversation.ContentBlock, 0, len(toolUses)+1)
	for i, tu := range toolUses {
		r := results[i]
		blocks = append(blocks, conversation.ToolResultBlock{
			ToolUseID: tu.ToolUseID,
			Content:   resultContent(r),
			IsError:   !r.Success,
		})
		if r.InjectedContext != "" {
			blocks = append(blocks, conversation.TextBlock{Text: r.InjectedContext})
		}
	}
	return conversation.Message{Role: conversation.RoleUser, Content: blocks}, len(pending)
}

func resultContent(r *tools.Result) json.RawMessage {
	if r.Content != nil {
		if raw, ok := r.Content.(json.RawMessage); ok {
			return raw
		}
		if b, err := json.Marshal(r.Content); err == nil {
			return b
		}
	}
	if r.Error != "" {
		if b, err := json.Marshal(r.Error); err == nil {
			return b
		}
	}
	return json.RawMessage("null")
}
