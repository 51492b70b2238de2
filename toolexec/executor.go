// Package toolexec implements the tool execution subsystem: a per-invocation
// pipeline (schema validation, middleware, timeout enforcement, metrics) on
// top of a tools.Registry, offered as a fail-fast Executor and a blocking
// QueuedExecutor sharing the same pipeline.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentkit-go/core/middleware"
	"github.com/agentkit-go/core/tools"
)

// Strategy selects how a batch of tool invocations is scheduled.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Config configures an Executor or QueuedExecutor.
type Config struct {
	// MaxParallelTools bounds concurrent invocations. 1 forces strictly
	// sequential execution regardless of Strategy.
	MaxParallelTools int

	// ExecutionTimeout bounds a single tool invocation's body.
	ExecutionTimeout time.Duration

	// ValidateInputs enables schema validation against the registry's
	// compiled schemas before a tool runs.
	ValidateInputs bool

	// CaptureMetrics enables recording of per-invocation metrics.
	CaptureMetrics bool

	Strategy Strategy
}

// DefaultConfig returns sequential execution with schema validation and
// metrics capture enabled and a 30 second per-tool timeout.
func DefaultConfig() Config {
	return Config{
		MaxParallelTools: 1,
		ExecutionTimeout: 30 * time.Second,
		ValidateInputs:   true,
		CaptureMetrics:   true,
		Strategy:         StrategySequential,
	}
}

// ErrAtCapacity is returned by Executor.ExecuteOne when every permit is in
// use and the executor is configured to fail fast rather than queue.
var ErrAtCapacity = errors.New("toolexec: at capacity")

// ToolContext carries per-invocation bookkeeping threaded through the
// middleware stack and available to tools that want it.
type ToolContext struct {
	AgentID         string
	AgentType       string
	AgentName       string
	StartedAt       time.Time
	ToolIndexInTurn int
	MessageCount    int
}

// Invocation pairs a tool with the call requesting it.
type Invocation struct {
	Tool      tools.Tool
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

// Metrics records per-invocation outcomes. NewPrometheusMetrics wires these
// to real counters/histograms; nopMetrics is the default sink when no
// WithMetrics option is given. No sink is called when CaptureMetrics is false.
type Metrics interface {
	Record(toolName string, duration time.Duration, success bool)
}

type nopMetrics struct{}

func (nopMetrics) Record(string, time.Duration, bool) {}

// Executor runs tool invocations one at a time or bounded-parallel, failing
// fast with ErrAtCapacity from ExecuteOne when every permit is already in
// use. ExecuteBatch always queues internally and completes every entry.
type Executor struct {
	registry *tools.Registry
	stack    *middleware.Stack
	config   Config
	metrics  Metrics
	logger   *slog.Logger
	sem      chan struct{}
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithMetrics overrides the metrics sink. Ignored if config.CaptureMetrics is false.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger overrides the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor builds an Executor around registry using the given stack and
// config, applying DefaultConfig's zero-value fallbacks.
func NewExecutor(registry *tools.Registry, stack *middleware.Stack, config Config, opts ...Option) *Executor {
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 1
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = 30 * time.Second
	}
	e := &Executor{
		registry: registry,
		stack:    stack,
		config:   config,
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		sem:      make(chan struct{}, config.MaxParallelTools),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the tool registry this executor was built around, so
// callers (e.g. the event loop) can resolve tool-use blocks into
// Invocations and list descriptors for the provider request.
func (e *Executor) Registry() *tools.Registry { return e.registry }

// ExecuteOne runs a single invocation. It fails fast with ErrAtCapacity if
// every concurrency permit is already held.
func (e *Executor) ExecuteOne(ctx context.Context, inv Invocation, tc ToolContext) (*tools.Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		return nil, ErrAtCapacity
	}
	return e.runPipeline(ctx, inv, tc)
}

// ExecuteBatch runs every invocation, preserving result order regardless of
// completion order. With MaxParallelTools == 1 or Strategy ==
// StrategySequential invocations run strictly in order and one failure never
// aborts the batch; otherwise up to MaxParallelTools run concurrently.
func (e *Executor) ExecuteBatch(ctx context.Context, invocations []Invocation, tc ToolContext) []*tools.Result {
	results := make([]*tools.Result, len(invocations))

	if e.config.MaxParallelTools == 1 || e.config.Strategy == StrategySequential {
		for i, inv := range invocations {
			itc := tc
			itc.ToolIndexInTurn = i
			result, err := e.runPipeline(ctx, inv, itc)
			if err != nil {
				result = &tools.Result{Error: err.Error()}
			}
			results[i] = result
		}
		return results
	}

	done := make(chan struct{}, len(invocations))
	for i, inv := range invocations {
		i, inv := i, inv
		go func() {
			defer func() { done <- struct{}{} }()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			itc := tc
			itc.ToolIndexInTurn = i
			result, err := e.runPipeline(ctx, inv, itc)
			if err != nil {
				result = &tools.Result{Error: err.Error()}
			}
			results[i] = result
		}()
	}
	for range invocations {
		<-done
	}
	return results
}

func (e *Executor) runPipeline(ctx context.Context, inv Invocation, tc ToolContext) (*tools.Result, error) {
	return runPipeline(ctx, e.registry, e.stack, e.config, e.metrics, inv, tc)
}

func (e *Executor) recordMetrics(toolName string, duration time.Duration, success bool) {
	recordMetrics(e.config, e.metrics, toolName, duration, success)
}

// runPipeline is the shared invocation pipeline: schema validation,
// before-middleware, the timed tool call itself, after-middleware, and
// metrics recording. Both Executor and QueuedExecutor run every invocation
// through this exact sequence; they differ only in how they admit work
// (fail-fast semaphore vs. blocking queue).
func runPipeline(ctx context.Context, registry *tools.Registry, stack *middleware.Stack, config Config, metrics Metrics, inv Invocation, tc ToolContext) (*tools.Result, error) {
	start := time.Now()

	if config.ValidateInputs {
		if err := registry.ValidateInput(inv.Name, inv.Input); err != nil {
			recordMetrics(config, metrics, inv.Name, time.Since(start), false)
			return &tools.Result{Success: false, Error: err.Error()}, nil
		}
	}

	input := inv.Input
	action, err := stack.Before(ctx, inv.Name, input, middleware.Context{
		AgentID:         tc.AgentID,
		AgentType:       tc.AgentType,
		AgentName:       tc.AgentName,
		ExecutionStart:  tc.StartedAt,
		ToolIndexInTurn: tc.ToolIndexInTurn,
		MessageCount:    tc.MessageCount,
	})
	if err != nil {
		return nil, fmt.Errorf("before-tool middleware: %w", err)
	}

	var result *tools.Result
	switch action.Type {
	case middleware.ActionAbort:
		result = action.SyntheticResult
		if result == nil {
			result = &tools.Result{Success: false, Error: action.Reason}
		}
	case middleware.ActionSkip:
		result = &tools.Result{Success: true, Content: nil}
	default:
		if action.Type == middleware.ActionModifyParams {
			input = action.ModifiedParams
		}
		result = invokeWithTimeout(ctx, config.ExecutionTimeout, inv.Tool, input)
	}

	afterResult, afterErr := stack.After(ctx, inv.Name, result, middleware.Context{
		AgentID:         tc.AgentID,
		AgentType:       tc.AgentType,
		AgentName:       tc.AgentName,
		ExecutionStart:  tc.StartedAt,
		ToolIndexInTurn: tc.ToolIndexInTurn,
		MessageCount:    tc.MessageCount,
	})
	if afterErr != nil {
		return nil, fmt.Errorf("after-tool middleware: %w", afterErr)
	}
	result = afterResult

	recordMetrics(config, metrics, inv.Name, time.Since(start), result.Success)
	return result, nil
}

func invokeWithTimeout(ctx context.Context, timeout time.Duration, tool tools.Tool, input json.RawMessage) *tools.Result {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *tools.Result
		err    error
	}
	resultChan := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(toolCtx, input)
		select {
		case resultChan <- outcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return &tools.Result{Success: false, Error: fmt.Sprintf("timed out after %v", timeout)}
		}
		return &tools.Result{Success: false, Error: "canceled"}
	case out := <-resultChan:
		if out.err != nil {
			return &tools.Result{Success: false, Error: out.err.Error()}
		}
		if out.result == nil {
			return &tools.Result{Success: true}
		}
		return out.result
	}
}

func recordMetrics(config Config, metrics Metrics, toolName string, duration time.Duration, success bool) {
	if !config.CaptureMetrics {
		return
	}
	metrics.Record(toolName, duration, success)
}
