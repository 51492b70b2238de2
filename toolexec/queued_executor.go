package toolexec

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentkit-go/core/callback"
	"github.com/agentkit-go/core/middleware"
	"github.com/agentkit-go/core/tools"
)

// QueuedExecutor runs the same invocation pipeline as Executor but never
// fails fast: when every concurrency permit is in use, callers block until
// one frees up instead of receiving ErrAtCapacity. It also emits tool
// lifecycle events through a CallbackHandler directly, since callers that
// reach for a blocking queue are typically driving tool execution outside
// an event loop that would otherwise emit those events itself.
type QueuedExecutor struct {
	registry  *tools.Registry
	stack     *middleware.Stack
	config    Config
	metrics   Metrics
	logger    *slog.Logger
	callbacks callback.CallbackHandler
	sem       chan struct{}
}

// QueuedOption configures a QueuedExecutor at construction time.
type QueuedOption func(*QueuedExecutor)

// WithQueuedMetrics overrides the metrics sink. Ignored if
// config.CaptureMetrics is false.
func WithQueuedMetrics(m Metrics) QueuedOption {
	return func(e *QueuedExecutor) { e.metrics = m }
}

// WithQueuedLogger overrides the executor's logger.
func WithQueuedLogger(logger *slog.Logger) QueuedOption {
	return func(e *QueuedExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQueuedCallbacks attaches the callback fanout lifecycle events are
// reported through.
func WithQueuedCallbacks(handler callback.CallbackHandler) QueuedOption {
	return func(e *QueuedExecutor) {
		if handler != nil {
			e.callbacks = handler
		}
	}
}

// NewQueuedExecutor builds a QueuedExecutor around registry using the given
// stack and config, applying DefaultConfig's zero-value fallbacks.
func NewQueuedExecutor(registry *tools.Registry, stack *middleware.Stack, config Config, opts ...QueuedOption) *QueuedExecutor {
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 1
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = 30 * time.Second
	}
	e := &QueuedExecutor{
		registry:  registry,
		stack:     stack,
		config:    config,
		metrics:   nopMetrics{},
		logger:    slog.Default(),
		callbacks: callback.NoOpHandler{},
		sem:       make(chan struct{}, config.MaxParallelTools),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the tool registry this executor was built around.
func (e *QueuedExecutor) Registry() *tools.Registry { return e.registry }

// ExecuteOne blocks until a concurrency permit is available, then runs inv.
// Unlike Executor.ExecuteOne it never returns ErrAtCapacity; ctx
// cancellation is the only way to abandon the wait.
func (e *QueuedExecutor) ExecuteOne(ctx context.Context, inv Invocation, tc ToolContext) (*tools.Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.runOne(ctx, inv, tc)
}

// ExecuteBatch admits each invocation as permits free up, blocking rather
// than rejecting, and preserves result order regardless of completion
// order.
func (e *QueuedExecutor) ExecuteBatch(ctx context.Context, invocations []Invocation, tc ToolContext) []*tools.Result {
	results := make([]*tools.Result, len(invocations))
	done := make(chan struct{}, len(invocations))

	for i, inv := range invocations {
		i, inv := i, inv
		go func() {
			defer func() { done <- struct{}{} }()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[i] = &tools.Result{Success: false, Error: ctx.Err().Error()}
				return
			}
			itc := tc
			itc.ToolIndexInTurn = i
			result, err := e.runOne(ctx, inv, itc)
			if err != nil {
				result = &tools.Result{Success: false, Error: err.Error()}
			}
			results[i] = result
		}()
	}
	for range invocations {
		<-done
	}
	return results
}

func (e *QueuedExecutor) runOne(ctx context.Context, inv Invocation, tc ToolContext) (*tools.Result, error) {
	e.callbacks.OnToolStart(callback.ToolStart{ToolName: inv.Name, ToolUseID: inv.ToolUseID})
	start := time.Now()

	result, err := runPipeline(ctx, e.registry, e.stack, e.config, e.metrics, inv, tc)
	if err != nil {
		e.logger.Warn("queued tool invocation failed", "tool", inv.Name, "error", err)
	}

	success := err == nil && result != nil && result.Success
	e.callbacks.OnToolComplete(callback.ToolComplete{
		ToolName:  inv.Name,
		ToolUseID: inv.ToolUseID,
		Success:   success,
		Duration:  time.Since(start),
	})
	return result, err
}
