package callback

import (
	"sync"
	"time"
)

// BatchConfig configures which events the Batching wrapper accumulates
// before flushing, and how aggressively it does so.
type BatchConfig struct {
	// MaxBatchSize is the number of accumulated events that triggers an
	// immediate flush.
	MaxBatchSize int
	// MaxBatchDelay is the maximum age a batch is allowed to reach before
	// the background flush loop drains it.
	MaxBatchDelay time.Duration
	// BatchContentDeltas enables batching of ContentDelta events.
	BatchContentDeltas bool
	// BatchToolEvents enables batching of ToolStart/ToolComplete events.
	// Tool events are comparatively infrequent, so this defaults to false.
	BatchToolEvents bool
}

// DefaultBatchConfig returns the same defaults as the reference batching
// handler: a 10-event or 50ms batch of content deltas only.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:       10,
		MaxBatchDelay:      50 * time.Millisecond,
		BatchContentDeltas: true,
		BatchToolEvents:    false,
	}
}

type batchedEvent struct {
	kind string
	ev   any
}

// Batching wraps a CallbackHandler, accumulating batchable events and
// flushing them to the inner handler on either a size or age threshold.
// Non-batchable events (Error, EventLoopStart, EventLoopComplete) bypass the
// batch entirely and are delivered immediately.
type Batching struct {
	inner  CallbackHandler
	config BatchConfig

	mu        sync.Mutex
	pending   []batchedEvent
	createdAt time.Time

	timer    *time.Timer
	timerMu  sync.Mutex
	closed   chan struct{}
	closeOne sync.Once
}

// NewBatching wraps inner with a background flush loop driven by
// config.MaxBatchDelay.
func NewBatching(inner CallbackHandler, config BatchConfig) *Batching {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 10
	}
	if config.MaxBatchDelay <= 0 {
		config.MaxBatchDelay = 50 * time.Millisecond
	}
	b := &Batching{
		inner:  inner,
		config: config,
		closed: make(chan struct{}),
	}
	b.timer = time.AfterFunc(config.MaxBatchDelay, b.tick)
	return b
}

func (b *Batching) tick() {
	select {
	case <-b.closed:
		return
	default:
	}
	b.flush()
	b.timerMu.Lock()
	if b.timer != nil {
		b.timer.Reset(b.config.MaxBatchDelay)
	}
	b.timerMu.Unlock()
}

// Close stops the background flush loop. It does not flush a final,
// partially-filled batch; call Flush first if that is required.
func (b *Batching) Close() {
	b.closeOne.Do(func() {
		close(b.closed)
		b.timerMu.Lock()
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timerMu.Unlock()
	})
}

// Flush drains any pending batched events to the inner handler immediately.
func (b *Batching) Flush() {
	b.flush()
}

func (b *Batching) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, be := range events {
		b.dispatch(be)
	}
}

func (b *Batching) dispatch(be batchedEvent) {
	switch e := be.ev.(type) {
	case ContentDelta:
		b.inner.OnContentDelta(e)
	case ToolStart:
		b.inner.OnToolStart(e)
	case ToolComplete:
		b.inner.OnToolComplete(e)
	}
}

func (b *Batching) enqueue(kind string, ev any) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.createdAt = time.Now()
	}
	b.pending = append(b.pending, batchedEvent{kind: kind, ev: ev})
	shouldFlush := len(b.pending) >= b.config.MaxBatchSize || time.Since(b.createdAt) >= b.config.MaxBatchDelay
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

func (b *Batching) OnEventLoopStart(e EventLoopStart) { b.inner.OnEventLoopStart(e) }
func (b *Batching) OnCycleStart(e CycleStart)         { b.inner.OnCycleStart(e) }
func (b *Batching) OnModelStart(e ModelStart)         { b.inner.OnModelStart(e) }
func (b *Batching) OnModelComplete(e ModelComplete)   { b.inner.OnModelComplete(e) }

func (b *Batching) OnContentDelta(e ContentDelta) {
	if b.config.BatchContentDeltas {
		b.enqueue("content_delta", e)
		return
	}
	b.inner.OnContentDelta(e)
}

func (b *Batching) OnToolStart(e ToolStart) {
	if b.config.BatchToolEvents {
		b.enqueue("tool_start", e)
		return
	}
	b.inner.OnToolStart(e)
}

func (b *Batching) OnToolComplete(e ToolComplete) {
	if b.config.BatchToolEvents {
		b.enqueue("tool_complete", e)
		return
	}
	b.inner.OnToolComplete(e)
}

func (b *Batching) OnParallelStart(e ParallelStart)           { b.inner.OnParallelStart(e) }
func (b *Batching) OnParallelProgress(e ParallelProgress)     { b.inner.OnParallelProgress(e) }
func (b *Batching) OnParallelComplete(e ParallelComplete)     { b.inner.OnParallelComplete(e) }
func (b *Batching) OnEvaluationStart(e EvaluationStart)       { b.inner.OnEvaluationStart(e) }
func (b *Batching) OnEvaluationComplete(e EvaluationComplete) { b.inner.OnEvaluationComplete(e) }

// OnEventLoopComplete flushes any pending batch before forwarding, so a
// caller observing EventLoopComplete sees every prior delta.
func (b *Batching) OnEventLoopComplete(e EventLoopComplete) {
	b.flush()
	b.inner.OnEventLoopComplete(e)
}

// OnError flushes any pending batch before forwarding, matching the
// reference handler's "errors are never batched" rule.
func (b *Batching) OnError(e Error) {
	b.flush()
	b.inner.OnError(e)
}
