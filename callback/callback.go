// Package callback implements the event loop's typed callback fanout: a
// CallbackHandler capability with no-op defaults, an ordered Composite, and
// a Batching wrapper for high-frequency content-delta events.
package callback

import (
	"sync/atomic"
	"time"
)

var sequence uint64

// nextSequence returns the next monotonically increasing event sequence
// number from a process-wide counter. newMeta is its only caller.
func nextSequence() uint64 {
	return atomic.AddUint64(&sequence, 1)
}

// Meta carries the fields common to every event. newMeta fills it in; the
// event loop and the tool executors build their events without calling it,
// so the events they emit carry a zero Meta.
type Meta struct {
	Sequence uint64
	Time     time.Time
}

func newMeta() Meta {
	return Meta{Sequence: nextSequence(), Time: time.Now()}
}

type EventLoopStart struct {
	Meta
	AgentID string
}

type CycleStart struct {
	Meta
	Cycle int
}

type ModelStart struct {
	Meta
	Cycle int
}

type ModelComplete struct {
	Meta
	Cycle      int
	StopReason string
}

type ContentDelta struct {
	Meta
	Delta     string
	Reasoning bool
	Complete  bool
}

type ToolStart struct {
	Meta
	ToolName  string
	ToolUseID string
}

type ToolComplete struct {
	Meta
	ToolName  string
	ToolUseID string
	Success   bool
	Duration  time.Duration
}

type ParallelStart struct {
	Meta
	ToolCount int
}

type ParallelProgress struct {
	Meta
	Completed int
	Total     int
}

type ParallelComplete struct {
	Meta
	ToolCount int
	Duration  time.Duration
}

type EvaluationStart struct {
	Meta
	Cycle int
}

type EvaluationComplete struct {
	Meta
	Cycle     int
	Continue  bool
	Reasoning string
}

type EventLoopComplete struct {
	Meta
	CyclesExecuted int
	Success        bool
}

type Error struct {
	Meta
	Err     error
	Context string
}

// CallbackHandler receives typed lifecycle events from the event loop. Every
// method has a no-op default by embedding NoOpHandler.
type CallbackHandler interface {
	OnEventLoopStart(EventLoopStart)
	OnCycleStart(CycleStart)
	OnModelStart(ModelStart)
	OnModelComplete(ModelComplete)
	OnContentDelta(ContentDelta)
	OnToolStart(ToolStart)
	OnToolComplete(ToolComplete)
	OnParallelStart(ParallelStart)
	OnParallelProgress(ParallelProgress)
	OnParallelComplete(ParallelComplete)
	OnEvaluationStart(EvaluationStart)
	OnEvaluationComplete(EvaluationComplete)
	OnEventLoopComplete(EventLoopComplete)
	OnError(Error)
}

// NoOpHandler implements CallbackHandler with every method a no-op. Embed it
// in a handler that only cares about a subset of events.
type NoOpHandler struct{}

func (NoOpHandler) OnEventLoopStart(EventLoopStart)         {}
func (NoOpHandler) OnCycleStart(CycleStart)                 {}
func (NoOpHandler) OnModelStart(ModelStart)                 {}
func (NoOpHandler) OnModelComplete(ModelComplete)           {}
func (NoOpHandler) OnContentDelta(ContentDelta)             {}
func (NoOpHandler) OnToolStart(ToolStart)                   {}
func (NoOpHandler) OnToolComplete(ToolComplete)             {}
func (NoOpHandler) OnParallelStart(ParallelStart)           {}
func (NoOpHandler) OnParallelProgress(ParallelProgress)     {}
func (NoOpHandler) OnParallelComplete(ParallelComplete)     {}
func (NoOpHandler) OnEvaluationStart(EvaluationStart)       {}
func (NoOpHandler) OnEvaluationComplete(EvaluationComplete) {}
func (NoOpHandler) OnEventLoopComplete(EventLoopComplete)   {}
func (NoOpHandler) OnError(Error)                           {}

// Composite fans out every event to an ordered list of handlers, in
// registration order.
type Composite struct {
	handlers []CallbackHandler
}

// NewComposite returns a Composite dispatching to handlers in order. Nil
// handlers are filtered out.
func NewComposite(handlers ...CallbackHandler) *Composite {
	filtered := make([]CallbackHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	return &Composite{handlers: filtered}
}

func (c *Composite) OnEventLoopStart(e EventLoopStart) {
	for _, h := range c.handlers {
		h.OnEventLoopStart(e)
	}
}

func (c *Composite) OnCycleStart(e CycleStart) {
	for _, h := range c.handlers {
		h.OnCycleStart(e)
	}
}

func (c *Composite) OnModelStart(e ModelStart) {
	for _, h := range c.handlers {
		h.OnModelStart(e)
	}
}

func (c *Composite) OnModelComplete(e ModelComplete) {
	for _, h := range c.handlers {
		h.OnModelComplete(e)
	}
}

func (c *Composite) OnContentDelta(e ContentDelta) {
	for _, h := range c.handlers {
		h.OnContentDelta(e)
	}
}

func (c *Composite) OnToolStart(e ToolStart) {
	for _, h := range c.handlers {
		h.OnToolStart(e)
	}
}

func (c *Composite) OnToolComplete(e ToolComplete) {
	for _, h := range c.handlers {
		h.OnToolComplete(e)
	}
}

func (c *Composite) OnParallelStart(e ParallelStart) {
	for _, h := range c.handlers {
		h.OnParallelStart(e)
	}
}

func (c *Composite) OnParallelProgress(e ParallelProgress) {
	for _, h := range c.handlers {
		h.OnParallelProgress(e)
	}
}

func (c *Composite) OnParallelComplete(e ParallelComplete) {
	for _, h := range c.handlers {
		h.OnParallelComplete(e)
	}
}

func (c *Composite) OnEvaluationStart(e EvaluationStart) {
	for _, h := range c.handlers {
		h.OnEvaluationStart(e)
	}
}

func (c *Composite) OnEvaluationComplete(e EvaluationComplete) {
	for _, h := range c.handlers {
		h.OnEvaluationComplete(e)
	}
}

func (c *Composite) OnEventLoopComplete(e EventLoopComplete) {
	for _, h := range c.handlers {
		h.OnEventLoopComplete(e)
	}
}

func (c *Composite) OnError(e Error) {
	for _, h := range c.handlers {
		h.OnError(e)
	}
}
