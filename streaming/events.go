// Package streaming implements the provider-agnostic streaming parser: a
// state machine that assembles a lazy sequence of abstract stream events
// into a finalized conversation.Message with a stop reason, emitting
// incremental content-delta callbacks along the way.
package streaming

import "github.com/agentkit-go/core/conversation"

// BlockKind identifies the kind of content block a ContentBlockStart opens.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockToolUse
	BlockReasoning
	BlockImage
)

// Event is implemented by every stream event variant consumed by Parser.Feed.
type Event interface {
	isStreamEvent()
}

// MessageStart begins a new streaming message.
type MessageStart struct {
	Role conversation.Role
}

func (MessageStart) isStreamEvent() {}

// ContentBlockStart opens a new block at Index. ToolUseID and Name are only
// meaningful when Kind is BlockToolUse.
type ContentBlockStart struct {
	Index     int
	Kind      BlockKind
	ToolUseID string
	Name      string
}

func (ContentBlockStart) isStreamEvent() {}

// Delta is implemented by every ContentBlockDelta payload variant.
type Delta interface {
	isDelta()
}

// TextDelta is an incremental text fragment.
type TextDelta struct {
	Text string
}

func (TextDelta) isDelta() {}

// ToolUseInputDelta is an incremental JSON fragment of a tool call's input.
type ToolUseInputDelta struct {
	Fragment string
}

func (ToolUseInputDelta) isDelta() {}

// ReasoningDelta is an incremental reasoning/thinking fragment.
type ReasoningDelta struct {
	Text      string
	Signature string
	Redacted  []byte
}

func (ReasoningDelta) isDelta() {}

// ContentBlockDelta carries an incremental payload for the block at Index.
type ContentBlockDelta struct {
	Index int
	Delta Delta
}

func (ContentBlockDelta) isStreamEvent() {}

// ContentBlockStop closes the block at Index.
type ContentBlockStop struct {
	Index int
}

func (ContentBlockStop) isStreamEvent() {}

// MessageStop terminates the stream with a stop reason.
type MessageStop struct {
	StopReason conversation.StopReason
}

func (MessageStop) isStreamEvent() {}

// Keepalive is a provider ping/heartbeat event the parser ignores.
type Keepalive struct{}

func (Keepalive) isStreamEvent() {}

// ContentDelta is the incremental callback emitted for each text/reasoning
// delta as it arrives, and once more with Complete=true on MessageStop.
type ContentDelta struct {
	Delta     string
	Reasoning bool
	Complete  bool
}

// StreamProtocolError reports a violation of the block lifecycle (a delta
// or stop for an index that was never opened, or a block left open at
// MessageStop).
type StreamProtocolError struct {
	Reason string
}

func (e *StreamProtocolError) Error() string {
	return "stream protocol error: " + e.Reason
}
