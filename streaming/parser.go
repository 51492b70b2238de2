package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentkit-go/core/conversation"
)

type phase int

const (
	phaseIdle phase = iota
	phaseActive
	phaseDone
)

type openBlock struct {
	kind      BlockKind
	text      strings.Builder
	toolUseID string
	toolName  string
	toolInput strings.Builder
	signature string
	redacted  []byte
}

// Parser assembles a sequence of stream events into a finalized
// conversation.Message. Feed must be called with each event in arrival
// order; zero or more ContentDelta callbacks fire per Feed call via OnDelta.
type Parser struct {
	phase      phase
	role       conversation.Role
	open       map[int]*openBlock
	closeOrder []int
	closed     map[int]*openBlock
	stopReason conversation.StopReason

	// OnDelta, if set, is invoked for every incremental content delta and
	// once more with Complete=true when the stream finishes.
	OnDelta func(ContentDelta)
}

// NewParser returns a Parser ready to consume a fresh stream.
func NewParser() *Parser {
	return &Parser{
		open:   make(map[int]*openBlock),
		closed: make(map[int]*openBlock),
	}
}

// Feed advances the state machine by one event. It returns
// *StreamProtocolError if ev violates the block lifecycle (a delta or stop
// for an unopened/closed index, or events arriving after the stream is
// already Done).
func (p *Parser) Feed(ev Event) error {
	switch e := ev.(type) {
	case MessageStart:
		if p.phase != phaseIdle {
			return &StreamProtocolError{Reason: "MessageStart received outside Idle"}
		}
		p.phase = phaseActive
		p.role = e.Role
		return nil
	case ContentBlockStart:
		if p.phase != phaseActive {
			return &StreamProtocolError{Reason: "ContentBlockStart received outside an active message"}
		}
		if _, exists := p.open[e.Index]; exists {
			return &StreamProtocolError{Reason: fmt.Sprintf("block %d already open", e.Index)}
		}
		p.open[e.Index] = &openBlock{kind: e.Kind, toolUseID: e.ToolUseID, toolName: e.Name}
		return nil
	case ContentBlockDelta:
		if p.phase != phaseActive {
			return &StreamProtocolError{Reason: "ContentBlockDelta received outside an active message"}
		}
		block, ok := p.open[e.Index]
		if !ok {
			return &StreamProtocolError{Reason: fmt.Sprintf("delta for unopened or closed block %d", e.Index)}
		}
		return p.applyDelta(block, e.Delta)
	case ContentBlockStop:
		if p.phase != phaseActive {
			return &StreamProtocolError{Reason: "ContentBlockStop received outside an active message"}
		}
		block, ok := p.open[e.Index]
		if !ok {
			return &StreamProtocolError{Reason: fmt.Sprintf("stop for unopened or already-closed block %d", e.Index)}
		}
		delete(p.open, e.Index)
		p.closed[e.Index] = block
		p.closeOrder = append(p.closeOrder, e.Index)
		return nil
	case MessageStop:
		if p.phase != phaseActive {
			return &StreamProtocolError{Reason: "MessageStop received outside an active message"}
		}
		if len(p.open) > 0 {
			return &StreamProtocolError{Reason: "MessageStop received with blocks still open"}
		}
		p.stopReason = e.StopReason
		p.phase = phaseDone
		if p.OnDelta != nil {
			p.OnDelta(ContentDelta{Complete: true})
		}
		return nil
	case Keepalive:
		return nil
	default:
		return &StreamProtocolError{Reason: fmt.Sprintf("unknown event type %T", ev)}
	}
}

func (p *Parser) applyDelta(block *openBlock, delta Delta) error {
	switch d := delta.(type) {
	case TextDelta:
		block.text.WriteString(d.Text)
		if d.Text != "" && p.OnDelta != nil {
			p.OnDelta(ContentDelta{Delta: d.Text, Reasoning: false})
		}
		return nil
	case ToolUseInputDelta:
		block.toolInput.WriteString(d.Fragment)
		return nil
	case ReasoningDelta:
		block.text.WriteString(d.Text)
		if d.Signature != "" {
			block.signature = d.Signature
		}
		if len(d.Redacted) > 0 {
			block.redacted = append(block.redacted, d.Redacted...)
		}
		if d.Text != "" && p.OnDelta != nil {
			p.OnDelta(ContentDelta{Delta: d.Text, Reasoning: true})
		}
		return nil
	default:
		return &StreamProtocolError{Reason: fmt.Sprintf("unknown delta type %T", delta)}
	}
}

// Done reports whether the stream has reached its terminal MessageStop.
func (p *Parser) Done() bool { return p.phase == phaseDone }

// Finalize returns the assembled Message and stop reason. It must only be
// called after Done returns true.
func (p *Parser) Finalize() (conversation.Message, conversation.StopReason, error) {
	if p.phase != phaseDone {
		return conversation.Message{}, "", fmt.Errorf("streaming: Finalize called before MessageStop")
	}
	content := make([]conversation.ContentBlock, 0, len(p.closeOrder))
	for _, idx := range p.closeOrder {
		block := p.closed[idx]
		switch block.kind {
		case BlockText:
			content = append(content, conversation.TextBlock{Text: block.text.String()})
		case BlockToolUse:
			input := finalizeToolInput(block.toolInput.String())
			content = append(content, conversation.ToolUseBlock{
				ToolUseID: block.toolUseID,
				Name:      block.toolName,
				Input:     input,
			})
		case BlockReasoning:
			// Signature is optional on a plaintext reasoning block; only
			// fall back to redacted when no text ever arrived.
			if text := block.text.String(); text != "" {
				content = append(content, conversation.ReasoningBlock{
					Text:      text,
					Signature: block.signature,
				})
			} else {
				content = append(content, conversation.ReasoningBlock{
					Redacted: block.redacted,
				})
			}
		}
	}
	return conversation.Message{Role: p.role, Content: content}, p.stopReason, nil
}

func finalizeToolInput(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	var probe any
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		errPayload, marshalErr := json.Marshal(map[string]string{
			"_raw":          raw,
			"_parse_error": err.Error(),
		})
		if marshalErr != nil {
			return json.RawMessage(`{"_parse_error":"unrecoverable"}`)
		}
		return errPayload
	}
	return json.RawMessage(trimmed)
}
