// Package conversation defines the provider-agnostic message and content
// block types shared by the event loop, tool executor, and streaming
// parser. Messages preserve structure (text, reasoning, tool use/result,
// image) rather than flattening content to plain strings.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the speaker for a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// StopReason records why a model turn stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

// ContentBlock is implemented by every concrete content block variant. The
// marker method keeps the set closed to blocks defined in this package.
type ContentBlock interface {
	Kind() string
	isContentBlock()
}

// TextBlock is plain assistant- or user-visible text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Kind() string { return "text" }
func (TextBlock) isContentBlock() {}

// ReasoningBlock carries provider-issued thinking/reasoning content. A
// provider may supply a Signature authenticating Text, or Redacted bytes in
// place of plaintext when the reasoning content must not be surfaced.
type ReasoningBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
	Redacted  []byte `json:"redacted,omitempty"`
}

func (ReasoningBlock) Kind() string { return "reasoning" }
func (ReasoningBlock) isContentBlock() {}

// ToolUseBlock declares a tool invocation requested by the assistant.
type ToolUseBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func (ToolUseBlock) Kind() string { return "tool_use" }
func (ToolUseBlock) isContentBlock() {}

// ToolResultBlock carries the outcome of a tool invocation back to the
// model. ToolUseID correlates the result to a prior ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (ToolResultBlock) Kind() string { return "tool_result" }
func (ToolResultBlock) isContentBlock() {}

// ImageBlock carries image bytes attached to a message, passed through
// untouched to providers that support multimodal input.
type ImageBlock struct {
	MimeType string `json:"mime_type"`
	Bytes    []byte `json:"bytes"`
}

func (ImageBlock) Kind() string { return "image" }
func (ImageBlock) isContentBlock() {}

// Message is a single ordered sequence of content blocks tagged with a role.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// MarshalJSON encodes Message with an explicit "kind" discriminator on each
// content block so a Message round-trips through JSON storage or transport
// without losing its variant identity.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    Role  `json:"role"`
		Content []any `json:"content"`
	}
	if len(m.Content) == 0 {
		return json.Marshal(wire{Role: m.Role})
	}
	blocks := make([]any, 0, len(m.Content))
	for i, b := range m.Content {
		enc, err := encodeBlock(b)
		if err != nil {
			return nil, fmt.Errorf("encode content[%d]: %w", i, err)
		}
		blocks = append(blocks, enc)
	}
	return json.Marshal(wire{Role: m.Role, Content: blocks})
}

// UnmarshalJSON decodes Message, materializing the concrete ContentBlock
// implementation for each "kind" discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	type wire struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	var tmp wire
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	if len(tmp.Content) == 0 {
		m.Content = nil
		return nil
	}
	m.Content = make([]ContentBlock, 0, len(tmp.Content))
	for i, raw := range tmp.Content {
		block, err := decodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decode content[%d]: %w", i, err)
		}
		m.Content = append(m.Content, block)
	}
	return nil
}

func encodeBlock(b ContentBlock) (any, error) {
	switch v := b.(type) {
	case TextBlock:
		return struct {
			Kind string `json:"kind"`
			TextBlock
		}{Kind: v.Kind(), TextBlock: v}, nil
	case ReasoningBlock:
		return struct {
			Kind string `json:"kind"`
			ReasoningBlock
		}{Kind: v.Kind(), ReasoningBlock: v}, nil
	case ToolUseBlock:
		return struct {
			Kind string `json:"kind"`
			ToolUseBlock
		}{Kind: v.Kind(), ToolUseBlock: v}, nil
	case ToolResultBlock:
		return struct {
			Kind string `json:"kind"`
			ToolResultBlock
		}{Kind: v.Kind(), ToolResultBlock: v}, nil
	case ImageBlock:
		return struct {
			Kind string `json:"kind"`
			ImageBlock
		}{Kind: v.Kind(), ImageBlock: v}, nil
	default:
		return nil, fmt.Errorf("unknown content block type %T", b)
	}
}

func decodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	switch head.Kind {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode text block: %w", err)
		}
		return b, nil
	case "reasoning":
		var b ReasoningBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode reasoning block: %w", err)
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode tool_use block: %w", err)
		}
		if b.Name == "" {
			return nil, errors.New("tool_use block requires name")
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode tool_result block: %w", err)
		}
		if b.ToolUseID == "" {
			return nil, errors.New("tool_result block requires tool_use_id")
		}
		return b, nil
	case "image":
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode image block: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown content block kind %q", head.Kind)
	}
}

// ToolUseBlocks returns the ToolUseBlock content of m in order, or nil if m
// carries none.
func (m Message) ToolUseBlocks() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// Text concatenates every TextBlock in m, in order. It ignores other block
// kinds and is a convenience for callers that only care about plain text.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}
