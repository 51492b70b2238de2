package streaming

import (
	"encoding/json"
	"testing"

	"github.com/agentkit-go/core/conversation"
)

func feedAll(t *testing.T, p *Parser, events ...Event) {
	t.Helper()
	for i, ev := range events {
		if err := p.Feed(ev); err != nil {
			t.Fatalf("Feed(%d) = %v", i, err)
		}
	}
}

func TestParserTextOnlyMessageRoundTrips(t *testing.T) {
	var deltas []ContentDelta
	p := NewParser()
	p.OnDelta = func(d ContentDelta) { deltas = append(deltas, d) }

	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockText},
		ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "hel"}},
		ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "lo"}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)

	if !p.Done() {
		t.Fatal("expected Done() after MessageStop")
	}
	msg, reason, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if reason != conversation.StopEndTurn {
		t.Errorf("reason = %v", reason)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("len(content) = %d", len(msg.Content))
	}
	text, ok := msg.Content[0].(conversation.TextBlock)
	if !ok || text.Text != "hello" {
		t.Errorf("content[0] = %+v", msg.Content[0])
	}

	if len(deltas) != 3 {
		t.Fatalf("len(deltas) = %d, want 3", len(deltas))
	}
	if deltas[0].Delta != "hel" || deltas[1].Delta != "lo" {
		t.Errorf("deltas = %+v", deltas)
	}
	if !deltas[2].Complete {
		t.Errorf("final delta should be Complete, got %+v", deltas[2])
	}
}

func TestParserInterleavedConcurrentBlocks(t *testing.T) {
	p := NewParser()

	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockText},
		ContentBlockStart{Index: 1, Kind: BlockText},
		ContentBlockDelta{Index: 1, Delta: TextDelta{Text: "b1"}},
		ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "a1"}},
		ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "a2"}},
		ContentBlockStop{Index: 1},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)

	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("len(content) = %d", len(msg.Content))
	}
	// Blocks finalize in stop-arrival order: index 1 closed before index 0.
	first := msg.Content[0].(conversation.TextBlock)
	second := msg.Content[1].(conversation.TextBlock)
	if first.Text != "b1" || second.Text != "a1a2" {
		t.Errorf("content = %+v, %+v", first, second)
	}
}

func TestParserToolUseInputAssemblesValidJSON(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockToolUse, ToolUseID: "call_1", Name: "calculator"},
		ContentBlockDelta{Index: 0, Delta: ToolUseInputDelta{Fragment: `{"expr`}},
		ContentBlockDelta{Index: 0, Delta: ToolUseInputDelta{Fragment: `ession":"1+1"}`}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopToolUse},
	)

	msg, reason, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if reason != conversation.StopToolUse {
		t.Errorf("reason = %v", reason)
	}
	block := msg.Content[0].(conversation.ToolUseBlock)
	if block.ToolUseID != "call_1" || block.Name != "calculator" {
		t.Errorf("block = %+v", block)
	}
	var decoded map[string]string
	if err := json.Unmarshal(block.Input, &decoded); err != nil {
		t.Fatalf("input not valid json: %v", err)
	}
	if decoded["expression"] != "1+1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestParserToolUseInputFallsBackOnMalformedJSON(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockToolUse, ToolUseID: "call_2", Name: "calculator"},
		ContentBlockDelta{Index: 0, Delta: ToolUseInputDelta{Fragment: `{"expression": not json`}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopToolUse},
	)

	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	block := msg.Content[0].(conversation.ToolUseBlock)
	var decoded map[string]string
	if err := json.Unmarshal(block.Input, &decoded); err != nil {
		t.Fatalf("fallback payload not valid json: %v", err)
	}
	if decoded["_raw"] == "" || decoded["_parse_error"] == "" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestParserReasoningWithSignatureFinalizesPlaintext(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockReasoning},
		ContentBlockDelta{Index: 0, Delta: ReasoningDelta{Text: "because "}},
		ContentBlockDelta{Index: 0, Delta: ReasoningDelta{Text: "reasons", Signature: "sig-123"}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)

	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	block := msg.Content[0].(conversation.ReasoningBlock)
	if block.Text != "because reasons" || block.Signature != "sig-123" {
		t.Errorf("block = %+v", block)
	}
	if len(block.Redacted) != 0 {
		t.Errorf("expected no redacted bytes, got %v", block.Redacted)
	}
}

func TestParserReasoningWithoutSignatureFinalizesPlaintext(t *testing.T) {
	// Signature is optional on a ReasoningContent block (spec §3.1); a
	// reasoning delta with text and no signature still finalizes as
	// plaintext, matching scenario S4.
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockReasoning},
		ContentBlockDelta{Index: 0, Delta: ReasoningDelta{Text: "partial thought"}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)

	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	block := msg.Content[0].(conversation.ReasoningBlock)
	if block.Text != "partial thought" {
		t.Errorf("expected plaintext text, got %q", block.Text)
	}
	if block.Signature != "" {
		t.Errorf("expected no signature, got %q", block.Signature)
	}
}

func TestParserReasoningRedactedWithNoTextFinalizesRedacted(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockReasoning},
		ContentBlockDelta{Index: 0, Delta: ReasoningDelta{Redacted: []byte("opaque")}},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)

	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	block := msg.Content[0].(conversation.ReasoningBlock)
	if block.Text != "" || block.Signature != "" {
		t.Errorf("expected redacted finalize, got %+v", block)
	}
	if string(block.Redacted) != "opaque" {
		t.Errorf("redacted = %q", block.Redacted)
	}
}

func TestParserDeltaBeforeBlockStartIsProtocolError(t *testing.T) {
	p := NewParser()
	if err := p.Feed(MessageStart{Role: conversation.RoleAssistant}); err != nil {
		t.Fatalf("MessageStart: %v", err)
	}
	err := p.Feed(ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "x"}})
	if _, ok := err.(*StreamProtocolError); !ok {
		t.Errorf("err = %v, want *StreamProtocolError", err)
	}
}

func TestParserStopWithoutStartIsProtocolError(t *testing.T) {
	p := NewParser()
	if err := p.Feed(MessageStart{Role: conversation.RoleAssistant}); err != nil {
		t.Fatalf("MessageStart: %v", err)
	}
	err := p.Feed(ContentBlockStop{Index: 0})
	if _, ok := err.(*StreamProtocolError); !ok {
		t.Errorf("err = %v, want *StreamProtocolError", err)
	}
}

func TestParserDeltaAfterStopIsProtocolError(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockText},
		ContentBlockStop{Index: 0},
	)
	err := p.Feed(ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "late"}})
	if _, ok := err.(*StreamProtocolError); !ok {
		t.Errorf("err = %v, want *StreamProtocolError", err)
	}
}

func TestParserMessageStopWithOpenBlockIsProtocolError(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		ContentBlockStart{Index: 0, Kind: BlockText},
	)
	err := p.Feed(MessageStop{StopReason: conversation.StopEndTurn})
	if _, ok := err.(*StreamProtocolError); !ok {
		t.Errorf("err = %v, want *StreamProtocolError", err)
	}
}

func TestParserKeepaliveIsNoOp(t *testing.T) {
	p := NewParser()
	feedAll(t, p,
		MessageStart{Role: conversation.RoleAssistant},
		Keepalive{},
		ContentBlockStart{Index: 0, Kind: BlockText},
		ContentBlockDelta{Index: 0, Delta: TextDelta{Text: "ok"}},
		Keepalive{},
		ContentBlockStop{Index: 0},
		MessageStop{StopReason: conversation.StopEndTurn},
	)
	msg, _, err := p.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("len(content) = %d", len(msg.Content))
	}
}

func TestParserFinalizeBeforeDoneErrors(t *testing.T) {
	p := NewParser()
	if err := p.Feed(MessageStart{Role: conversation.RoleAssistant}); err != nil {
		t.Fatalf("MessageStart: %v", err)
	}
	if _, _, err := p.Finalize(); err == nil {
		t.Error("expected error finalizing before MessageStop")
	}
}
