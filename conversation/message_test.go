package conversation

import (
	"encoding/json"
	"testing"
)

func TestMessageRoundTripsAllBlockKinds(t *testing.T) {
	original := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock{Text: "let me check that"},
			ReasoningBlock{Text: "considering options", Signature: "sig123"},
			ToolUseBlock{ToolUseID: "t1", Name: "calculator", Input: json.RawMessage(`{"expr":"2+2"}`)},
			ToolResultBlock{ToolUseID: "t1", Content: json.RawMessage(`"4"`)},
			ImageBlock{MimeType: "image/png", Bytes: []byte{1, 2, 3}},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Role != RoleAssistant {
		t.Errorf("role = %v, want assistant", decoded.Role)
	}
	if len(decoded.Content) != len(original.Content) {
		t.Fatalf("content length = %d, want %d", len(decoded.Content), len(original.Content))
	}

	wantKinds := []string{"text", "reasoning", "tool_use", "tool_result", "image"}
	for i, b := range decoded.Content {
		if b.Kind() != wantKinds[i] {
			t.Errorf("content[%d].Kind() = %q, want %q", i, b.Kind(), wantKinds[i])
		}
	}

	tu, ok := decoded.Content[2].(ToolUseBlock)
	if !ok {
		t.Fatalf("content[2] = %T, want ToolUseBlock", decoded.Content[2])
	}
	if tu.Name != "calculator" || tu.ToolUseID != "t1" {
		t.Errorf("tool use block = %+v", tu)
	}
}

func TestMessageEmptyContentRoundTrips(t *testing.T) {
	m := Message{Role: RoleUser}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Role != RoleUser || decoded.Content != nil {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeBlockRejectsUnknownKind(t *testing.T) {
	_, err := decodeBlock(json.RawMessage(`{"kind":"mystery"}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeBlockRejectsMissingRequiredFields(t *testing.T) {
	if _, err := decodeBlock(json.RawMessage(`{"kind":"tool_use"}`)); err == nil {
		t.Error("expected error for tool_use missing name")
	}
	if _, err := decodeBlock(json.RawMessage(`{"kind":"tool_result"}`)); err == nil {
		t.Error("expected error for tool_result missing tool_use_id")
	}
}

func TestMessageToolUseBlocksFiltersOtherKinds(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock{Text: "checking"},
			ToolUseBlock{ToolUseID: "a", Name: "search"},
			ToolUseBlock{ToolUseID: "b", Name: "fetch"},
		},
	}
	uses := m.ToolUseBlocks()
	if len(uses) != 2 || uses[0].ToolUseID != "a" || uses[1].ToolUseID != "b" {
		t.Errorf("ToolUseBlocks() = %+v", uses)
	}
}

func TestMessageTextConcatenatesTextBlocksOnly(t *testing.T) {
	m := Message{
		Content: []ContentBlock{
			TextBlock{Text: "hello "},
			ReasoningBlock{Text: "ignored"},
			TextBlock{Text: "world"},
		},
	}
	if got := m.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}
