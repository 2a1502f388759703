package pipeline

import (
	"testing"

	"github.com/koscakluka/vox-core/core/llms"
)

func TestConversationStateSnapshotIsolation(t *testing.T) {
	state := NewConversationState()
	message := llms.NewMessage(llms.RoleUser, "Hello")
	message.Metadata = map[string]any{"source": "text"}
	state.Append(message)

	snapshot := state.Messages()
	snapshot[0].Content = "tampered"
	snapshot[0].Metadata["source"] = "tampered"

	fresh := state.Messages()
	if fresh[0].Content != "Hello" {
		t.Fatalf("expected snapshot mutation to be isolated, got content %q", fresh[0].Content)
	}
	if fresh[0].Metadata["source"] != "text" {
		t.Fatalf("expected metadata mutation to be isolated, got %v", fresh[0].Metadata["source"])
	}
}

func TestConversationStateVersionStrictlyIncreases(t *testing.T) {
	state := NewConversationState()

	if version := state.Version(); version != 0 {
		t.Fatalf("expected initial version 0, got %d", version)
	}

	state.Append(llms.NewMessage(llms.RoleUser, "one"))
	if version := state.Version(); version != 1 {
		t.Fatalf("expected version 1 after append, got %d", version)
	}

	state.Append(llms.NewMessage(llms.RoleAssistant, "two"))
	if version := state.Version(); version != 2 {
		t.Fatalf("expected version 2 after second append, got %d", version)
	}

	state.Clear()
	if version := state.Version(); version != 3 {
		t.Fatalf("expected clear to bump version to 3, got %d", version)
	}
	if state.Len() != 0 {
		t.Fatalf("expected empty log after clear, got %d messages", state.Len())
	}
}

func TestConversationStateWindowReturnsMostRecent(t *testing.T) {
	state := NewConversationState()
	for _, content := range []string{"a", "b", "c", "d"} {
		state.Append(llms.NewMessage(llms.RoleUser, content))
	}

	window := state.Window(2)
	if len(window) != 2 {
		t.Fatalf("expected window of 2, got %d", len(window))
	}
	if window[0].Content != "c" || window[1].Content != "d" {
		t.Fatalf("expected most recent messages, got %q and %q", window[0].Content, window[1].Content)
	}

	if full := state.Window(10); len(full) != 4 {
		t.Fatalf("expected full log when window exceeds it, got %d", len(full))
	}
}
