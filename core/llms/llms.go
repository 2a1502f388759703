// Package llms defines the language-model capability surface consumed by the
// conversation pipeline, along with the message types stored in conversation
// history.
package llms

import (
	"context"
	"iter"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry. Messages are immutable once created;
// holders of a Message never share its Metadata map with other readers.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// SamplingParams tune generation. Zero values mean provider defaults.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ChatStreamer streams a model reply as text deltas. The returned sequence is
// finite and not restartable; iteration stops early when the consumer breaks
// out, and the implementation is expected to release the underlying stream at
// that point.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []Message, systemPrompt string, params SamplingParams) iter.Seq2[string, error]
}
