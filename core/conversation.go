package pipeline

import (
	"sync"

	"github.com/jinzhu/copier"

	"github.com/koscakluka/vox-core/core/llms"
)

// ConversationState is the append-only message log for one conversation. It
// is owned by the engine; the responder and player stages are its only
// mutators. Every read hands out a deep-copied snapshot, so holders can never
// observe (or cause) a concurrent mutation.
type ConversationState struct {
	mu       sync.RWMutex
	messages []llms.Message
	version  uint64
}

func NewConversationState() *ConversationState {
	return &ConversationState{}
}

// Append adds one message and bumps the version.
func (c *ConversationState) Append(message llms.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.version++
	c.mu.Unlock()
}

// Clear drops all messages. The version keeps increasing; it never resets.
func (c *ConversationState) Clear() {
	c.mu.Lock()
	c.messages = nil
	c.version++
	c.mu.Unlock()
}

// Messages returns a deep-copied snapshot of the log, metadata maps included.
func (c *ConversationState) Messages() []llms.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMessages(c.messages)
}

// Window returns a deep-copied snapshot of the most recent maxMessages
// entries, for assembling a bounded prompt context.
func (c *ConversationState) Window(maxMessages int) []llms.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	messages := c.messages
	if maxMessages >= 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	return copyMessages(messages)
}

func (c *ConversationState) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Version returns the mutation counter. It increases strictly with every
// Append and Clear.
func (c *ConversationState) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func copyMessages(messages []llms.Message) []llms.Message {
	snapshot := make([]llms.Message, 0, len(messages))
	copier.CopyWithOption(&snapshot, messages, copier.Option{DeepCopy: true})
	return snapshot
}
