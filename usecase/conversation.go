package usecase

import (
	"errors"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

const DefaultGreeting = "Ask me anything"

var errNoOpenAssistantTurn = errors.New("conversation has no trailing assistant message")

// Conversation is the ordered message history of one session. Messages are
// only appended, except that the trailing assistant message may grow while a
// reply streams, and Reset replaces everything with the greeting.
type Conversation struct {
	greeting string
	messages []domain.ChatMessage
}

func NewConversation(greeting string) *Conversation {
	if greeting == "" {
		greeting = DefaultGreeting
	}
	c := &Conversation{greeting: greeting}
	c.Reset()
	return c
}

func (c *Conversation) Reset() {
	c.messages = []domain.ChatMessage{{Role: domain.AssistantRole, Content: c.greeting}}
}

func (c *Conversation) Append(msg domain.ChatMessage) {
	c.messages = append(c.messages, msg)
}

// Extend appends fragment to the trailing assistant message.
func (c *Conversation) Extend(fragment string) error {
	n := len(c.messages)
	if n == 0 || c.messages[n-1].Role != domain.AssistantRole {
		return errNoOpenAssistantTurn
	}
	c.messages[n-1].Content += fragment
	return nil
}

// DropTrailingAssistant removes an unfinished reply so the pending user turn
// can be generated again.
func (c *Conversation) DropTrailingAssistant() {
	n := len(c.messages)
	if n > 1 && c.messages[n-1].Role == domain.AssistantRole {
		c.messages = c.messages[:n-1]
	}
}

func (c *Conversation) Last() domain.ChatMessage {
	return c.messages[len(c.messages)-1]
}

func (c *Conversation) Len() int { return len(c.messages) }

// Messages returns a copy safe to hand to readers.
func (c *Conversation) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// PendingUserTurn reports whether the last message still awaits a reply.
func (c *Conversation) PendingUserTurn() bool {
	return c.Last().Role != domain.AssistantRole
}
