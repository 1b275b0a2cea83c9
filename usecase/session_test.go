package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

func TestConversationSeededWithGreeting(t *testing.T) {
	c := NewConversation("")
	require.Equal(t, 1, c.Len())
	assert.Equal(t, domain.ChatMessage{Role: domain.AssistantRole, Content: DefaultGreeting}, c.Last())
	assert.False(t, c.PendingUserTurn())
}

func TestConversationResetIsIdempotent(t *testing.T) {
	c := NewConversation("Hi!")
	c.Append(domain.ChatMessage{Role: domain.UserRole, Content: "question"})
	c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: "answer"})

	c.Reset()
	first := c.Messages()
	c.Reset()
	second := c.Messages()

	want := []domain.ChatMessage{{Role: domain.AssistantRole, Content: "Hi!"}}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestConversationExtendOnlyTrailingAssistant(t *testing.T) {
	c := NewConversation("")
	c.Append(domain.ChatMessage{Role: domain.UserRole, Content: "q"})
	assert.ErrorIs(t, c.Extend("x"), errNoOpenAssistantTurn)

	c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: "Hi"})
	require.NoError(t, c.Extend(" there"))
	assert.Equal(t, "Hi there", c.Last().Content)
}

func TestConversationDropTrailingAssistantKeepsGreeting(t *testing.T) {
	c := NewConversation("")
	c.DropTrailingAssistant()
	assert.Equal(t, 1, c.Len())

	c.Append(domain.ChatMessage{Role: domain.UserRole, Content: "q"})
	c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: "partial"})
	c.DropTrailingAssistant()
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.PendingUserTurn())
}

func TestConversationMessagesIsCopy(t *testing.T) {
	c := NewConversation("")
	msgs := c.Messages()
	msgs[0].Content = "mutated"
	assert.Equal(t, DefaultGreeting, c.Last().Content)
}

func TestSessionRegistryIsolation(t *testing.T) {
	r := NewSessionRegistry("")
	a := r.Open("")
	b := r.Open("")
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Len())

	_ = a.withConversation(func(c *Conversation) error {
		c.Append(domain.ChatMessage{Role: domain.UserRole, Content: "only in a"})
		return nil
	})
	assert.Len(t, a.Snapshot().Messages, 2)
	assert.Len(t, b.Snapshot().Messages, 1)

	got, err := r.Get(b.ID)
	require.NoError(t, err)
	assert.Same(t, b, got)

	r.Close(b.ID)
	_, err = r.Get(b.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionBeginTransitions(t *testing.T) {
	s := newSession("id", "", "")
	prev, err := s.begin()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, prev)
	assert.Equal(t, StateFormatting, s.State())

	_, err = s.begin()
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	s.abort("stop", []string{"O1"})
	_, err = s.begin()
	assert.ErrorIs(t, err, domain.ErrConversationAborted)

	snap := s.Snapshot()
	assert.Equal(t, "aborted", snap.State)
	assert.Equal(t, "stop", snap.Notice)
	assert.Equal(t, []string{"O1"}, snap.Categories)

	require.NoError(t, s.reset())
	snap = s.Snapshot()
	assert.Equal(t, "idle", snap.State)
	assert.Empty(t, snap.Notice)
	assert.Empty(t, snap.Categories)
}

func TestSessionResetRefusedWhileBusy(t *testing.T) {
	for _, state := range []State{StateFormatting, StateStreaming} {
		t.Run(state.String(), func(t *testing.T) {
			s := newSession("id", "", "")
			_ = s.withConversation(func(c *Conversation) error {
				c.Append(domain.ChatMessage{Role: domain.UserRole, Content: "q"})
				c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: "partial"})
				return nil
			})
			s.setState(state)

			assert.ErrorIs(t, s.reset(), domain.ErrSessionBusy)
			assert.Equal(t, state, s.State())
			assert.Len(t, s.Snapshot().Messages, 3)
		})
	}
}

func TestSessionRegistryCloseIdle(t *testing.T) {
	r := NewSessionRegistry("")
	busy := r.Open("")
	busy.setState(StateStreaming)
	assert.ErrorIs(t, r.CloseIdle(busy.ID), domain.ErrSessionBusy)
	_, err := r.Get(busy.ID)
	assert.NoError(t, err, "busy session must stay registered")

	idle := r.Open("")
	require.NoError(t, r.CloseIdle(idle.ID))
	_, err = r.Get(idle.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, r.CloseIdle(idle.ID), domain.ErrSessionNotFound)

	// A reference taken before the close cannot start a turn.
	_, err = idle.begin()
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(42).String())
}
