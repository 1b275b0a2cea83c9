package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubOneClientPerSession(t *testing.T) {
	hub := NewHub()
	first := NewClient(nil, "s1", "", nil)
	second := NewClient(nil, "s1", "", nil)

	require.NoError(t, hub.Register(first))
	assert.ErrorIs(t, hub.Register(second), ErrSessionConnected)
	assert.True(t, hub.IsSessionConnected("s1"))
	assert.Same(t, first, hub.GetClient("s1"))

	hub.Unregister(first)
	assert.True(t, first.IsClosed())
	assert.False(t, hub.IsSessionConnected("s1"))
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, hub.Register(second))
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHubReplacesClosedClient(t *testing.T) {
	hub := NewHub()
	stale := NewClient(nil, "s1", "", nil)
	require.NoError(t, hub.Register(stale))
	stale.Close()

	fresh := NewClient(nil, "s1", "", nil)
	require.NoError(t, hub.Register(fresh))
	assert.Same(t, fresh, hub.GetClient("s1"))

	// Unregistering the stale client must not evict its replacement.
	hub.Unregister(stale)
	assert.Same(t, fresh, hub.GetClient("s1"))
}

func TestSendToSession(t *testing.T) {
	hub := NewHub()
	c := NewClient(nil, "s1", "", nil)
	require.NoError(t, hub.Register(c))

	require.NoError(t, hub.SendToSession("s1", []byte("hello")))
	assert.Equal(t, "hello", string(<-c.send))
	assert.Error(t, hub.SendToSession("s2", []byte("x")))
}

func TestSendMessageWaitsForRoom(t *testing.T) {
	c := NewClient(nil, "s1", "", nil)
	for i := 0; i < cap(c.send); i++ {
		require.NoError(t, c.SendMessage([]byte("x")))
	}

	sent := make(chan error, 1)
	go func() { sent <- c.SendMessage([]byte("late")) }()

	select {
	case err := <-sent:
		t.Fatalf("send on a full buffer returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	<-c.send
	require.NoError(t, <-sent)
	assert.False(t, c.IsClosed(), "a slow reader must not be disconnected")

	go func() { sent <- c.SendMessage([]byte("never")) }()
	c.Close()
	assert.Error(t, <-sent)
}
