package domain

import (
	"context"
	"time"
)

// MessageBroker defines the interface for message broker operations
type MessageBroker interface {
	// Publish sends a message to a specific topic/channel with a routing key
	Publish(ctx context.Context, topic string, routingKey string, message []byte) error

	// Subscribe listens for messages on a specific topic/channel and routing key
	Subscribe(ctx context.Context, topic string, routingKey string) (<-chan Message, error)

	// Unsubscribe closes and forgets the channel for topic and routing key
	Unsubscribe(ctx context.Context, topic string, routingKey string) error

	// Close closes the message broker connection
	Close() error
}

// Message represents a message received from the broker
type Message struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

type EventType string

const (
	EventFragment  EventType = "fragment"
	EventCompleted EventType = "completed"
	EventAborted   EventType = "aborted"
	EventError     EventType = "error"
	EventReset     EventType = "reset"
)

// ChatEvent is what the streaming controller reports to its transport.
type ChatEvent struct {
	Type       EventType    `json:"type"`
	SessionID  string       `json:"session_id"`
	Fragment   string       `json:"fragment,omitempty"`
	Message    *ChatMessage `json:"message,omitempty"`
	State      string       `json:"state,omitempty"`
	Error      string       `json:"error,omitempty"`
	Categories []string     `json:"categories,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// EventSink receives chat events in emission order.
type EventSink func(ctx context.Context, event ChatEvent) error
