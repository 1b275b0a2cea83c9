package message_broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const topicBuffer = 256

var ErrTopicClosed = errors.New("topic closed")

// topic is one topic+routingKey queue. messages is closed only after every
// in-flight publisher has left, so a send never races the close.
type topic struct {
	messages chan domain.Message
	done     chan struct{}
	senders  sync.WaitGroup
}

func newTopic() *topic {
	return &topic{
		messages: make(chan domain.Message, topicBuffer),
		done:     make(chan struct{}),
	}
}

// shutdown must only be called once the topic is out of the broker's map, so
// no new sender can register.
func (t *topic) shutdown() {
	close(t.done)
	t.senders.Wait()
	close(t.messages)
}

// ChannelMessageBroker implements MessageBroker using Go channels
type ChannelMessageBroker struct {
	topics map[string]*topic
	mu     sync.RWMutex
	closed bool
}

// NewChannelMessageBroker creates a new channel-based message broker
func NewChannelMessageBroker() *ChannelMessageBroker {
	return &ChannelMessageBroker{
		topics: make(map[string]*topic),
	}
}

// makeKey creates a unique key for topic and routingKey
func makeKey(topic, routingKey string) string {
	return topic + ":" + routingKey
}

// topicFor returns the topic for key, creating it when missing.
// Callers must hold b.mu for writing.
func (b *ChannelMessageBroker) topicFor(key string) *topic {
	t, exists := b.topics[key]
	if !exists {
		t = newTopic()
		b.topics[key] = t
	}
	return t
}

// acquire registers the caller as a sender on key's topic.
func (b *ChannelMessageBroker) acquire(key string) (*topic, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("message broker is closed")
	}
	if t, ok := b.topics[key]; ok {
		t.senders.Add(1)
		b.mu.RUnlock()
		return t, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("message broker is closed")
	}
	t := b.topicFor(key)
	t.senders.Add(1)
	return t, nil
}

// Publish sends a message to a specific topic and routing key. It waits for
// buffer space, so a slow subscriber slows the publisher down instead of
// losing messages. It gives up when ctx ends or the topic is unsubscribed.
func (b *ChannelMessageBroker) Publish(ctx context.Context, topic string, routingKey string, message []byte) error {
	key := makeKey(topic, routingKey)
	t, err := b.acquire(key)
	if err != nil {
		return err
	}
	defer t.senders.Done()

	msg := domain.Message{
		Topic:      topic,
		RoutingKey: routingKey,
		Payload:    message,
		Timestamp:  time.Now(),
	}

	select {
	case t.messages <- msg:
		log.WithCtx(ctx).Debug("Message published to topic",
			zap.String("topic", topic),
			zap.String("routingKey", routingKey),
			zap.Int("payload_size", len(message)))
		return nil
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrTopicClosed, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe listens for messages on a specific topic and routing key
func (b *ChannelMessageBroker) Subscribe(ctx context.Context, topic string, routingKey string) (<-chan domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("message broker is closed")
	}

	t := b.topicFor(makeKey(topic, routingKey))
	log.WithCtx(ctx).Debug("Subscribed to topic", zap.String("topic", topic), zap.String("routingKey", routingKey))
	return t.messages, nil
}

// Unsubscribe closes the channel of topic and routing key so its reader can
// exit. Blocked publishers are released with ErrTopicClosed.
func (b *ChannelMessageBroker) Unsubscribe(ctx context.Context, topic string, routingKey string) error {
	key := makeKey(topic, routingKey)

	b.mu.Lock()
	t, exists := b.topics[key]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, key)
	b.mu.Unlock()

	t.shutdown()
	log.WithCtx(ctx).Debug("Unsubscribed from topic", zap.String("key", key))
	return nil
}

// Close closes the message broker and all topic channels
func (b *ChannelMessageBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for key, t := range topics {
		t.shutdown()
		log.WithCtx(context.Background()).Debug("Closed topic channel", zap.String("key", key))
	}

	log.WithCtx(context.Background()).Info("Message broker closed")
	return nil
}

// GetTopicCount returns the number of active topics (useful for monitoring)
func (b *ChannelMessageBroker) GetTopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// IsClosed returns whether the broker is closed
func (b *ChannelMessageBroker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
