// Package bus provides the topic based pub/sub broker modules use to talk to
// each other and to observe host lifecycle notifications.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when publishing on a closed broker
var ErrClosed = errors.New("broker is closed")

// Topics published by the host
const (
	TopicModuleEnabled  = "host.module.enabled"
	TopicModuleFailed   = "host.module.failed"
	TopicReady          = "host.ready"
	TopicShuttingDown   = "host.shutdown"
	TopicCommandUpdated = "host.commands.updated"
)

// DefaultPublishTimeout is the default timeout for slow consumers
const DefaultPublishTimeout = 5 * time.Second

// Message represents a message in the pub/sub system
type Message struct {
	// Topic is the message category/channel
	Topic string

	// Payload contains the message data
	Payload interface{}

	// Source identifies the originating module
	Source string

	// Metadata contains additional message information
	Metadata map[string]interface{}
}

// subscription represents a subscriber's subscription
type subscription struct {
	id     string
	ch     chan Message
	topics []string
}

// Broker implements a topic-based pub/sub message broker
type Broker struct {
	mu             sync.RWMutex
	subscriptions  map[string]*subscription
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// NewBroker creates a new message broker
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscriptions:  make(map[string]*subscription),
		publishTimeout: DefaultPublishTimeout,
		logger:         logger.With("component", "bus"),
	}
}

// Subscribe creates a new subscription for the given topics.
// Returns a channel that will receive matching messages.
func (b *Broker) Subscribe(id string, bufSize int, topics ...string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("subscribe on closed broker", "subscriber", id)
		ch := make(chan Message)
		close(ch)
		return ch
	}

	// If subscription already exists, close old channel and replace
	if old, exists := b.subscriptions[id]; exists {
		b.logger.Debug("replacing subscription", "subscriber", id)
		close(old.ch)
	}

	if bufSize < 0 {
		bufSize = 0
	}
	sub := &subscription{
		id:     id,
		ch:     make(chan Message, bufSize),
		topics: topics,
	}
	b.subscriptions[id] = sub
	b.logger.Debug("subscribed", "subscriber", id, "topics", topics, "buffer", bufSize)

	return sub.ch
}

// Publish broadcasts a message to all interested subscribers.
// Uses fan-out with concurrent delivery and timeout handling.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	var targets []*subscription
	for _, sub := range b.subscriptions {
		if sub.wantsTopic(msg.Topic) {
			targets = append(targets, sub)
		}
	}

	if len(targets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range targets {
		g.Go(func() error {
			return b.publishToSubscriber(gctx, sub, msg)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	b.logger.Debug("published", "topic", msg.Topic, "source", msg.Source, "subscribers", len(targets))
	return nil
}

// publishToSubscriber sends a message to a single subscriber with timeout
func (b *Broker) publishToSubscriber(ctx context.Context, sub *subscription, msg Message) error {
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout publishing to %s (slow consumer)", sub.id)
	}
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscriptions[id]; ok {
		close(sub.ch)
		delete(b.subscriptions, id)
		b.logger.Debug("unsubscribed", "subscriber", id)
	}
}

// Close shuts down the broker and closes all subscription channels
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscriptions {
		close(sub.ch)
	}
	b.subscriptions = make(map[string]*subscription)
	b.logger.Debug("broker closed")
}

// SubscriberCount returns the current number of subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// SetPublishTimeout sets the timeout for publishing to slow consumers
func (b *Broker) SetPublishTimeout(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timeout > 0 {
		b.publishTimeout = timeout
	}
}

// wantsTopic checks if a subscription is interested in a topic.
// "*" matches everything, "prefix.*" matches any topic below prefix.
func (s *subscription) wantsTopic(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}

	for _, t := range s.topics {
		if t == topic || t == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(t, ".*"); ok && strings.HasPrefix(topic, prefix+".") {
			return true
		}
	}
	return false
}
