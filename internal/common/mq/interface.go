// Package mq carries evaluation jobs between the API and the workers. The
// kafka implementation is used in clustered deployments; the in-memory
// queue serves single-process installs and tests.
package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageQueue is the producer and consumer side of one queue backend.
type MessageQueue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer dispatches messages of subscribed topics to handlers.
type Consumer interface {
	// Subscribe registers handler for topic. Subscriptions made before Start
	// begin consuming on Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	Start() error

	// Stop stops fetching and waits for in-flight handlers.
	Stop() error
}

// Message is one queued job.
type Message struct {
	ID string `json:"id"`
	// Key selects the kafka partition; messages with the same key keep their order.
	Key       string            `json:"key"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	RetryCount int `json:"retry_count"`
}

// HandlerFunc processes one message. A returned error is retried up to
// SubscribeOptions.MaxRetries times.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// ConsumerGroup defaults to "booml-<topic>".
	ConsumerGroup string

	// Concurrency bounds the number of handlers running at once. Default 1.
	Concurrency int

	// MaxRetries is the number of extra attempts after a failed handler.
	// Zero disables retries.
	MaxRetries int

	// RetryDelay is the pause between attempts. Default 1 second.
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose attempts are exhausted.
	DeadLetterTopic string

	// MessageTTL drops messages older than this without handling them.
	MessageTTL time.Duration
}

// SetDefaults fills unset options.
func (o *SubscribeOptions) SetDefaults(topic string) {
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = "booml-" + topic
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with a fresh id.
func NewMessage(key string, body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Key:       key,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

func (m *Message) expired(ttl time.Duration) bool {
	return ttl > 0 && !m.Timestamp.IsZero() && time.Since(m.Timestamp) > ttl
}

// dispatch runs handler with the subscription's retry policy and reports
// whether the message should be forwarded to the dead letter topic.
func dispatch(ctx context.Context, handler HandlerFunc, m *Message, opts SubscribeOptions) (deadLetter bool) {
	for {
		err := handler(ctx, m)
		if err == nil {
			return false
		}
		if m.RetryCount >= opts.MaxRetries || ctx.Err() != nil {
			return opts.DeadLetterTopic != ""
		}
		m.RetryCount++
		select {
		case <-ctx.Done():
			return false
		case <-time.After(opts.RetryDelay):
		}
	}
}
