package mq

import (
	"context"
	"errors"
	"sync"

	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by MemoryQueue.Publish when the topic buffer is full.
var ErrQueueFull = errors.New("queue is full")

// MemoryQueue is an in-process MessageQueue. Each topic is a buffered
// channel; Publish never blocks.
type MemoryQueue struct {
	buffer int

	mu      sync.Mutex
	topics  map[string]chan *Message
	subs    []*memorySubscription
	started bool
	closed  bool
}

type memorySubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to buffer pending messages per topic.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{buffer: buffer, topics: make(map[string]chan *Message)}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan *Message, q.buffer)
		q.topics[name] = ch
	}
	return ch
}

// Publish enqueues a copy of message.
func (q *MemoryQueue) Publish(_ context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	m := *message
	select {
	case q.topic(topic) <- &m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of queued messages of topic.
func (q *MemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topics[topic])
}

// Subscribe registers handler for topic. Only one subscription per topic
// receives a given message.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults(topic)
	sub := &memorySubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subs = append(q.subs, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start starts every registered subscription.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subs {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memorySubscription) {
	ch := q.topic(sub.topic)
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-sub.ctx.Done():
					return
				case m := <-ch:
					if m.expired(sub.opts.MessageTTL) {
						continue
					}
					if dispatch(sub.ctx, sub.handler, m, sub.opts) {
						if err := q.Publish(sub.ctx, sub.opts.DeadLetterTopic, m); err != nil {
							logger.Error(sub.ctx, "dead letter publish failed", zap.String("topic", sub.topic), zap.Error(err))
						}
					}
				}
			}
		}()
	}
}

// Stop stops the workers and waits for running handlers. Messages still
// queued stay queued.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memorySubscription(nil), q.subs...)
	q.started = false
	q.mu.Unlock()
	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	return nil
}

// Close stops consumers and rejects further publishes.
func (q *MemoryQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
