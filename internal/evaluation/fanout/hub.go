package fanout

import (
	"context"
	"sync"

	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 32

// Subscription receives the events of one group until cancelled.
type Subscription struct {
	group string
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

// C is closed when the subscription is cancelled or the hub is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Group is the subscribed group name.
func (s *Subscription) Group() string {
	return s.group
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

// Hub is the in-process group registry behind websocket endpoints.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewHub creates a hub. buffer <= 0 uses DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{groups: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe joins group. On a closed hub the returned channel is already closed.
func (h *Hub) Subscribe(group string) *Subscription {
	sub := &Subscription{group: group, ch: make(chan Event, h.buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Subscription]struct{})
		h.groups[group] = members
	}
	members[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if members, ok := h.groups[sub.group]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.groups, sub.group)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribers counts the members of group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish delivers event to every member of group. A member whose queue is
// full misses the event.
func (h *Hub) Publish(ctx context.Context, group string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.groups[group] {
		select {
		case sub.ch <- event:
		default:
			logger.Warn(ctx, "fanout subscriber is slow, event dropped", zap.String("group", group))
		}
	}
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	groups := h.groups
	h.groups = make(map[string]map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for _, members := range groups {
		for sub := range members {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}
