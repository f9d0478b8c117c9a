package fanout

import (
	"context"
	"encoding/json"
	"strings"

	"booml/internal/common/cache"
	"booml/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannelPrefix prefixes group names on redis.
const RedisChannelPrefix = "fanout:"

// RedisPublisher publishes events with redis PUBLISH.
type RedisPublisher struct {
	client cache.PubSubOps
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client cache.PubSubOps) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, group string, event Event) {
	payload, ok := encode(ctx, group, event)
	if !ok {
		return
	}
	if _, err := p.client.Publish(ctx, RedisChannelPrefix+group, payload); err != nil {
		logger.Warn(ctx, "redis fanout publish failed", zap.String("group", group), zap.Error(err))
	}
}

// RedisSubscriber forwards every fanout channel into a hub so websocket
// clients on this instance see events published by any instance.
type RedisSubscriber struct {
	client *redis.Client
	hub    *Hub
}

// NewRedisSubscriber creates a bridge from client into hub.
func NewRedisSubscriber(client *redis.Client, hub *Hub) *RedisSubscriber {
	return &RedisSubscriber{client: client, hub: hub}
}

// Run subscribes and forwards until ctx is done. ready, when non-nil, is
// closed once the subscription is confirmed.
func (s *RedisSubscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := s.client.PSubscribe(ctx, RedisChannelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn(ctx, "decode fanout event failed", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			s.hub.Publish(ctx, strings.TrimPrefix(msg.Channel, RedisChannelPrefix), event)
		}
	}
}
