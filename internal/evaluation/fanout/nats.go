package fanout

import (
	"context"
	"encoding/json"
	"strings"

	"booml/pkg/utils/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSubjectPrefix prefixes group names on NATS.
const NATSSubjectPrefix = "fanout."

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Subject maps a group onto its NATS subject.
func Subject(group string) string {
	return NATSSubjectPrefix + group
}

func (p *NATSPublisher) Publish(ctx context.Context, group string, event Event) {
	payload, ok := encode(ctx, group, event)
	if !ok {
		return
	}
	if err := p.nc.Publish(Subject(group), payload); err != nil {
		logger.Warn(ctx, "nats fanout publish failed", zap.String("group", group), zap.Error(err))
	}
}

// SubscribeNATS forwards every fanout subject into hub. The returned
// subscription must be drained or unsubscribed by the caller.
func SubscribeNATS(nc *nats.Conn, hub *Hub) (*nats.Subscription, error) {
	return nc.Subscribe(NATSSubjectPrefix+">", func(msg *nats.Msg) {
		ctx := context.Background()
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn(ctx, "decode fanout event failed", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		hub.Publish(ctx, strings.TrimPrefix(msg.Subject, NATSSubjectPrefix), event)
	})
}
