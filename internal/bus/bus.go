// Package bus defines the pub/sub bus the Group Broadcaster fans events through.
//
// Implementations:
//   - Memory (this package): in-process broker, used for tests and single-node deployments
//   - redisbus: Redis PUBLISH/SUBSCRIBE
//   - natsbus: NATS core subjects
//   - pgbus: PostgreSQL LISTEN/NOTIFY
//
// Every implementation must deliver messages of one topic to its handler
// sequentially, in the order the bus received them, including messages
// published by the same process.
package bus

import (
	"context"
	"errors"
)

// Errors
var (
	ErrClosed      = errors.New("bus closed")
	ErrUnavailable = errors.New("bus unavailable")
)

// Message is a payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for a subscribed topic.
type Handler func(msg Message)

// Bus is a topic-based publish/subscribe transport shared by all gateway processes.
type Bus interface {
	// Publish sends payload to every process subscribed to topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns once the subscription is active.
	// Subscribing an already subscribed topic replaces its handler.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Unsubscribe stops delivery for topic. Unknown topics are a no-op.
	Unsubscribe(ctx context.Context, topic string) error

	// Ping checks connectivity to the bus.
	Ping(ctx context.Context) error

	// Close releases all subscriptions and connections.
	Close() error
}
