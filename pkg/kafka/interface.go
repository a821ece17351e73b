package kafka

import "context"

// Producer publishes key/value messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}
