package channelv1

import (
	"context"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
)

// Message is one consumed change-log entry together with its position in the
// topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Entry     changelogv1.Entry
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// GroupID names the consumer group; subscribers sharing a group split
	// the topic between them, each message delivered to exactly one member.
	// An empty group id gives the subscriber its own copy of every message.
	GroupID string
	// FromLatest starts consumption at the end of retained history instead
	// of the beginning.
	FromLatest bool
	// BufferSize bounds the subscriber's in-flight buffer; zero uses the
	// channel's default.
	BufferSize int
}

// Subscription is an ordered, at-least-once stream of entries. Within a
// topic/partition, Entry.Sequence values of one producer are strictly
// increasing and never reordered.
type Subscription interface {
	// Next blocks until a message is available or ctx is done.
	Next(ctx context.Context) (Message, error)
	// Commit acknowledges the message; uncommitted messages may be
	// redelivered after a restart.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// EventChannel is the transport abstraction between stages. Two
// implementations exist: the bounded in-memory channel (volatile, lowest
// latency) and the partitioned durable log (replayable, consumer groups).
//
//go:generate mockgen -source interface.go -destination=mock/interface_mock.go -package=channelv1_mock
type EventChannel interface {
	// Publish appends the entry to the topic. Blocks for backpressure;
	// returns an error only when the entry cannot be accepted at all.
	Publish(ctx context.Context, topic string, entry changelogv1.Entry) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (Subscription, error)
	Close() error
}
