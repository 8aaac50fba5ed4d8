// Package channel carries best-effort change notifications between tabs of
// the same origin. Delivery is at-most-once and unordered across senders;
// receivers must tolerate missed and duplicated messages.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// TopicState carries sealed session state.
const TopicState = "state"

// Message is one notification. Payload is opaque to the transport.
type Message struct {
	Partition string    `json:"partition"`
	Topic     string    `json:"topic"`
	Sender    string    `json:"sender"`
	Payload   []byte    `json:"payload"`
	SentAt    time.Time `json:"sent_at"`
}

// Handler receives messages. It may be invoked on any goroutine.
type Handler func(Message)

// Subscription is an active registration of a Handler.
type Subscription interface {
	Unsubscribe() error
}

// Channel is a transport for Messages scoped by partition.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(partition string, h Handler) (Subscription, error)
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }
