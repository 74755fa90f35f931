// Package broker defines the contract the task distribution path expects from
// a message broker: durable queues, acknowledgment-based at-least-once
// delivery and per-consumer in-flight limits. Implementations live in the
// amqp, postgres and memory subpackages.
package broker

import (
	"context"
	"errors"

	"github.com/phrazzld/taskrelay/internal/task"
)

// ErrAlreadySettled is returned when a delivery is acknowledged or rejected twice
var ErrAlreadySettled = errors.New("delivery already settled")

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("broker session closed")

// Broker opens sessions. Implementations must be safe for concurrent use.
type Broker interface {
	// Dial opens a new session. Failures wrap task.ErrBrokerUnavailable.
	Dial(ctx context.Context) (Session, error)
}

// Session is a live channel to the broker owned by a single component.
// It is not safe for concurrent use without external synchronization,
// except that deliveries may be settled from any goroutine.
type Session interface {
	// EnsureQueue declares q and its dead-letter queue. It is idempotent.
	// A queue that exists with incompatible properties yields task.ErrQueueConflict.
	EnsureQueue(ctx context.Context, q task.QueueDescriptor) error

	// Publish persists body on q without waiting for a broker confirmation.
	Publish(ctx context.Context, q task.QueueDescriptor, msg Message) error

	// Consume registers a consumer holding at most prefetch unacknowledged
	// deliveries. The channel closes when the session ends or ctx is done.
	Consume(ctx context.Context, q task.QueueDescriptor, prefetch int) (<-chan Delivery, error)

	// Done is closed when the session is lost or closed. Err then reports why.
	Done() <-chan struct{}

	// Err returns the reason the session ended, or nil while it is alive
	Err() error

	// Close ends the session. Unacknowledged deliveries become available
	// for redelivery.
	Close() error
}

// Message is an outgoing broker message
type Message struct {
	// ID is the message identifier, normally the task ID
	ID string
	// ContentType of Body
	ContentType string
	// Body is the encoded task
	Body []byte
}

// Delivery is a received message together with its delivery handle.
// Exactly one of Ack or Reject may succeed; the handle is invalid once the
// session that received it ends.
type Delivery interface {
	// MessageID returns the identifier set at publish time, if any
	MessageID() string

	// Body returns the message body
	Body() []byte

	// Redelivered reports whether the broker delivered this message before
	Redelivered() bool

	// Ack removes the message from the queue permanently
	Ack(ctx context.Context) error

	// Reject routes the message to the queue's dead-letter queue
	Reject(ctx context.Context) error
}
