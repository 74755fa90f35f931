package task

import (
	"fmt"
	"strings"
)

// Default queue names, shared by every producer and worker
const (
	DefaultQueueName      = "task-queue"
	DefaultDeadLetterName = DefaultQueueName + ".dead-letter"
)

// QueueDescriptor identifies the single durable queue tasks are exchanged on.
// It is immutable once built; use NewQueueDescriptor to obtain one.
type QueueDescriptor struct {
	name       string
	deadLetter string
}

// NewQueueDescriptor returns a descriptor for a durable queue. deadLetter
// names the queue rejected tasks are routed to; it may not equal name.
func NewQueueDescriptor(name, deadLetter string) (QueueDescriptor, error) {
	name = strings.TrimSpace(name)
	deadLetter = strings.TrimSpace(deadLetter)

	if name == "" {
		return QueueDescriptor{}, fmt.Errorf("queue name is required")
	}
	if deadLetter == "" {
		return QueueDescriptor{}, fmt.Errorf("dead-letter queue name is required for queue %q", name)
	}
	if deadLetter == name {
		return QueueDescriptor{}, fmt.Errorf("dead-letter queue must differ from queue %q", name)
	}

	return QueueDescriptor{name: name, deadLetter: deadLetter}, nil
}

// DefaultQueueDescriptor returns the descriptor for task-queue.
func DefaultQueueDescriptor() QueueDescriptor {
	return QueueDescriptor{name: DefaultQueueName, deadLetter: DefaultDeadLetterName}
}

// Name returns the queue name
func (q QueueDescriptor) Name() string { return q.name }

// RoutingKey is the key used to publish to and consume from the queue.
// With a single queue it always equals the queue name.
func (q QueueDescriptor) RoutingKey() string { return q.name }

// DeadLetter returns the name of the dead-letter queue
func (q QueueDescriptor) DeadLetter() string { return q.deadLetter }

// Durable reports whether the queue must survive a broker restart. Always true.
func (q QueueDescriptor) Durable() bool { return true }

// IsZero reports whether q was not built by a constructor
func (q QueueDescriptor) IsZero() bool { return q.name == "" }

func (q QueueDescriptor) String() string { return q.name }
