// Package telemetry records counts and timings of the task distribution path.
// Producers and workers report to a Sink; sinks never influence control flow.
package telemetry

import (
	"time"

	"github.com/phrazzld/taskrelay/internal/task"
)

// Roles reported with connection status
const (
	RoleProducer = "producer"
	RoleWorker   = "worker"
)

// PublisherConnection names the producer's session pool in connection status
const PublisherConnection = "publisher"

// Sink receives observations from producers and workers.
// Implementations must be safe for concurrent use.
type Sink interface {
	// TaskPublished records a publish attempt on queue; err is nil on success
	TaskPublished(queue string, duration time.Duration, err error)

	// TaskReceived records a message delivered from queue
	TaskReceived(queue string)

	// TaskStarted records a task body starting to run
	TaskStarted()

	// TaskFinished records a task body finishing with outcome
	TaskFinished(outcome task.Outcome, duration time.Duration)

	// ConnectionStatus records whether the named connection of the component
	// in role holds a live broker session. Each consumer reports under its own name.
	ConnectionStatus(role, connection string, connected bool)
}

// Noop discards every observation
type Noop struct{}

func (Noop) TaskPublished(string, time.Duration, error) {}
func (Noop) TaskReceived(string) {}
func (Noop) TaskStarted() {}
func (Noop) TaskFinished(task.Outcome, time.Duration) {}
func (Noop) ConnectionStatus(string, string, bool) {}

// Multi fans observations out to several sinks
type Multi []Sink

func (m Multi) TaskPublished(queue string, d time.Duration, err error) {
	for _, s := range m {
		s.TaskPublished(queue, d, err)
	}
}

func (m Multi) TaskReceived(queue string) {
	for _, s := range m {
		s.TaskReceived(queue)
	}
}

func (m Multi) TaskStarted() {
	for _, s := range m {
		s.TaskStarted()
	}
}

func (m Multi) TaskFinished(outcome task.Outcome, d time.Duration) {
	for _, s := range m {
		s.TaskFinished(outcome, d)
	}
}

func (m Multi) ConnectionStatus(role, connection string, connected bool) {
	for _, s := range m {
		s.ConnectionStatus(role, connection, connected)
	}
}

func publishStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func boolGauge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
