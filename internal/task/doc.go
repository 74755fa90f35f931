// Package task defines the unit of asynchronous work exchanged between the
// producer and the workers: the task envelope carried on the broker, the
// descriptor of the shared durable queue, the error taxonomy of the
// distribution path, and the handler contract a worker executes tasks with.
package task
