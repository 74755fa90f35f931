package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentType is the media type of every encoded task body.
const ContentType = "application/json"

// Task represents a unit of background work travelling through the broker.
// The payload is caller-supplied and opaque to this package beyond being a
// JSON object.
type Task struct {
	// ID is minted by the producer at submission time. Tasks published by
	// older producers that did not wrap their payload carry uuid.Nil.
	ID uuid.UUID

	// Payload is the submitted JSON document
	Payload json.RawMessage

	// Attempt starts at 1 and is incremented each time a worker republishes
	// the task after a retryable failure.
	Attempt int

	// SubmittedAt is the producer's clock at submission
	SubmittedAt time.Time

	// SubmittedBy is the authenticated subject that submitted the task, if any
	SubmittedBy string
}

// envelope is the wire form of a Task
type envelope struct {
	ID          uuid.UUID       `json:"id"`
	Attempt     int             `json:"attempt"`
	SubmittedAt time.Time       `json:"submitted_at"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// New creates a first-attempt Task for the given payload with a freshly minted ID.
// The payload must be a JSON object.
func New(payload json.RawMessage) (*Task, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}

	return &Task{
		ID:          uuid.New(),
		Payload:     append(json.RawMessage(nil), payload...),
		Attempt:     1,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// ValidatePayload checks that payload is a well-formed JSON object.
func ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
	}
	return nil
}

// Encode serializes the task into its broker body.
func (t *Task) Encode() ([]byte, error) {
	body, err := json.Marshal(envelope{
		ID:          t.ID,
		Attempt:     t.Attempt,
		SubmittedAt: t.SubmittedAt,
		SubmittedBy: t.SubmittedBy,
		Payload:     t.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return body, nil
}

// Decode parses a broker body. Bodies that are a JSON object but not an
// envelope are treated as a bare payload, so messages published without an
// envelope are still processed.
func Decode(body []byte) (*Task, error) {
	if err := ValidatePayload(body); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == uuid.Nil || len(env.Payload) == 0 {
		return &Task{
			ID:      uuid.Nil,
			Payload: append(json.RawMessage(nil), body...),
			Attempt: 1,
		}, nil
	}

	if env.Attempt < 1 {
		env.Attempt = 1
	}

	return &Task{
		ID:          env.ID,
		Payload:     env.Payload,
		Attempt:     env.Attempt,
		SubmittedAt: env.SubmittedAt,
		SubmittedBy: env.SubmittedBy,
	}, nil
}

// NextAttempt returns a copy of the task for redelivery after a retryable failure.
func (t *Task) NextAttempt() *Task {
	next := *t
	next.Attempt = t.Attempt + 1
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	return &next
}
