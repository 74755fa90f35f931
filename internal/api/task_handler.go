package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskrelay/internal/api/shared"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/task"
)

// SubmittedStatus is the status string of an accepted submission
const SubmittedStatus = "Task submitted"

// Submitter publishes a task for the given payload
type Submitter interface {
	SubmitAs(ctx context.Context, payload json.RawMessage, submittedBy string) (*task.Task, error)
}

// TaskResponse is the body of an accepted submission
type TaskResponse struct {
	Status  string          `json:"status"`
	TaskID  string          `json:"task_id"`
	Message json.RawMessage `json:"message"`
}

// TaskHandler handles task submission requests
type TaskHandler struct {
	submitter Submitter
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(submitter Submitter) *TaskHandler {
	return &TaskHandler{submitter: submitter}
}

// SubmitTask handles POST /task and POST /api/task. The body is any JSON
// object; it is published as the task payload and echoed back with 202
// Accepted, since processing happens asynchronously.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	payload, err := shared.ReadRawJSON(w, r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	t, err := h.submitter.SubmitAs(r.Context(), payload, shared.GetSubject(r.Context()))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("submitted_by", t.SubmittedBy))

	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskResponse{
		Status:  SubmittedStatus,
		TaskID:  t.ID.String(),
		Message: t.Payload,
	})
}
