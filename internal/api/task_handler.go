package api

import (
	"net/http"

	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/phrazzld/storyboard-api/internal/task"
)

// TaskHandler handles generation task HTTP requests.
type TaskHandler struct {
	service    *task.Service
	lease      *task.LeaseManager
	correlator *task.Correlator
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(service *task.Service, lease *task.LeaseManager, correlator *task.Correlator) *TaskHandler {
	return &TaskHandler{
		service:    service,
		lease:      lease,
		correlator: correlator,
	}
}

// Submit handles POST /tasks/submit requests.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	t, err := h.service.Submit(r.Context(), req.TaskType, req.Params)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	// Processing happens asynchronously.
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{TaskID: t.ID.String()})
}

// Get handles GET /tasks/{task_id} requests.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "task_id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// List handles GET /tasks requests.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryInt(r, "limit", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	query := r.URL.Query()
	filter := store.TaskFilter{
		Status: domain.TaskStatus(query.Get("status")),
		Limit:  int(limit),
	}
	if raw := query.Get("task_type"); raw != "" {
		tt, err := domain.ParseTaskType(raw)
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		filter.Type = tt
	}

	tasks, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Heartbeat handles POST /tasks/{task_id}/heartbeat requests.
//
// A worker that names itself renews its lease and learns whether it still
// holds it. Without a worker id the call is a client poll: a task waiting
// on an external job is reconciled with the provider before its status is
// returned.
func (h *TaskHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "task_id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req HeartbeatRequest
	if err := shared.DecodeOptionalJSON(r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log := logger.FromContext(r.Context()).With("task_id", id)

	if req.WorkerID != "" {
		held, err := h.lease.Heartbeat(r.Context(), id, req.WorkerID)
		if err != nil {
			HandleAPIError(w, r, err, "Failed to renew lease")
			return
		}
		t, err := h.service.Get(r.Context(), id)
		if err != nil {
			HandleAPIError(w, r, err, "Failed to get task")
			return
		}
		if !held {
			log.InfoContext(r.Context(), "heartbeat from worker without lease", "worker_id", req.WorkerID)
		}
		shared.RespondWithJSON(w, r, http.StatusOK, HeartbeatResponse{
			Status:    string(t.Status),
			LeaseHeld: &held,
		})
		return
	}

	t, err := h.correlator.PollByID(r.Context(), id)
	if store.IsNotFoundError(err) {
		HandleAPIError(w, r, err, "")
		return
	}
	if err != nil {
		// The provider being unreachable does not change the task; report
		// what is stored and let the next poll try again.
		log.WarnContext(r.Context(), "external poll failed", "error", err)
		if t, err = h.service.Get(r.Context(), id); err != nil {
			HandleAPIError(w, r, err, "Failed to get task")
			return
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HeartbeatResponse{Status: string(t.Status)})
}
