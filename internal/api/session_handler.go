package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/history"
	"github.com/phrazzld/storyboard-api/internal/session"
)

// SessionHandler handles agent session HTTP requests.
type SessionHandler struct {
	controller *session.Controller
	log        *events.Log
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(controller *session.Controller, log *events.Log) *SessionHandler {
	return &SessionHandler{
		controller: controller,
		log:        log,
	}
}

// Status handles GET /session/{thread_id}/status requests.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	res, err := h.controller.Status(r.Context(), threadID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get session status")
		return
	}

	status := string(res.Status)
	if !res.Exists {
		status = session.StatusNotFound
	}
	shared.RespondWithJSON(w, r, http.StatusOK, SessionStatusResponse{Status: status, Exists: res.Exists})
}

// Interrupt handles POST /session/{thread_id}/interrupt requests. A request
// that cannot take effect is still a 200 with success false.
func (h *SessionHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	res, err := h.controller.RequestInterrupt(r.Context(), threadID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to interrupt session")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, InterruptResponse{
		Success: res.Success,
		Status:  res.Status,
		Message: res.Message,
	})
}

// History handles GET /session/{thread_id}/history requests.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	items, err := h.controller.History(r.Context(), threadID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load session history")
		return
	}
	if items == nil {
		items = []*history.Item{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HistoryResponse{Messages: items})
}

// ListByProject handles GET /session/project/{project_id}/list requests.
func (h *SessionHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryInt(r, "limit", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	sessions, err := h.controller.List(r.Context(), chi.URLParam(r, "project_id"), int(limit))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list sessions")
		return
	}

	resp := SessionListResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionToResponse(s))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Delete handles DELETE /session/{thread_id} requests.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	if err := h.controller.Delete(r.Context(), threadID); err != nil {
		HandleAPIError(w, r, err, "Failed to delete session")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}

// Start handles POST /session/{thread_id}/start requests from step loops
// running outside this process.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req StartSessionRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	sess, err := h.controller.Start(r.Context(), threadID, req.ProjectID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to start session")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StartSessionResponse{
		Status:         string(sess.Status),
		LastSequenceID: sess.LastSequence,
	})
}

// AppendEvent handles POST /session/{thread_id}/events requests.
func (h *SessionHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req AppendEventRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	ev, err := h.log.AppendClient(r.Context(), threadID, req.EventType, req.Payload)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to append event")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, AppendEventResponse{SequenceID: ev.SequenceID})
}

// Checkpoint handles POST /session/{thread_id}/checkpoint requests. Step
// loops call it between steps and stop when told to.
func (h *SessionHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	res, err := h.controller.Checkpoint(r.Context(), threadID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to checkpoint session")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CheckpointResponse{Stop: res.Stop, Status: string(res.Status)})
}

// Finish handles POST /session/{thread_id}/finish requests.
func (h *SessionHandler) Finish(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req FinishRequest
	if err := shared.DecodeOptionalJSON(r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var stepErr error
	if req.Error != "" {
		stepErr = errors.New(req.Error)
	}
	sess, err := h.controller.Finish(r.Context(), threadID, stepErr)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to finish session")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, FinishResponse{Status: string(sess.Status)})
}
