package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/planner"
	"github.com/ashureev/dayboard/internal/workspace"
)

// PlannerHandler exposes the planner flow of the caller's workspace.
type PlannerHandler struct {
	*Handler
}

// NewPlannerHandler creates a planner handler.
func NewPlannerHandler(base *Handler) *PlannerHandler {
	return &PlannerHandler{Handler: base}
}

// RegisterRoutes registers planner routes.
func (h *PlannerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/planner", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/draft", h.ReplaceDraft)
		r.Put("/date", h.SetDate)
		r.Post("/meetings", h.AddMeeting)
		r.Delete("/meetings/{index}", h.RemoveMeeting)
		r.Post("/tasks", h.AddTask)
		r.Delete("/tasks/{index}", h.RemoveTask)
		r.Get("/validate", h.Validate)
		r.Post("/autofill", h.AutoFill)
		r.Post("/submit", h.Submit)
		r.Post("/confirm", h.Confirm)
		r.Post("/cancel", h.Cancel)
		r.Post("/abort", h.Abort)
		r.Delete("/result", h.ClearResult)
		r.Delete("/error", h.DismissError)
		r.Get("/history", h.History)
		r.Get("/last-output", h.LastOutput)
	})
}

// Get returns the planner snapshot.
func (h *PlannerHandler) Get(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, ws.Planner.Snapshot())
}

// ReplaceDraft overwrites the draft with the request body.
func (h *PlannerHandler) ReplaceDraft(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	var req domain.PlanRequest
	if !decode(w, r, &req) {
		return
	}
	ws.Planner.Composer.Replace(req)
	h.respondPlanner(w, ws)
}

type dateRequest struct {
	Date string `json:"date"`
}

// SetDate changes the draft date, keeping its entries.
func (h *PlannerHandler) SetDate(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	var req dateRequest
	if !decode(w, r, &req) {
		return
	}
	date := strings.TrimSpace(req.Date)
	if date == "" {
		Error(w, http.StatusBadRequest, "date is required")
		return
	}
	ws.Planner.Composer.SetDate(date)
	h.respondPlanner(w, ws)
}

// AddMeeting appends a meeting to the draft.
func (h *PlannerHandler) AddMeeting(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	var m domain.Meeting
	if !decode(w, r, &m) {
		return
	}
	n := ws.Planner.Composer.AddMeeting(m)
	ws.PublishPlanner()
	JSON(w, http.StatusCreated, map[string]interface{}{
		"index": n - 1,
		"draft": ws.Planner.Composer.Snapshot(),
	})
}

// RemoveMeeting drops the meeting at {index}.
func (h *PlannerHandler) RemoveMeeting(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, func(ws *workspace.Workspace, i int) bool {
		return ws.Planner.Composer.RemoveMeeting(i)
	})
}

// AddTask appends a task to the draft.
func (h *PlannerHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	var t domain.Task
	if !decode(w, r, &t) {
		return
	}
	n := ws.Planner.Composer.AddTask(t)
	ws.PublishPlanner()
	JSON(w, http.StatusCreated, map[string]interface{}{
		"index": n - 1,
		"draft": ws.Planner.Composer.Snapshot(),
	})
}

// RemoveTask drops the task at {index}.
func (h *PlannerHandler) RemoveTask(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, func(ws *workspace.Workspace, i int) bool {
		return ws.Planner.Composer.RemoveTask(i)
	})
}

// Validate reports the field errors of the current draft.
func (h *PlannerHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	errs := ws.Planner.Composer.Validate()
	if errs == nil {
		errs = planner.ValidationErrors{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"valid":  len(errs) == 0,
		"errors": errs,
	})
}

// AutoFill fills the draft from the calendar and task list. A failed
// auto-fill leaves the draft unchanged and still answers 200.
func (h *PlannerHandler) AutoFill(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	var req dateRequest
	if !decode(w, r, &req) {
		return
	}
	outcome := ws.Planner.Composer.AutoFill(r.Context(), req.Date)
	if outcome.Applied {
		ws.PublishPlanner()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"outcome": outcome,
		"draft":   ws.Planner.Composer.Snapshot(),
	})
}

// Submit validates the draft and asks for confirmation.
func (h *PlannerHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	err := ws.Planner.Submit()
	var invalid planner.ValidationErrors
	switch {
	case errors.As(err, &invalid):
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "invalid plan request",
			"fields": invalid,
		})
		return
	case errors.Is(err, action.ErrInFlight):
		rejected(w, err)
		return
	case err != nil:
		slog.Error("Failed to open confirmation", "user_id", ws.UserID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	ws.PublishPlanner()
	JSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"planner":  ws.Planner.Snapshot(),
	})
}

// Confirm dispatches the pending request and answers once it settles. The
// call outlives a dropped connection; use abort to cancel it.
func (h *PlannerHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r) {
		return
	}

	_, err := ws.Planner.Confirm(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		JSON(w, http.StatusOK, ws.Planner.Snapshot())
	case errors.Is(err, planner.ErrNothingPending):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, action.ErrInFlight):
		rejected(w, err)
	default:
		JSON(w, failureStatus(err), map[string]interface{}{
			"error":   backend.Message(err),
			"planner": ws.Planner.Snapshot(),
		})
	}
}

// Cancel discards the pending request, keeping the draft.
func (h *PlannerHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	if ws.Planner.Cancel() {
		ws.PublishPlanner()
	}
	JSON(w, http.StatusOK, ws.Planner.Snapshot())
}

// Abort cancels the outstanding plan call.
func (h *PlannerHandler) Abort(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"aborted": ws.Planner.Abort()})
}

// ClearResult drops the current result.
func (h *PlannerHandler) ClearResult(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	ws.Planner.Results.Clear()
	h.respondPlanner(w, ws)
}

// DismissError hides the last failure message.
func (h *PlannerHandler) DismissError(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	ws.Planner.Results.DismissError()
	h.respondPlanner(w, ws)
}

// History lists the caller's saved plans, newest first.
func (h *PlannerHandler) History(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	items, err := ws.History(r.Context())
	if err != nil {
		slog.Error("Failed to list plan history", "user_id", ws.UserID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load plan history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// LastOutput proxies the upstream's most recent plan.
func (h *PlannerHandler) LastOutput(w http.ResponseWriter, r *http.Request) {
	if h.lastOutput == nil {
		Error(w, http.StatusNotFound, "last output unavailable")
		return
	}
	res, err := h.lastOutput.LastOutput(r.Context())
	if err != nil {
		slog.Warn("Failed to fetch last output", "error", err)
		Error(w, failureStatus(err), backend.Message(err))
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *PlannerHandler) remove(w http.ResponseWriter, r *http.Request, fn func(*workspace.Workspace, int) bool) {
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid index")
		return
	}
	if !fn(ws, idx) {
		Error(w, http.StatusNotFound, "entry not found")
		return
	}
	h.respondPlanner(w, ws)
}

func (h *PlannerHandler) respondPlanner(w http.ResponseWriter, ws *workspace.Workspace) {
	ws.PublishPlanner()
	JSON(w, http.StatusOK, ws.Planner.Snapshot())
}

// rejected answers a submit refused because a call is outstanding. The
// refusal is an expected outcome, not a failure.
func rejected(w http.ResponseWriter, err error) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"accepted": false,
		"reason":   err.Error(),
	})
}

func failureStatus(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, action.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, action.ErrCanceled):
		return http.StatusConflict
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
