// Package api exposes the transition engine as a request/response JSON
// command API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/dispatch"
)

const maxBodyBytes = 64 << 10

// Engine is the command surface of the transition engine.
// Defined at the consumer side per Go convention.
type Engine interface {
	AssignTask(ctx context.Context, taskID, technicianID int64) (*dispatch.Task, error)
	StartTask(ctx context.Context, taskID, actor int64) (*dispatch.Task, error)
	CompleteTask(ctx context.Context, taskID, actor int64, result string) (*dispatch.Task, error)
	AddTask(ctx context.Context, in dispatch.AddTaskInput) (*dispatch.Task, error)
	UpdateTechnician(ctx context.Context, technicianID int64, patch dispatch.TechnicianPatch) (*dispatch.Technician, error)
	Snapshot(ctx context.Context) (*dispatch.DispatchSnapshot, error)
}

// Handler serves the command API.
type Handler struct {
	engine Engine
}

// NewHandler creates a Handler backed by engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes registers the command endpoints on r. Callers are expected to
// have resolved the actor (auth.BearerAuth) beforehand.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/dispatch", h.dispatchSnapshot)
	r.Post("/tasks", h.addTask)
	r.Post("/tasks/{taskID}/assign", h.assignTask)
	r.Post("/tasks/{taskID}/start", h.startTask)
	r.Post("/tasks/{taskID}/complete", h.completeTask)
	r.Post("/technicians/{technicianID}/location", h.updateTechnician)
}

// taskStatus is the reply of every task transition.
type taskStatus struct {
	ID     int64               `json:"id"`
	Status dispatch.TaskStatus `json:"status"`
}

type addTaskRequest struct {
	Title         string   `json:"title"`
	Address       string   `json:"address"`
	RecipientName string   `json:"recipient_name"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	TaskType      string   `json:"task_type"`
	Description   string   `json:"description"`
	TeamID        *int64   `json:"team_id"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	ScheduledDate string   `json:"scheduled_date"`
	ScheduledTime string   `json:"scheduled_time"`
}

type assignRequest struct {
	TechnicianID int64 `json:"technician_id"`
}

type completeRequest struct {
	Result string `json:"result"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Status    *string  `json:"status"`
}

func (h *Handler) dispatchSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := h.engine.AddTask(r.Context(), dispatch.AddTaskInput{
		Title:         req.Title,
		Address:       req.Address,
		RecipientName: req.RecipientName,
		Priority:      req.Priority,
		Status:        req.Status,
		TaskType:      req.TaskType,
		Description:   req.Description,
		TeamID:        req.TeamID,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"task_id": t.ID})
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req assignRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TechnicianID <= 0 {
		writeError(w, dispatch.InvalidArgument("technician_id is required"))
		return
	}

	t, err := h.engine.AssignTask(r.Context(), taskID, req.TechnicianID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatus{ID: t.ID, Status: t.Status})
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := h.engine.StartTask(r.Context(), taskID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatus{ID: t.ID, Status: t.Status})
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req completeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := h.engine.CompleteTask(r.Context(), taskID, actor, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatus{ID: t.ID, Status: t.Status})
}

func (h *Handler) updateTechnician(w http.ResponseWriter, r *http.Request) {
	techID, err := pathID(r, "technicianID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req locationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var patch dispatch.TechnicianPatch
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		pos, err := dispatch.NewPosition(*req.Latitude, *req.Longitude)
		if err != nil {
			writeError(w, dispatch.InvalidArgument("%s", err))
			return
		}
		patch.Position = &pos
	case req.Latitude != nil || req.Longitude != nil:
		writeError(w, dispatch.InvalidArgument("latitude and longitude must be sent together"))
		return
	}
	if req.Status != nil {
		s := dispatch.TechnicianStatus(*req.Status)
		patch.Status = &s
	}

	tech, err := h.engine.UpdateTechnician(r.Context(), techID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.NewTechnicianMessage(tech, tech.LastUpdated))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dispatch.InvalidArgument("invalid request body: %s", err)
	}
	return nil
}

func pathID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, dispatch.InvalidArgument("invalid id %q", raw)
	}
	return id, nil
}

func actorFrom(r *http.Request) (int64, error) {
	id, ok := auth.ActorFrom(r.Context())
	if !ok {
		return 0, &dispatch.Error{Kind: dispatch.KindForbidden, Msg: fmt.Sprintf("%s requires an authenticated actor", r.URL.Path)}
	}
	return id, nil
}
