// Package api is the HTTP intake for reminders, campaigns and lifecycle
// events, plus read and retry access to scheduled tasks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/batch"
	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/workflow"
)

// TaskStore defines the task reads and operator actions served over HTTP
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*db.ScheduledTask, error)
	ListTasksByTrigger(ctx context.Context, ref string, limit int) ([]*db.ScheduledTask, error)
	RetryFailedTask(ctx context.Context, id uuid.UUID, at time.Time) (*db.ScheduledTask, error)
}

// Reminders is satisfied by *schedule.Enqueuer.
type Reminders interface {
	EnqueueReminder(ctx context.Context, req schedule.ReminderRequest) (*schedule.Result, error)
}

// Campaigns is satisfied by *batch.Distributor.
type Campaigns interface {
	Distribute(ctx context.Context, req batch.Request) (*batch.Result, error)
	CancelBatch(ctx context.Context, id uuid.UUID) (db.CancelResult, error)
}

// Triggers is satisfied by *workflow.Engine.
type Triggers interface {
	Trigger(ctx context.Context, ev workflow.Event) (*workflow.Outcome, error)
}

// ReminderRequest represents the body of POST /v1/reminders
type ReminderRequest struct {
	BookingID     string     `json:"booking_id"`
	Channel       db.Channel `json:"channel"`
	StartsAt      time.Time  `json:"starts_at"`
	Payload       db.Payload `json:"payload"`
	OffsetSeconds *int       `json:"offset_seconds,omitempty"`
}

// ReminderResponse is returned after registering a reminder
type ReminderResponse struct {
	ID        string    `json:"id"`
	FireTime  time.Time `json:"fire_time"`
	Duplicate bool      `json:"duplicate"`
}

// CampaignRequest represents the body of POST /v1/campaigns
type CampaignRequest struct {
	Campaign      string            `json:"campaign"`
	Channel       db.Channel        `json:"channel"`
	StartsAt      time.Time         `json:"starts_at"`
	WindowSeconds int               `json:"window_seconds"`
	Recipients    []batch.Recipient `json:"recipients"`
	// SuppressOn overrides the booking statuses that skip a send at
	// dispatch. Defaults to batch.DefaultSuppressOn.
	SuppressOn []string `json:"suppress_on,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	tasks     TaskStore
	reminders Reminders
	campaigns Campaigns
	triggers  Triggers
	clock     clock.Clock
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, tasks TaskStore, reminders Reminders, campaigns Campaigns, triggers Triggers, clk clock.Clock) *Handler {
	return &Handler{
		logger:    logger,
		tasks:     tasks,
		reminders: reminders,
		campaigns: campaigns,
		triggers:  triggers,
		clock:     clk,
	}
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/reminders", h.CreateReminder)
	r.Post("/campaigns", h.CreateCampaign)
	r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
	r.Post("/events", h.CreateEvent)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/retry", h.RetryTask)
}

// CreateReminder handles POST /v1/reminders
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.BookingID == "" || req.Channel == "" || req.StartsAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "booking_id, channel, and starts_at are required")
		return
	}

	rr := schedule.ReminderRequest{
		Channel:    req.Channel,
		TriggerAt:  req.StartsAt,
		TriggerRef: req.BookingID,
		Payload:    req.Payload,
		SuppressOn: workflow.SuppressFor(db.SourceReminder),
	}
	if req.OffsetSeconds != nil {
		off := time.Duration(*req.OffsetSeconds) * time.Second
		rr.Offset = &off
	}

	res, err := h.reminders.EnqueueReminder(r.Context(), rr)
	if err != nil {
		h.writeDomainError(w, err, "Reminder not scheduled")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, ReminderResponse{
		ID:        res.TaskID.String(),
		FireTime:  res.FireTime,
		Duplicate: res.Duplicate,
	})
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Channel == "" || req.StartsAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "channel and starts_at are required")
		return
	}

	res, err := h.campaigns.Distribute(r.Context(), batch.Request{
		Channel:    req.Channel,
		Campaign:   req.Campaign,
		StartsAt:   req.StartsAt,
		Window:     time.Duration(req.WindowSeconds) * time.Second,
		Recipients: req.Recipients,
		SuppressOn: req.SuppressOn,
	})
	if err != nil {
		h.writeDomainError(w, err, "Campaign not scheduled")
		return
	}

	h.writeJSON(w, http.StatusCreated, res)
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid batch ID")
	if !ok {
		return
	}

	res, err := h.campaigns.CancelBatch(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Campaign not cancelled")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id.String(),
		"status":    db.BatchStatusCancelled,
		"cancelled": res,
	})
}

// CreateEvent handles POST /v1/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if ev.ID == "" {
		ev.ID = r.Header.Get("Idempotency-Key")
	}

	out, err := h.triggers.Trigger(r.Context(), ev)
	if err != nil {
		h.writeDomainError(w, err, "Event not processed")
		return
	}

	status := http.StatusAccepted
	if out.Duplicate {
		w.Header().Set("X-Idempotency-Replayed", "true")
		status = http.StatusOK
	}
	h.writeJSON(w, status, out)
}

// GetTask handles GET /v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid task ID")
	if !ok {
		return
	}

	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Task not found")
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /v1/tasks?trigger_ref=xxx&limit=20
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("trigger_ref")
	if ref == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing trigger_ref", "trigger_ref query parameter is required")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	tasks, err := h.tasks.ListTasksByTrigger(r.Context(), ref, limit)
	if err != nil {
		h.logger.Error("failed to list tasks",
			zap.Error(err),
			zap.String("trigger_ref", ref),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list tasks", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  tasks,
		"limit": limit,
		"count": len(tasks),
	})
}

// RetryTask handles POST /v1/tasks/{id}/retry. Only failed tasks can be
// retried; the copy is due immediately with a fresh attempt budget.
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid task ID")
	if !ok {
		return
	}

	task, err := h.tasks.RetryFailedTask(r.Context(), id, h.clock.Now())
	if err != nil {
		h.writeDomainError(w, err, "Task not retried")
		return
	}

	h.logger.Info("failed task retried",
		zap.String("task_id", id.String()),
		zap.String("new_task_id", task.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"id":          id.String(),
		"status":      "retried",
		"new_task_id": task.ID.String(),
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeDomainError maps package sentinels onto problem+json statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, schedule.ErrPastFireTime),
		errors.Is(err, schedule.ErrInvalidAddress),
		errors.Is(err, schedule.ErrUnknownChannel),
		errors.Is(err, batch.ErrEmptyBatch),
		errors.Is(err, batch.ErrSpacingTooTight),
		errors.Is(err, batch.ErrInvalidWindow),
		errors.Is(err, workflow.ErrInvalidEvent):
		h.writeError(w, http.StatusUnprocessableEntity, "validation_failed", title, err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, "")
	case errors.Is(err, db.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_state", title, err.Error())
	default:
		h.logger.Error("request failed", zap.String("title", title), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
