// Package workflow maps booking lifecycle events onto timed notification
// sequences and cancels the ones a newer event makes obsolete.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/metrics"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/window"
)

// ErrInvalidEvent is returned for events missing a booking or with an
// unknown action.
var ErrInvalidEvent = errors.New("invalid lifecycle event")

// Store is what the engine needs from the task store.
type Store interface {
	ActiveWorkflows(ctx context.Context, action db.TriggerAction) ([]*db.WorkflowDefinition, error)
	RegisterWorkflowStep(ctx context.Context, log *db.WorkflowExecutionLog, task *db.ScheduledTask) (*db.WorkflowExecutionLog, bool, error)
	CancelByTrigger(ctx context.Context, ref string, sources []string) (db.CancelResult, error)
}

// Deduper short-circuits repeated deliveries of the same inbound event
// across processes. Reserve returns false when the key was already taken.
type Deduper interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// ReminderEnqueuer is satisfied by *schedule.Enqueuer.
type ReminderEnqueuer interface {
	EnqueueReminder(ctx context.Context, req schedule.ReminderRequest) (*schedule.Result, error)
}

// Event is a booking lifecycle event.
type Event struct {
	// ID identifies the inbound delivery for dedupe. Optional.
	ID         string           `json:"event_id,omitempty"`
	BookingID  string           `json:"booking_id"`
	Action     db.TriggerAction `json:"action"`
	OccurredAt time.Time        `json:"occurred_at"`
	// Contact carries the addresses used by workflow steps.
	Contact db.Payload `json:"contact"`
	// StartsAt and Reminders only apply to rescheduled events: reminders on
	// the listed channels are enqueued again against the new start.
	StartsAt  *time.Time   `json:"starts_at,omitempty"`
	Reminders []db.Channel `json:"reminders,omitempty"`
}

// ReminderOutcome reports a reminder re-enqueued by a reschedule.
type ReminderOutcome struct {
	Channel   db.Channel `json:"channel"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	FireTime  time.Time  `json:"fire_time"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// StepOutcome reports what happened to one workflow step.
type StepOutcome struct {
	WorkflowID  uuid.UUID  `json:"workflow_id"`
	StepID      uuid.UUID  `json:"step_id"`
	Channel     db.Channel `json:"channel"`
	TemplateRef string     `json:"template_ref"`
	FireTime    time.Time  `json:"fire_time"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	LogID       *uuid.UUID `json:"log_id,omitempty"`
	Duplicate   bool       `json:"duplicate,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Outcome is the result of one trigger.
type Outcome struct {
	Duplicate bool              `json:"duplicate,omitempty"`
	Cancelled db.CancelResult   `json:"cancelled"`
	Reminders []ReminderOutcome `json:"reminders,omitempty"`
	Steps     []StepOutcome     `json:"steps"`
}

// Config holds engine settings.
type Config struct {
	MaxAttempts int
}

// Engine runs lifecycle events against workflow definitions.
type Engine struct {
	store     Store
	projector *window.Projector
	reminders ReminderEnqueuer
	clock     clock.Clock
	dedupe    Deduper
	config    Config
	logger    *zap.Logger
}

// NewEngine creates an engine. reminders and dedupe may be nil.
func NewEngine(store Store, projector *window.Projector, reminders ReminderEnqueuer, clk clock.Clock, dedupe Deduper, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Engine{
		store:     store,
		projector: projector,
		reminders: reminders,
		clock:     clk,
		dedupe:    dedupe,
		config:    cfg,
		logger:    logger,
	}
}

// Trigger cancels whatever the event moots for the booking, then schedules
// every active step of the workflows listening for the action. Steps whose
// projected time has passed are reported and skipped; the rest proceed.
func (e *Engine) Trigger(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.BookingID == "" || !ev.Action.Valid() {
		return nil, fmt.Errorf("%w: booking %q action %q", ErrInvalidEvent, ev.BookingID, ev.Action)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.clock.Now()
	}

	reserved := false
	if e.dedupe != nil && ev.ID != "" {
		ok, err := e.dedupe.Reserve(ctx, ev.ID)
		if err != nil {
			// Store-level idempotency still holds.
			e.logger.Warn("event dedupe unavailable, proceeding",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		} else if !ok {
			metrics.RecordEventDedupeHit()
			e.logger.Info("duplicate event ignored",
				zap.String("event_id", ev.ID),
				zap.String("booking_id", ev.BookingID),
			)
			return &Outcome{Duplicate: true}, nil
		}
		reserved = ok
	}

	out, err := e.apply(ctx, ev)
	if err != nil && reserved {
		// Let a redelivery retry what this attempt could not finish.
		if rerr := e.dedupe.Release(ctx, ev.ID); rerr != nil {
			e.logger.Warn("failed to release event reservation",
				zap.String("event_id", ev.ID),
				zap.Error(rerr),
			)
		}
	}
	return out, err
}

func (e *Engine) apply(ctx context.Context, ev Event) (*Outcome, error) {
	out := &Outcome{}

	if sources, all, ok := MootedSources(ev.Action); ok {
		if all {
			sources = nil
		}
		res, err := e.store.CancelByTrigger(ctx, ev.BookingID, sources)
		if err != nil {
			return nil, fmt.Errorf("cancel mooted tasks: %w", err)
		}
		out.Cancelled = res
		metrics.RecordCancelled(string(ev.Action), res.Tasks)
	}

	if ev.Action == db.ActionRescheduled {
		out.Reminders = e.reenqueue(ctx, ev)
	}

	defs, err := e.store.ActiveWorkflows(ctx, ev.Action)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}

	for _, def := range defs {
		for _, step := range def.Steps {
			if !step.Active {
				continue
			}
			out.Steps = append(out.Steps, e.scheduleStep(ctx, def, step, ev))
		}
	}

	e.logger.Info("lifecycle event processed",
		zap.String("booking_id", ev.BookingID),
		zap.String("action", string(ev.Action)),
		zap.Int("workflows", len(defs)),
		zap.Int("steps", len(out.Steps)),
		zap.Int("cancelled_tasks", out.Cancelled.Tasks),
	)
	return out, nil
}

func (e *Engine) reenqueue(ctx context.Context, ev Event) []ReminderOutcome {
	if e.reminders == nil || ev.StartsAt == nil {
		return nil
	}
	out := make([]ReminderOutcome, 0, len(ev.Reminders))
	for _, ch := range ev.Reminders {
		ro := ReminderOutcome{Channel: ch}
		res, err := e.reminders.EnqueueReminder(ctx, schedule.ReminderRequest{
			Channel:    ch,
			TriggerAt:  *ev.StartsAt,
			TriggerRef: ev.BookingID,
			Payload:    ev.Contact,
			SuppressOn: SuppressFor(db.SourceReminder),
		})
		if err != nil {
			ro.Error = err.Error()
		} else {
			ro.TaskID = &res.TaskID
			ro.FireTime = res.FireTime
			ro.Duplicate = res.Duplicate
		}
		out = append(out, ro)
	}
	return out
}

// HandleMessage decodes a queued lifecycle event and triggers it.
func (e *Engine) HandleMessage(ctx context.Context, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	_, err := e.Trigger(ctx, ev)
	return err
}

func (e *Engine) scheduleStep(ctx context.Context, def *db.WorkflowDefinition, step db.WorkflowStep, ev Event) StepOutcome {
	so := StepOutcome{
		WorkflowID:  def.ID,
		StepID:      step.ID,
		Channel:     step.Channel,
		TemplateRef: step.TemplateRef,
	}

	so.FireTime = e.projector.Project(step.Channel, ev.OccurredAt, step.DaysAfter, ev.BookingID)
	if !so.FireTime.After(e.clock.Now()) {
		so.Error = schedule.ErrPastFireTime.Error()
		return so
	}

	payload := ev.Contact
	payload.TemplateRef = step.TemplateRef
	recipient, err := schedule.Recipient(step.Channel, payload)
	if err != nil {
		so.Error = err.Error()
		return so
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		so.Error = err.Error()
		return so
	}

	source := def.TriggerAction.Source()
	key := schedule.DeriveKey(schedule.KeyInput{
		Namespace: "workflow",
		Channel:   string(step.Channel),
		Recipient: recipient,
		Ref:       ev.BookingID + "|" + def.ID.String() + "|" + step.TemplateRef + "|" + strconv.Itoa(step.Order),
	})

	log, created, err := e.store.RegisterWorkflowStep(ctx,
		&db.WorkflowExecutionLog{
			WorkflowID:  def.ID,
			StepID:      step.ID,
			BookingID:   ev.BookingID,
			TemplateRef: step.TemplateRef,
		},
		&db.ScheduledTask{
			IdempotencyKey: key.String(),
			Channel:        step.Channel,
			Class:          db.ClassWorkflow,
			ScheduledFor:   so.FireTime,
			TriggerAt:      ev.OccurredAt,
			TriggerRef:     ev.BookingID,
			Payload:        raw,
			MaxAttempts:    e.config.MaxAttempts,
			Source:         source,
			SuppressOn:     SuppressFor(source),
		},
	)
	if err != nil {
		e.logger.Error("failed to register workflow step",
			zap.String("booking_id", ev.BookingID),
			zap.String("workflow_id", def.ID.String()),
			zap.String("template_ref", step.TemplateRef),
			zap.Error(err),
		)
		so.Error = err.Error()
		return so
	}

	so.TaskID = &log.TaskID
	so.LogID = &log.ID
	so.Duplicate = !created
	metrics.RecordTaskEnqueued(string(step.Channel), string(db.ClassWorkflow), so.Duplicate)
	so.FireTime = log.ScheduledFor
	return so
}
