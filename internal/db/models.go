package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium of a task.
type Channel string

// Channel constants
const (
	ChannelCall     Channel = "call"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelAlert    Channel = "alert"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelCall, ChannelWhatsApp, ChannelEmail, ChannelAlert}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelCall, ChannelWhatsApp, ChannelEmail, ChannelAlert:
		return true
	}
	return false
}

// Class groups tasks for window gating. Reminders are time-critical and never
// gated; campaign and workflow tasks only dispatch inside their local window.
type Class string

const (
	ClassReminder Class = "reminder"
	ClassCampaign Class = "campaign"
	ClassWorkflow Class = "workflow"
)

// Classes lists every task class.
var Classes = []Class{ClassReminder, ClassCampaign, ClassWorkflow}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Source constants. Workflow tasks use SourceWorkflowPrefix + trigger action.
const (
	SourceReminder       = "reminder"
	SourceCampaign       = "campaign"
	SourceWorkflowPrefix = "workflow:"
)

// Batch status constants
const (
	BatchStatusActive    = "active"
	BatchStatusCancelled = "cancelled"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrNotClaimed is returned when a claim loses the pending -> processing race
	// or the task is no longer eligible.
	ErrNotClaimed = errors.New("task not claimed")

	// ErrInvalidTransition is returned when a status update is attempted from a
	// state that does not allow it.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ScheduledTask is one persisted delivery obligation.
type ScheduledTask struct {
	ID                uuid.UUID       `json:"id"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Channel           Channel         `json:"channel"`
	Class             Class           `json:"class"`
	Status            string          `json:"status"`
	ScheduledFor      time.Time       `json:"scheduled_for"`
	TriggerAt         time.Time       `json:"trigger_at"`
	TriggerRef        string          `json:"trigger_ref"`
	Payload           json.RawMessage `json:"payload"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	SkipReason        *string         `json:"skip_reason,omitempty"`
	Source            string          `json:"source"`
	SuppressOn        []string        `json:"suppress_on,omitempty"`
	BatchID           *uuid.UUID      `json:"batch_id,omitempty"`
	BatchIndex        *int            `json:"batch_index,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the task can no longer change status.
func (t *ScheduledTask) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// Payload is the addressing and content reference carried by a task.
// Which fields are required depends on the channel.
type Payload struct {
	Name        string            `json:"name,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Email       string            `json:"email,omitempty"`
	AlertTarget string            `json:"alert_target,omitempty"`
	TemplateRef string            `json:"template_ref"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// DispatchResult is what a successful send reports back to the store.
type DispatchResult struct {
	ProviderMessageID string
}

// DueFilter selects tasks for one sweep.
type DueFilter struct {
	Channel Channel
	Now     time.Time
	Limit   int
	// Classes restricts the result to the listed classes. Empty means none.
	Classes []Class
}

// BatchJob groups sibling tasks created together by the batch distributor.
type BatchJob struct {
	ID        uuid.UUID     `json:"id"`
	Channel   Channel       `json:"channel"`
	Size      int           `json:"size"`
	StartsAt  time.Time     `json:"starts_at"`
	Window    time.Duration `json:"window"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// TriggerAction is the booking lifecycle event a workflow reacts to.
type TriggerAction string

const (
	ActionNoShow      TriggerAction = "no_show"
	ActionCompleted   TriggerAction = "completed"
	ActionCancelled   TriggerAction = "cancelled"
	ActionRescheduled TriggerAction = "rescheduled"
	ActionPaid        TriggerAction = "paid"
	ActionCustom      TriggerAction = "custom"
)

// Valid reports whether a is a known trigger action.
func (a TriggerAction) Valid() bool {
	switch a {
	case ActionNoShow, ActionCompleted, ActionCancelled, ActionRescheduled, ActionPaid, ActionCustom:
		return true
	}
	return false
}

// Source returns the task source tag for tasks created by workflows on a.
func (a TriggerAction) Source() string {
	return SourceWorkflowPrefix + string(a)
}

// WorkflowDefinition maps a trigger action to ordered notification steps.
type WorkflowDefinition struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	TriggerAction TriggerAction  `json:"trigger_action"`
	Active        bool           `json:"active"`
	Steps         []WorkflowStep `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// WorkflowStep is one timed, templated send inside a workflow.
type WorkflowStep struct {
	ID          uuid.UUID `json:"id"`
	Channel     Channel   `json:"channel"`
	DaysAfter   int       `json:"days_after"`
	TemplateRef string    `json:"template_ref"`
	Order       int       `json:"order"`
	Active      bool      `json:"active"`
}

// Execution log status constants
const (
	LogStatusPending   = "pending"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
	LogStatusCancelled = "cancelled"
)

// WorkflowExecutionLog is the audit row for one (workflow, step, booking).
type WorkflowExecutionLog struct {
	ID           uuid.UUID  `json:"id"`
	WorkflowID   uuid.UUID  `json:"workflow_id"`
	StepID       uuid.UUID  `json:"step_id"`
	BookingID    string     `json:"booking_id"`
	TemplateRef  string     `json:"template_ref"`
	TaskID       uuid.UUID  `json:"task_id"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Booking status values seen in snapshots.
const (
	BookingScheduled = "scheduled"
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
	BookingNoShow    = "no_show"
	BookingPaid      = "paid"
)

// BookingSnapshot is the read-only view of a booking used to re-validate
// dispatch-time preconditions.
type BookingSnapshot struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	StartsAt time.Time `json:"starts_at"`
	Timezone string    `json:"timezone,omitempty"`
}

// CancelResult counts rows flipped by a fan-out cancellation.
type CancelResult struct {
	Tasks int `json:"tasks"`
	Logs  int `json:"logs"`
}
