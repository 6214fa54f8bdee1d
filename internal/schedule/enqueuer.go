package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
)

// DefaultOffsets are the reminder lead times relative to the meeting start.
var DefaultOffsets = map[db.Channel]time.Duration{
	db.ChannelCall:     -10 * time.Minute,
	db.ChannelWhatsApp: -5 * time.Minute,
	db.ChannelAlert:    -3 * time.Minute,
	db.ChannelEmail:    -15 * time.Minute,
}

// DefaultChain schedules a WhatsApp nudge once the call reminder has gone out.
var DefaultChain = map[db.Channel]db.Channel{
	db.ChannelCall: db.ChannelWhatsApp,
}

// TaskStore is the subset of the task store the enqueuer writes to.
type TaskStore interface {
	RegisterTask(ctx context.Context, t *db.ScheduledTask) (*db.ScheduledTask, bool, error)
}

// Config controls offsets, chaining and attempt budgets.
type Config struct {
	Offsets     map[db.Channel]time.Duration
	Chain       map[db.Channel]db.Channel
	MaxAttempts int
}

// ReminderRequest asks for one reminder relative to a meeting start.
type ReminderRequest struct {
	Channel    db.Channel
	TriggerAt  time.Time
	TriggerRef string
	Payload    db.Payload
	SuppressOn []string
	// Offset overrides the channel default when non-nil.
	Offset *time.Duration
}

// Result reports the outcome of an enqueue.
type Result struct {
	TaskID    uuid.UUID
	FireTime  time.Time
	Duplicate bool
	Task      *db.ScheduledTask
}

// Enqueuer computes fire times and registers reminder tasks.
type Enqueuer struct {
	store  TaskStore
	clock  clock.Clock
	config Config
	logger *zap.Logger
}

// NewEnqueuer creates an enqueuer with defaults for unset config.
func NewEnqueuer(store TaskStore, clk clock.Clock, cfg Config, logger *zap.Logger) *Enqueuer {
	if cfg.Offsets == nil {
		cfg.Offsets = DefaultOffsets
	}
	if cfg.Chain == nil {
		cfg.Chain = DefaultChain
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}

	return &Enqueuer{
		store:  store,
		clock:  clk,
		config: cfg,
		logger: logger,
	}
}

// Offset returns the configured lead time for channel.
func (e *Enqueuer) Offset(channel db.Channel) (time.Duration, bool) {
	off, ok := e.config.Offsets[channel]
	return off, ok
}

// EnqueueReminder validates the request, computes fireTime = T + offset and
// writes exactly one task. A repeated request returns the existing task with
// Duplicate set.
func (e *Enqueuer) EnqueueReminder(ctx context.Context, req ReminderRequest) (*Result, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, req.Channel)
	}

	offset, ok := e.config.Offsets[req.Channel]
	if req.Offset != nil {
		offset, ok = *req.Offset, true
	}
	if !ok {
		return nil, fmt.Errorf("%w: no offset for %s", ErrUnknownChannel, req.Channel)
	}

	recipient, err := Recipient(req.Channel, req.Payload)
	if err != nil {
		return nil, err
	}

	fireTime := req.TriggerAt.Add(offset)
	now := e.clock.Now()
	if !fireTime.After(now) {
		return nil, fmt.Errorf("%w: %s fires at %s, now %s", ErrPastFireTime,
			req.Channel, fireTime.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	key := DeriveKey(KeyInput{
		Namespace: db.SourceReminder,
		Channel:   string(req.Channel),
		Recipient: recipient,
		TriggerAt: req.TriggerAt,
		Offset:    offset,
		Ref:       req.TriggerRef,
	})

	task, created, err := e.store.RegisterTask(ctx, &db.ScheduledTask{
		IdempotencyKey: key.String(),
		Channel:        req.Channel,
		Class:          db.ClassReminder,
		ScheduledFor:   fireTime,
		TriggerAt:      req.TriggerAt,
		TriggerRef:     req.TriggerRef,
		Payload:        payload,
		MaxAttempts:    e.config.MaxAttempts,
		Source:         db.SourceReminder,
		SuppressOn:     req.SuppressOn,
	})
	if err != nil {
		return nil, fmt.Errorf("register reminder: %w", err)
	}

	if created {
		e.logger.Info("reminder scheduled",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", string(task.Channel)),
			zap.String("trigger_ref", task.TriggerRef),
			zap.Time("scheduled_for", task.ScheduledFor),
		)
	} else {
		e.logger.Debug("duplicate reminder suppressed",
			zap.String("task_id", task.ID.String()),
			zap.String("trigger_ref", task.TriggerRef),
		)
	}

	return &Result{
		TaskID:    task.ID,
		FireTime:  task.ScheduledFor,
		Duplicate: !created,
		Task:      task,
	}, nil
}

// ScheduleNext enqueues the chained reminder that follows a completed one.
// It returns (nil, nil) when the task has no successor. A successor whose
// fire time has already passed yields ErrPastFireTime.
func (e *Enqueuer) ScheduleNext(ctx context.Context, done *db.ScheduledTask) (*Result, error) {
	if done.Class != db.ClassReminder || done.Source != db.SourceReminder {
		return nil, nil
	}
	next, ok := e.config.Chain[done.Channel]
	if !ok {
		return nil, nil
	}

	payload, err := DecodePayload(done.Payload)
	if err != nil {
		return nil, err
	}

	res, err := e.EnqueueReminder(ctx, ReminderRequest{
		Channel:    next,
		TriggerAt:  done.TriggerAt,
		TriggerRef: done.TriggerRef,
		Payload:    payload,
		SuppressOn: done.SuppressOn,
	})
	if err != nil {
		if errors.Is(err, ErrPastFireTime) {
			e.logger.Info("chained reminder skipped, fire time passed",
				zap.String("task_id", done.ID.String()),
				zap.String("next_channel", string(next)),
			)
		}
		return nil, err
	}
	return res, nil
}
