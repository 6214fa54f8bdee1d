package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
)

// BookingReader looks up the current state of a booking.
type BookingReader interface {
	BookingSnapshot(ctx context.Context, id string) (*db.BookingSnapshot, error)
}

// Precondition re-validates a claimed task against the booking it was
// created for. A non-empty reason means the task must be skipped.
type Precondition struct {
	bookings BookingReader
	logger   *zap.Logger
}

func NewPrecondition(bookings BookingReader, logger *zap.Logger) *Precondition {
	return &Precondition{bookings: bookings, logger: logger}
}

// Check returns a skip reason, or "" when the task may be sent. Unknown
// bookings (ad-hoc triggers, campaign leads) pass.
func (p *Precondition) Check(ctx context.Context, task *db.ScheduledTask) (string, error) {
	if p == nil || p.bookings == nil || task.TriggerRef == "" {
		return "", nil
	}

	snap, err := p.bookings.BookingSnapshot(ctx, task.TriggerRef)
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("booking snapshot: %w", err)
	}

	if slices.Contains(task.SuppressOn, snap.Status) {
		return "booking " + snap.Status, nil
	}

	// A reminder is only valid for the start time it was computed from.
	if task.Class == db.ClassReminder && !snap.StartsAt.IsZero() && !snap.StartsAt.Equal(task.TriggerAt) {
		p.logger.Debug("reminder trigger moved",
			zap.String("task_id", task.ID.String()),
			zap.Time("trigger_at", task.TriggerAt),
			zap.Time("starts_at", snap.StartsAt),
		)
		return "booking rescheduled", nil
	}
	return "", nil
}
