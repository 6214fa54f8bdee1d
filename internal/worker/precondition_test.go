package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/db"
)

type errBookings struct{}

func (errBookings) BookingSnapshot(ctx context.Context, id string) (*db.BookingSnapshot, error) {
	return nil, errors.New("connection reset")
}

func TestPrecondition_Check(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := db.NewMemoryStore(zap.NewNop())
	store.PutBooking(db.BookingSnapshot{ID: "paid", Status: db.BookingPaid, StartsAt: start})
	store.PutBooking(db.BookingSnapshot{ID: "moved", Status: db.BookingScheduled, StartsAt: start.Add(time.Hour)})
	store.PutBooking(db.BookingSnapshot{ID: "ok", Status: db.BookingScheduled, StartsAt: start})

	pre := NewPrecondition(store, zap.NewNop())

	tests := []struct {
		name       string
		task       db.ScheduledTask
		wantReason string
	}{
		{
			name:       "suppressed status",
			task:       db.ScheduledTask{TriggerRef: "paid", Class: db.ClassWorkflow, SuppressOn: []string{"paid"}},
			wantReason: "booking paid",
		},
		{
			name: "status not in suppress list",
			task: db.ScheduledTask{TriggerRef: "paid", Class: db.ClassWorkflow, SuppressOn: []string{"cancelled"}},
		},
		{
			name:       "reminder for moved booking",
			task:       db.ScheduledTask{TriggerRef: "moved", Class: db.ClassReminder, TriggerAt: start},
			wantReason: "booking rescheduled",
		},
		{
			name: "reminder still valid",
			task: db.ScheduledTask{TriggerRef: "ok", Class: db.ClassReminder, TriggerAt: start},
		},
		{
			name: "unknown booking proceeds",
			task: db.ScheduledTask{TriggerRef: "lead-7", Class: db.ClassCampaign, SuppressOn: []string{"paid"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := pre.Check(context.Background(), &tt.task)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestPrecondition_StoreError(t *testing.T) {
	pre := NewPrecondition(errBookings{}, zap.NewNop())
	if _, err := pre.Check(context.Background(), &db.ScheduledTask{TriggerRef: "b"}); err == nil {
		t.Fatal("expected error")
	}

	var nilPre *Precondition
	if reason, err := nilPre.Check(context.Background(), &db.ScheduledTask{TriggerRef: "b"}); reason != "" || err != nil {
		t.Errorf("nil precondition should pass, got %q %v", reason, err)
	}
}
