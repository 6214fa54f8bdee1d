package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/window"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeDeduper struct {
	seen     map[string]bool
	err      error
	released []string
}

func (f *fakeDeduper) Release(ctx context.Context, key string) error {
	delete(f.seen, key)
	f.released = append(f.released, key)
	return nil
}

func (f *fakeDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func setupEngine(t *testing.T, dedupe Deduper) (*Engine, *db.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryStore(zap.NewNop())

	defs := []*db.WorkflowDefinition{
		{
			Name:          "no-show recovery",
			TriggerAction: db.ActionNoShow,
			Active:        true,
			Steps: []db.WorkflowStep{
				{Channel: db.ChannelWhatsApp, DaysAfter: 0, TemplateRef: "missed_you", Order: 1, Active: true},
				{Channel: db.ChannelEmail, DaysAfter: 1, TemplateRef: "rebook", Order: 2, Active: true},
				{Channel: db.ChannelEmail, DaysAfter: 3, TemplateRef: "disabled", Order: 3, Active: false},
			},
		},
		{
			Name:          "thank you",
			TriggerAction: db.ActionPaid,
			Active:        true,
			Steps: []db.WorkflowStep{
				{Channel: db.ChannelEmail, DaysAfter: 0, TemplateRef: "receipt", Order: 1, Active: true},
			},
		},
	}
	for _, d := range defs {
		if err := store.CreateWorkflow(ctx, d); err != nil {
			t.Fatalf("create workflow: %v", err)
		}
	}

	engine := NewEngine(store, window.NewProjector(time.UTC, nil), nil, clock.NewFake(testNow), dedupe, Config{}, zap.NewNop())
	return engine, store
}

func noShow() Event {
	return Event{
		BookingID:  "booking-1",
		Action:     db.ActionNoShow,
		OccurredAt: testNow,
		Contact:    db.Payload{Name: "Ravi", Phone: "+15550001111", Email: "ravi@example.com"},
	}
}

func TestTrigger_SchedulesActiveSteps(t *testing.T) {
	engine, store := setupEngine(t, nil)
	ctx := context.Background()

	out, err := engine.Trigger(ctx, noShow())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(out.Steps) != 2 {
		t.Fatalf("expected 2 active steps, got %d", len(out.Steps))
	}

	email := out.Steps[1]
	if want := time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC); !email.FireTime.Equal(want) {
		t.Errorf("email fire time %v, want %v", email.FireTime, want)
	}
	wa := out.Steps[0]
	if h := wa.FireTime.Hour(); h < 20 || h >= 22 || wa.FireTime.Day() != 10 {
		t.Errorf("whatsapp fire time %v outside 20:00-22:00 on the 10th", wa.FireTime)
	}

	logs, _ := store.ListExecutionLogs(ctx, "booking-1")
	if len(logs) != 2 {
		t.Errorf("expected 2 execution logs, got %d", len(logs))
	}

	task, err := store.GetTask(ctx, *email.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Source != db.ActionNoShow.Source() || task.Class != db.ClassWorkflow {
		t.Errorf("unexpected task tags: %s/%s", task.Source, task.Class)
	}
	if len(task.SuppressOn) == 0 {
		t.Error("expected no-show tasks to carry suppress statuses")
	}
}

func TestTrigger_DuplicateEventIsIdempotent(t *testing.T) {
	engine, store := setupEngine(t, nil)
	ctx := context.Background()

	first, err := engine.Trigger(ctx, noShow())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := engine.Trigger(ctx, noShow())
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	for i := range second.Steps {
		if !second.Steps[i].Duplicate || *second.Steps[i].LogID != *first.Steps[i].LogID {
			t.Errorf("step %d duplicated", i)
		}
	}

	tasks, _ := store.ListTasksByTrigger(ctx, "booking-1", 100)
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks after duplicate trigger, got %d", len(tasks))
	}
}

func TestTrigger_PaidCancelsNoShowSequence(t *testing.T) {
	engine, store := setupEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.Trigger(ctx, noShow()); err != nil {
		t.Fatalf("no-show: %v", err)
	}

	paid := noShow()
	paid.Action = db.ActionPaid
	out, err := engine.Trigger(ctx, paid)
	if err != nil {
		t.Fatalf("paid: %v", err)
	}
	if out.Cancelled.Tasks != 2 || out.Cancelled.Logs != 2 {
		t.Errorf("expected 2 tasks and 2 logs cancelled, got %+v", out.Cancelled)
	}

	tasks, _ := store.ListTasksByTrigger(ctx, "booking-1", 100)
	for _, task := range tasks {
		if task.Source == db.ActionNoShow.Source() && !task.Terminal() {
			t.Errorf("no-show task %s still %s", task.ID, task.Status)
		}
	}
	logs, _ := store.ListExecutionLogs(ctx, "booking-1")
	for _, l := range logs {
		if l.TemplateRef != "receipt" && l.Status != db.LogStatusCancelled {
			t.Errorf("no-show log %s still %s", l.TemplateRef, l.Status)
		}
	}
}

func TestTrigger_RescheduleCancelsEverything(t *testing.T) {
	engine, store := setupEngine(t, nil)
	ctx := context.Background()

	enq := schedule.NewEnqueuer(store, clock.NewFake(testNow), schedule.Config{}, zap.NewNop())
	if _, err := enq.EnqueueReminder(ctx, schedule.ReminderRequest{
		Channel:    db.ChannelCall,
		TriggerAt:  testNow.Add(2 * time.Hour),
		TriggerRef: "booking-1",
		Payload:    db.Payload{Phone: "+15550001111"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := engine.Trigger(ctx, noShow()); err != nil {
		t.Fatalf("no-show: %v", err)
	}

	resched := noShow()
	resched.Action = db.ActionRescheduled
	out, err := engine.Trigger(ctx, resched)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if out.Cancelled.Tasks != 3 {
		t.Errorf("expected 3 tasks cancelled, got %d", out.Cancelled.Tasks)
	}
}

func TestTrigger_RescheduleReenqueuesReminders(t *testing.T) {
	store := db.NewMemoryStore(zap.NewNop())
	clk := clock.NewFake(testNow)
	enq := schedule.NewEnqueuer(store, clk, schedule.Config{}, zap.NewNop())
	engine := NewEngine(store, window.NewProjector(time.UTC, nil), enq, clk, nil, Config{}, zap.NewNop())
	ctx := context.Background()

	oldStart := testNow.Add(2 * time.Hour)
	if _, err := enq.EnqueueReminder(ctx, schedule.ReminderRequest{
		Channel:    db.ChannelCall,
		TriggerAt:  oldStart,
		TriggerRef: "booking-1",
		Payload:    db.Payload{Phone: "+15550001111"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	newStart := testNow.Add(26 * time.Hour)
	ev := noShow()
	ev.Action = db.ActionRescheduled
	ev.StartsAt = &newStart
	ev.Reminders = []db.Channel{db.ChannelCall}

	out, err := engine.Trigger(ctx, ev)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if out.Cancelled.Tasks != 1 {
		t.Errorf("expected old reminder cancelled, got %d", out.Cancelled.Tasks)
	}
	if len(out.Reminders) != 1 || out.Reminders[0].TaskID == nil {
		t.Fatalf("expected one re-enqueued reminder, got %+v", out.Reminders)
	}
	if want := newStart.Add(-10 * time.Minute); !out.Reminders[0].FireTime.Equal(want) {
		t.Errorf("fire time %v, want %v", out.Reminders[0].FireTime, want)
	}

	task, err := store.GetTask(ctx, *out.Reminders[0].TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != db.StatusPending || len(task.SuppressOn) != 1 || task.SuppressOn[0] != db.BookingCancelled {
		t.Errorf("unexpected reminder task: %s %v", task.Status, task.SuppressOn)
	}
}

func TestHandleMessage(t *testing.T) {
	engine, store := setupEngine(t, nil)
	ctx := context.Background()

	body := []byte(`{"event_id":"evt-1","booking_id":"booking-1","action":"no_show","occurred_at":"2026-03-10T09:00:00Z","contact":{"phone":"+15550001111","email":"ravi@example.com"}}`)
	if err := engine.HandleMessage(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	logs, _ := store.ListExecutionLogs(ctx, "booking-1")
	if len(logs) != 2 {
		t.Errorf("expected 2 execution logs, got %d", len(logs))
	}

	if err := engine.HandleMessage(ctx, []byte("not json")); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestTrigger_PastStepRejected(t *testing.T) {
	engine, _ := setupEngine(t, nil)

	ev := noShow()
	ev.OccurredAt = testNow.AddDate(0, 0, -5)
	out, err := engine.Trigger(context.Background(), ev)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	for _, s := range out.Steps {
		if s.TaskID != nil || s.Error == "" {
			t.Errorf("expected step %s rejected as past", s.TemplateRef)
		}
	}
}

func TestTrigger_Dedupe(t *testing.T) {
	dedupe := &fakeDeduper{seen: map[string]bool{}}
	engine, _ := setupEngine(t, dedupe)
	ctx := context.Background()

	ev := noShow()
	ev.ID = "evt-1"
	if out, err := engine.Trigger(ctx, ev); err != nil || out.Duplicate {
		t.Fatalf("first: %+v, %v", out, err)
	}
	out, err := engine.Trigger(ctx, ev)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !out.Duplicate || len(out.Steps) != 0 {
		t.Errorf("expected short-circuited duplicate, got %+v", out)
	}
}

func TestTrigger_DedupeErrorFallsThrough(t *testing.T) {
	engine, _ := setupEngine(t, &fakeDeduper{err: errors.New("redis down")})

	ev := noShow()
	ev.ID = "evt-1"
	out, err := engine.Trigger(context.Background(), ev)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Duplicate || len(out.Steps) != 2 {
		t.Errorf("expected normal processing, got %+v", out)
	}
}

func TestTrigger_InvalidEvent(t *testing.T) {
	engine, _ := setupEngine(t, nil)
	tests := []Event{
		{Action: db.ActionPaid},
		{BookingID: "b", Action: "exploded"},
	}
	for _, ev := range tests {
		if _, err := engine.Trigger(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent for %+v, got %v", ev, err)
		}
	}
}

func TestSuppressFor(t *testing.T) {
	tests := []struct {
		source string
		want   []string
	}{
		{db.SourceReminder, []string{"cancelled"}},
		{db.ActionNoShow.Source(), []string{"paid", "cancelled", "completed"}},
		{db.ActionCancelled.Source(), []string{"paid"}},
		{db.ActionCompleted.Source(), []string{"cancelled"}},
		{db.ActionPaid.Source(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			got := SuppressFor(tt.source)
			if len(got) != len(tt.want) {
				t.Fatalf("SuppressFor(%s) = %v, want %v", tt.source, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("SuppressFor(%s) = %v, want %v", tt.source, got, tt.want)
				}
			}
		})
	}
}

type failingStore struct {
	Store
}

func (failingStore) CancelByTrigger(ctx context.Context, ref string, sources []string) (db.CancelResult, error) {
	return db.CancelResult{}, errors.New("db down")
}

func TestTrigger_FailureReleasesReservation(t *testing.T) {
	dedupe := &fakeDeduper{seen: map[string]bool{}}
	mem := db.NewMemoryStore(zap.NewNop())
	engine := NewEngine(failingStore{Store: mem}, window.NewProjector(time.UTC, nil), nil, clock.NewFake(testNow), dedupe, Config{}, zap.NewNop())

	ev := noShow()
	ev.ID = "evt-9"
	ev.Action = db.ActionPaid
	if _, err := engine.Trigger(context.Background(), ev); err == nil {
		t.Fatal("expected store error")
	}
	if len(dedupe.released) != 1 || dedupe.released[0] != "evt-9" {
		t.Errorf("expected reservation released, got %v", dedupe.released)
	}
}
