package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/schedule"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestSpread_SevenOverAnHour(t *testing.T) {
	start := testNow.Add(time.Hour)
	got := Spread(start, 60*time.Minute, 7)

	if len(got) != 7 {
		t.Fatalf("expected 7 times, got %d", len(got))
	}
	for i, at := range got {
		want := start.Add(time.Duration(i) * 10 * time.Minute)
		if !at.Equal(want) {
			t.Errorf("time[%d] = %v, want %v", i, at, want)
		}
	}
}

func TestSpread_Monotonic(t *testing.T) {
	start := testNow
	windows := []time.Duration{time.Minute, 7 * time.Second, 60 * time.Minute, 13*time.Hour + 17*time.Second}

	for _, window := range windows {
		for n := 2; n <= 50; n++ {
			t.Run(fmt.Sprintf("%s/%d", window, n), func(t *testing.T) {
				got := Spread(start, window, n)
				if !got[0].Equal(start) {
					t.Errorf("first = %v, want %v", got[0], start)
				}
				if !got[n-1].Equal(start.Add(window)) {
					t.Errorf("last = %v, want %v", got[n-1], start.Add(window))
				}
				for i := 1; i < n; i++ {
					if got[i].Before(got[i-1]) {
						t.Fatalf("time[%d] before time[%d]", i, i-1)
					}
				}
			})
		}
	}
}

func TestSpread_Edges(t *testing.T) {
	if got := Spread(testNow, time.Hour, 1); len(got) != 1 || !got[0].Equal(testNow) {
		t.Errorf("single recipient should fire at start, got %v", got)
	}
	if got := Spread(testNow, time.Hour, 0); got != nil {
		t.Errorf("expected nil for zero recipients, got %v", got)
	}
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{
			Ref:     fmt.Sprintf("lead-%d", i),
			Payload: db.Payload{Email: fmt.Sprintf("lead%d@example.com", i), TemplateRef: "promo"},
		}
	}
	return out
}

func newTestDistributor() (*Distributor, *db.MemoryStore) {
	store := db.NewMemoryStore(zap.NewNop())
	return NewDistributor(store, clock.NewFake(testNow), Config{}, zap.NewNop()), store
}

func TestDistribute_RegistersBatch(t *testing.T) {
	dist, store := newTestDistributor()
	ctx := context.Background()
	start := testNow.Add(time.Hour)

	res, err := dist.Distribute(ctx, Request{
		Channel:    db.ChannelEmail,
		Campaign:   "spring",
		StartsAt:   start,
		Window:     time.Hour,
		Recipients: recipients(7),
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if res.Batch.Size != 7 || res.Batch.Status != db.BatchStatusActive {
		t.Errorf("unexpected batch header: %+v", res.Batch)
	}

	for i, out := range res.Outcomes {
		if out.TaskID == nil {
			t.Fatalf("recipient %d not registered: %s", i, out.Error)
		}
		task, err := store.GetTask(ctx, *out.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if want := start.Add(time.Duration(i) * 10 * time.Minute); !task.ScheduledFor.Equal(want) {
			t.Errorf("task %d scheduled %v, want %v", i, task.ScheduledFor, want)
		}
		if task.Class != db.ClassCampaign || *task.BatchID != res.Batch.ID || *task.BatchIndex != i {
			t.Errorf("task %d not tagged with batch", i)
		}
	}
}

func TestDistribute_ResubmitIsIdempotent(t *testing.T) {
	dist, _ := newTestDistributor()
	ctx := context.Background()
	req := Request{
		Channel:    db.ChannelEmail,
		Campaign:   "spring",
		StartsAt:   testNow.Add(time.Hour),
		Window:     time.Hour,
		Recipients: recipients(3),
	}

	first, err := dist.Distribute(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := dist.Distribute(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	for i := range second.Outcomes {
		if !second.Outcomes[i].Duplicate || *second.Outcomes[i].TaskID != *first.Outcomes[i].TaskID {
			t.Errorf("recipient %d duplicated", i)
		}
	}
	if second.Batch.ID != first.Batch.ID {
		t.Errorf("resubmit created batch %s, want %s", second.Batch.ID, first.Batch.ID)
	}
}

func TestDistribute_CancelAfterResubmit(t *testing.T) {
	dist, store := newTestDistributor()
	ctx := context.Background()
	req := Request{
		Channel:    db.ChannelEmail,
		Campaign:   "spring",
		StartsAt:   testNow.Add(time.Hour),
		Window:     time.Hour,
		Recipients: recipients(3),
	}

	if _, err := dist.Distribute(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := dist.Distribute(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	cancelled, err := dist.CancelBatch(ctx, second.Batch.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Tasks != 3 {
		t.Errorf("expected 3 cancelled, got %d", cancelled.Tasks)
	}
	for _, out := range second.Outcomes {
		task, _ := store.GetTask(ctx, *out.TaskID)
		if task.Status != db.StatusCancelled {
			t.Errorf("task %d still %s", out.Index, task.Status)
		}
	}

	// Relaunching a cancelled campaign reactivates the same header.
	third, err := dist.Distribute(ctx, req)
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if third.Batch.ID != second.Batch.ID || third.Batch.Status != db.BatchStatusActive {
		t.Errorf("relaunch batch = %s %s", third.Batch.ID, third.Batch.Status)
	}
	if third.Outcomes[0].Duplicate {
		t.Error("cancelled tasks should not block a relaunch")
	}
}

func TestBatchID(t *testing.T) {
	start := testNow.Add(time.Hour)
	a := BatchID("spring", db.ChannelEmail, start)
	if a != BatchID("spring", db.ChannelEmail, start.In(time.FixedZone("X", 3600))) {
		t.Error("same campaign should map to the same batch")
	}
	if a == BatchID("spring", db.ChannelWhatsApp, start) || a == BatchID("spring", db.ChannelEmail, start.Add(time.Minute)) {
		t.Error("channel and start must change the batch")
	}
	if BatchID("", db.ChannelEmail, start) == BatchID("", db.ChannelEmail, start) {
		t.Error("unnamed campaigns should get fresh batches")
	}
}

func TestDistribute_SuppressOnDefault(t *testing.T) {
	dist, store := newTestDistributor()
	ctx := context.Background()
	base := Request{
		Channel:    db.ChannelEmail,
		StartsAt:   testNow.Add(time.Hour),
		Window:     time.Hour,
		Recipients: recipients(1),
	}

	res, err := dist.Distribute(ctx, base)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	task, _ := store.GetTask(ctx, *res.Outcomes[0].TaskID)
	if len(task.SuppressOn) != 1 || task.SuppressOn[0] != db.BookingPaid {
		t.Errorf("suppress_on = %v, want [%s]", task.SuppressOn, db.BookingPaid)
	}

	custom := base
	custom.Campaign = "custom"
	custom.SuppressOn = []string{db.BookingCancelled, db.BookingPaid}
	res, err = dist.Distribute(ctx, custom)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	task, _ = store.GetTask(ctx, *res.Outcomes[0].TaskID)
	if len(task.SuppressOn) != 2 {
		t.Errorf("explicit suppress_on not kept: %v", task.SuppressOn)
	}
}

func TestDistribute_InvalidRecipientReported(t *testing.T) {
	dist, _ := newTestDistributor()
	rcpts := recipients(3)
	rcpts[1].Payload.Email = "nope"

	res, err := dist.Distribute(context.Background(), Request{
		Channel:    db.ChannelEmail,
		StartsAt:   testNow.Add(time.Hour),
		Window:     time.Hour,
		Recipients: rcpts,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if res.Outcomes[1].TaskID != nil || res.Outcomes[1].Error == "" {
		t.Errorf("expected recipient 1 rejected, got %+v", res.Outcomes[1])
	}
	if res.Outcomes[0].TaskID == nil || res.Outcomes[2].TaskID == nil {
		t.Error("expected valid recipients registered")
	}
}

func TestDistribute_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "empty",
			req:     Request{Channel: db.ChannelEmail, StartsAt: testNow.Add(time.Hour), Window: time.Hour},
			wantErr: ErrEmptyBatch,
		},
		{
			name:    "past start",
			req:     Request{Channel: db.ChannelEmail, StartsAt: testNow, Window: time.Hour, Recipients: recipients(2)},
			wantErr: schedule.ErrPastFireTime,
		},
		{
			name:    "negative window",
			req:     Request{Channel: db.ChannelEmail, StartsAt: testNow.Add(time.Hour), Window: -time.Minute, Recipients: recipients(2)},
			wantErr: ErrInvalidWindow,
		},
		{
			name: "whatsapp too dense",
			req: Request{
				Channel:    db.ChannelWhatsApp,
				StartsAt:   testNow.Add(time.Hour),
				Window:     time.Second,
				Recipients: recipients(20),
			},
			wantErr: ErrSpacingTooTight,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist, _ := newTestDistributor()
			if _, err := dist.Distribute(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCancelBatch(t *testing.T) {
	dist, store := newTestDistributor()
	ctx := context.Background()

	res, err := dist.Distribute(ctx, Request{
		Channel:    db.ChannelEmail,
		StartsAt:   testNow.Add(time.Hour),
		Window:     time.Hour,
		Recipients: recipients(4),
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	cancelled, err := dist.CancelBatch(ctx, res.Batch.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Tasks != 4 {
		t.Errorf("expected 4 cancelled, got %d", cancelled.Tasks)
	}

	for _, out := range res.Outcomes {
		task, _ := store.GetTask(ctx, *out.TaskID)
		if task.Status != db.StatusCancelled {
			t.Errorf("task %d still %s", out.Index, task.Status)
		}
	}
}
