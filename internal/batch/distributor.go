// Package batch spreads bulk sends evenly over a window and registers them
// as one cancellable batch.
package batch

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
	"github.com/lalithlochan/followup/internal/schedule"
)

var (
	// ErrEmptyBatch is returned when a batch has no recipients.
	ErrEmptyBatch = errors.New("batch has no recipients")

	// ErrSpacingTooTight is returned when the window cannot hold the batch at
	// the channel's pacing.
	ErrSpacingTooTight = errors.New("batch spacing below channel pacing")

	// ErrInvalidWindow is returned for a negative spread window.
	ErrInvalidWindow = errors.New("invalid batch window")
)

// DefaultSuppressOn skips campaign sends to bookings that have already
// converted.
var DefaultSuppressOn = []string{db.BookingPaid}

// batchNamespace seeds deterministic ids for named campaigns.
var batchNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e4f-9a10-2c3d4e5f6a7b")

// DefaultPacing is the minimum gap between consecutive sends per channel.
// WhatsApp is capped at 10 messages per second; email is bounded by
// in-flight concurrency at dispatch instead.
var DefaultPacing = map[db.Channel]time.Duration{
	db.ChannelWhatsApp: 100 * time.Millisecond,
}

// Spread returns n fire times evenly spaced over [start, start+window].
// The first is start and, for n > 1, the last is exactly start+window.
func Spread(start time.Time, window time.Duration, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []time.Time{start}
	}

	times := make([]time.Time, n)
	last := int64(n - 1)
	for i := range times {
		times[i] = start.Add(time.Duration(int64(window) * int64(i) / last))
	}
	return times
}

// Store is the subset of the task store the distributor needs.
type Store interface {
	CreateBatch(ctx context.Context, b *db.BatchJob) error
	RegisterTask(ctx context.Context, t *db.ScheduledTask) (*db.ScheduledTask, bool, error)
	CancelBatch(ctx context.Context, id uuid.UUID) (db.CancelResult, error)
}

// Recipient is one member of a batch.
type Recipient struct {
	// Ref correlates the task with a business entity, e.g. a booking or lead id.
	Ref     string     `json:"ref"`
	Payload db.Payload `json:"payload"`
}

// Request describes a bulk send.
type Request struct {
	Channel db.Channel
	// Campaign names the send; resubmitting the same campaign does not
	// duplicate tasks.
	Campaign   string
	StartsAt   time.Time
	Window     time.Duration
	Recipients []Recipient
	// SuppressOn lists booking statuses that skip a send at dispatch. Nil
	// means DefaultSuppressOn; an empty slice disables the check.
	SuppressOn []string
}

// Outcome is the per-recipient result of a distribution.
type Outcome struct {
	Index     int        `json:"index"`
	Ref       string     `json:"ref"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	FireTime  time.Time  `json:"fire_time"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Result is the created batch plus per-recipient outcomes.
type Result struct {
	Batch    *db.BatchJob `json:"batch"`
	Outcomes []Outcome    `json:"outcomes"`
}

// Config controls pacing and attempt budgets.
type Config struct {
	Pacing      map[db.Channel]time.Duration
	MaxAttempts int
}

// Distributor registers spread-out campaign tasks.
type Distributor struct {
	store  Store
	clock  clock.Clock
	config Config
	logger *zap.Logger
}

// NewDistributor creates a distributor.
func NewDistributor(store Store, clk clock.Clock, cfg Config, logger *zap.Logger) *Distributor {
	if cfg.Pacing == nil {
		cfg.Pacing = DefaultPacing
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Distributor{
		store:  store,
		clock:  clk,
		config: cfg,
		logger: logger,
	}
}

func (d *Distributor) validate(req Request) error {
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: %s", schedule.ErrUnknownChannel, req.Channel)
	}
	if len(req.Recipients) == 0 {
		return ErrEmptyBatch
	}
	if req.Window < 0 {
		return fmt.Errorf("%w: negative window %s", ErrInvalidWindow, req.Window)
	}
	if now := d.clock.Now(); !req.StartsAt.After(now) {
		return fmt.Errorf("%w: batch starts at %s", schedule.ErrPastFireTime, req.StartsAt.Format(time.RFC3339))
	}

	if n := len(req.Recipients); n > 1 {
		spacing := req.Window / time.Duration(n-1)
		if pace := d.config.Pacing[req.Channel]; spacing < pace {
			return fmt.Errorf("%w: %s between sends, %s needs %s", ErrSpacingTooTight, spacing, req.Channel, pace)
		}
	}
	return nil
}

// BatchID returns the batch id a named campaign always maps to, so a
// resubmission lands on the same header as its tasks. Unnamed campaigns get
// a fresh id.
func BatchID(campaign string, channel db.Channel, startsAt time.Time) uuid.UUID {
	if campaign == "" {
		return uuid.New()
	}
	name := campaign + "|" + string(channel) + "|" + strconv.FormatInt(startsAt.UTC().UnixNano(), 10)
	return uuid.NewSHA1(batchNamespace, []byte(name))
}

// Distribute validates the request, creates the batch header and registers
// one campaign task per recipient. Recipients with bad addresses are reported
// in their outcome and do not fail the batch.
func (d *Distributor) Distribute(ctx context.Context, req Request) (*Result, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}
	if req.SuppressOn == nil {
		req.SuppressOn = DefaultSuppressOn
	}

	batch := &db.BatchJob{
		ID:       BatchID(req.Campaign, req.Channel, req.StartsAt),
		Channel:  req.Channel,
		Size:     len(req.Recipients),
		StartsAt: req.StartsAt,
		Window:   req.Window,
	}
	if err := d.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	campaign := req.Campaign
	if campaign == "" {
		campaign = batch.ID.String()
	}

	times := Spread(req.StartsAt, req.Window, len(req.Recipients))
	outcomes := make([]Outcome, len(req.Recipients))
	registered := 0

	for i, rcpt := range req.Recipients {
		out := Outcome{Index: i, Ref: rcpt.Ref, FireTime: times[i]}

		task, dup, err := d.register(ctx, batch, campaign, i, times[i], rcpt, req)
		if err != nil {
			out.Error = err.Error()
			d.logger.Warn("batch recipient rejected",
				zap.String("batch_id", batch.ID.String()),
				zap.Int("index", i),
				zap.Error(err),
			)
		} else {
			out.TaskID = &task.ID
			out.Duplicate = dup
			registered++
		}
		outcomes[i] = out
	}

	d.logger.Info("batch distributed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("channel", string(req.Channel)),
		zap.Int("size", batch.Size),
		zap.Int("registered", registered),
		zap.Duration("window", req.Window),
	)

	return &Result{Batch: batch, Outcomes: outcomes}, nil
}

func (d *Distributor) register(ctx context.Context, batch *db.BatchJob, campaign string, idx int, at time.Time, rcpt Recipient, req Request) (*db.ScheduledTask, bool, error) {
	addr, err := schedule.Recipient(req.Channel, rcpt.Payload)
	if err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(rcpt.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	key := schedule.DeriveKey(schedule.KeyInput{
		Namespace: db.SourceCampaign,
		Channel:   string(req.Channel),
		Recipient: addr,
		TriggerAt: req.StartsAt,
		Ref:       campaign,
	})

	index := idx
	task, created, err := d.store.RegisterTask(ctx, &db.ScheduledTask{
		IdempotencyKey: key.String(),
		Channel:        req.Channel,
		Class:          db.ClassCampaign,
		ScheduledFor:   at,
		TriggerAt:      req.StartsAt,
		TriggerRef:     rcpt.Ref,
		Payload:        payload,
		MaxAttempts:    d.config.MaxAttempts,
		Source:         db.SourceCampaign,
		SuppressOn:     req.SuppressOn,
		BatchID:        &batch.ID,
		BatchIndex:     &index,
	})
	if err != nil {
		return nil, false, fmt.Errorf("register task: %w", err)
	}
	return task, !created, nil
}

// CancelBatch cancels every pending task of a batch.
func (d *Distributor) CancelBatch(ctx context.Context, id uuid.UUID) (db.CancelResult, error) {
	res, err := d.store.CancelBatch(ctx, id)
	if err != nil {
		return db.CancelResult{}, err
	}
	d.logger.Info("batch cancelled",
		zap.String("batch_id", id.String()),
		zap.Int("tasks", res.Tasks),
	)
	return res, nil
}
