package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/followup/internal/clock"
	"github.com/lalithlochan/followup/internal/db"
	"github.com/lalithlochan/followup/internal/metrics"
	"github.com/lalithlochan/followup/internal/redis"
	"github.com/lalithlochan/followup/internal/schedule"
	"github.com/lalithlochan/followup/internal/window"
)

// Store is what the poller needs from the task store.
type Store interface {
	FindDue(ctx context.Context, f db.DueFilter) ([]*db.ScheduledTask, error)
	ClaimTask(ctx context.Context, id uuid.UUID, now time.Time) (*db.ScheduledTask, error)
	CompleteTask(ctx context.Context, id uuid.UUID, at time.Time, res db.DispatchResult) error
	SkipTask(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	ReleaseTask(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error
	FailTask(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error
}

// Chainer schedules the reminder that follows a completed one.
type Chainer interface {
	ScheduleNext(ctx context.Context, done *db.ScheduledTask) (*schedule.Result, error)
}

// RateCap is a rate limit shared by every scheduler process.
type RateCap interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Deps are the poller's collaborators. Precondition, Chain, Notifier and Cap
// are optional.
type Deps struct {
	Store        Store
	Sender       Sender
	Gate         *window.Gate
	Clock        clock.Clock
	Precondition *Precondition
	Chain        Chainer
	Notifier     Notifier
	Cap          RateCap
}

type Config struct {
	PollInterval         time.Duration
	CampaignPollInterval time.Duration
	BatchSize            int
	EmailConcurrency     int
	WhatsAppRate         rate.Limit
	Channels             []db.Channel
	Policies             map[db.Channel]RetryPolicy
}

// lane sweeps one channel for a set of classes on its own ticker.
type lane struct {
	name     string
	channel  db.Channel
	classes  []db.Class
	interval time.Duration
	running  atomic.Bool
}

// Poller moves due tasks to their senders. Each channel gets a lane for
// reminders and workflow steps and a slower lane for campaign batches.
type Poller struct {
	deps     Deps
	config   Config
	lanes    []*lane
	limiter  *rate.Limiter
	logger   *zap.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewPoller(deps Deps, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.CampaignPollInterval == 0 {
		cfg.CampaignPollInterval = 15 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.EmailConcurrency == 0 {
		cfg.EmailConcurrency = 3
	}
	if cfg.WhatsAppRate == 0 {
		cfg.WhatsAppRate = 10
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = db.Channels
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Gate == nil {
		deps.Gate = window.NewGate(time.UTC, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}

	p := &Poller{
		deps:    deps,
		config:  cfg,
		limiter: rate.NewLimiter(cfg.WhatsAppRate, 1),
		logger:  logger,
	}
	for _, ch := range cfg.Channels {
		p.lanes = append(p.lanes,
			&lane{
				name:     string(ch),
				channel:  ch,
				classes:  []db.Class{db.ClassReminder, db.ClassWorkflow},
				interval: cfg.PollInterval,
			},
			&lane{
				name:     string(ch) + "/campaign",
				channel:  ch,
				classes:  []db.Class{db.ClassCampaign},
				interval: cfg.CampaignPollInterval,
			},
		)
	}
	return p
}

// Start launches one goroutine per lane. It returns immediately; call Stop
// to shut the lanes down.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, l := range p.lanes {
		p.wg.Add(1)
		go func(l *lane) {
			defer p.wg.Done()
			p.run(ctx, l)
		}(l)
	}
	p.logger.Info("poller started",
		zap.Int("lanes", len(p.lanes)),
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Duration("campaign_poll_interval", p.config.CampaignPollInterval),
	)
}

// Stop cancels the lanes and waits for in-flight sweeps to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		p.logger.Info("poller stopped")
	})
}

func (p *Poller) run(ctx context.Context, l *lane) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	p.sweep(ctx, l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, l)
		}
	}
}

// Tick runs every lane once, synchronously.
func (p *Poller) Tick(ctx context.Context) {
	for _, l := range p.lanes {
		p.sweep(ctx, l)
	}
}

func (p *Poller) sweep(ctx context.Context, l *lane) {
	if !l.running.CompareAndSwap(false, true) {
		metrics.RecordSweepSkipped(l.name)
		p.logger.Debug("previous sweep still running, skipping tick", zap.String("lane", l.name))
		return
	}
	defer l.running.Store(false)

	start := time.Now()
	defer func() { metrics.RecordSweep(l.name, time.Since(start)) }()

	now := p.deps.Clock.Now()
	var classes []db.Class
	for _, c := range p.deps.Gate.OpenClasses(now) {
		if slices.Contains(l.classes, c) {
			classes = append(classes, c)
		}
	}
	if len(classes) == 0 {
		return
	}

	tasks, err := p.deps.Store.FindDue(ctx, db.DueFilter{
		Channel: l.channel,
		Now:     now,
		Limit:   p.config.BatchSize,
		Classes: classes,
	})
	if err != nil {
		p.logger.Error("failed to find due tasks", zap.String("lane", l.name), zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	p.logger.Debug("dispatching due tasks", zap.String("lane", l.name), zap.Int("count", len(tasks)))

	switch l.channel {
	case db.ChannelEmail:
		var g errgroup.Group
		g.SetLimit(p.config.EmailConcurrency)
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				p.process(ctx, t)
				return nil
			})
		}
		_ = g.Wait()

	case db.ChannelWhatsApp:
		for _, t := range tasks {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			if !p.allowShared(ctx, l.channel) {
				return
			}
			p.process(ctx, t)
		}

	default:
		for _, t := range tasks {
			if ctx.Err() != nil {
				return
			}
			p.process(ctx, t)
		}
	}
}

// allowShared consults the cross-process cap. Redis being down does not
// stop delivery; the local limiter still paces this process.
func (p *Poller) allowShared(ctx context.Context, channel db.Channel) bool {
	if p.deps.Cap == nil {
		return true
	}
	res, err := p.deps.Cap.Allow(ctx, "channel:"+string(channel))
	if err != nil {
		p.logger.Warn("shared rate cap unavailable", zap.String("channel", string(channel)), zap.Error(err))
		return true
	}
	if !res.Allowed {
		metrics.RecordRateLimitDeferral(string(channel))
		p.logger.Info("shared rate cap reached, deferring rest of sweep",
			zap.String("channel", string(channel)),
			zap.Time("reset_at", res.ResetAt),
		)
		return false
	}
	return true
}

func (p *Poller) process(ctx context.Context, due *db.ScheduledTask) {
	task, err := p.deps.Store.ClaimTask(ctx, due.ID, p.deps.Clock.Now())
	if errors.Is(err, db.ErrNotClaimed) {
		p.logger.Debug("task already claimed or cancelled", zap.String("task_id", due.ID.String()))
		return
	}
	if err != nil {
		p.logger.Error("failed to claim task", zap.String("task_id", due.ID.String()), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.handleFailure(ctx, task, fmt.Errorf("panic during dispatch: %v", r))
		}
	}()

	reason, err := p.deps.Precondition.Check(ctx, task)
	if err != nil {
		p.handleFailure(ctx, task, err)
		return
	}
	if reason != "" {
		if err := p.deps.Store.SkipTask(ctx, task.ID, p.deps.Clock.Now(), reason); err != nil {
			p.logger.Error("failed to skip task", zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		metrics.RecordDispatch(string(task.Channel), "skipped")
		p.logger.Info("task skipped",
			zap.String("task_id", task.ID.String()),
			zap.String("trigger_ref", task.TriggerRef),
			zap.String("reason", reason),
		)
		return
	}

	res, err := p.deps.Sender.Send(ctx, task)
	if err != nil {
		p.handleFailure(ctx, task, err)
		return
	}

	done := p.deps.Clock.Now()
	if err := p.deps.Store.CompleteTask(ctx, task.ID, done, res); err != nil {
		p.logger.Error("failed to complete task", zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}
	metrics.RecordDispatch(string(task.Channel), "completed")
	metrics.RecordDispatchLag(string(task.Channel), done.Sub(task.ScheduledFor))
	p.logger.Info("task sent",
		zap.String("task_id", task.ID.String()),
		zap.String("channel", string(task.Channel)),
		zap.String("trigger_ref", task.TriggerRef),
		zap.Int("attempt", task.Attempts),
	)

	if p.deps.Chain != nil {
		next, err := p.deps.Chain.ScheduleNext(ctx, task)
		switch {
		case errors.Is(err, schedule.ErrPastFireTime):
			// logged by the enqueuer
		case err != nil:
			p.logger.Warn("failed to chain next reminder", zap.String("task_id", task.ID.String()), zap.Error(err))
		case next != nil:
			p.logger.Info("chained reminder scheduled",
				zap.String("task_id", task.ID.String()),
				zap.String("next_task_id", next.TaskID.String()),
				zap.Time("fire_time", next.FireTime),
			)
		}
	}
}

// handleFailure spends the attempt the claim took: the task goes back to
// pending while attempts remain, otherwise it fails for good.
func (p *Poller) handleFailure(ctx context.Context, task *db.ScheduledTask, cause error) {
	now := p.deps.Clock.Now()
	msg := cause.Error()

	if task.Attempts >= task.MaxAttempts {
		if err := p.deps.Store.FailTask(ctx, task.ID, now, msg); err != nil {
			p.logger.Error("failed to mark task failed", zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		metrics.RecordDispatch(string(task.Channel), "failed")
		p.logger.Error("task failed, attempts exhausted",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", string(task.Channel)),
			zap.Int("attempt", task.Attempts),
			zap.Error(cause),
		)
		p.deps.Notifier.TaskFailed(ctx, TaskFailed{
			TaskID:     task.ID,
			Channel:    task.Channel,
			Class:      task.Class,
			TriggerRef: task.TriggerRef,
			Attempts:   task.Attempts,
			LastError:  msg,
			FailedAt:   now,
		})
		return
	}

	var next *time.Time
	if policy, ok := p.config.Policies[task.Channel]; ok {
		next = policy.NextAttempt(task.Attempts, now)
	}
	if err := p.deps.Store.ReleaseTask(ctx, task.ID, msg, next); err != nil {
		p.logger.Error("failed to release task", zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}
	metrics.RecordDispatch(string(task.Channel), "retried")
	p.logger.Warn("send failed, will retry",
		zap.String("task_id", task.ID.String()),
		zap.String("channel", string(task.Channel)),
		zap.Int("attempt", task.Attempts),
		zap.Error(cause),
	)
}
