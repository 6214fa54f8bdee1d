package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is an in-process task store with the same semantics as
// Repository. It backs STORE_DRIVER=memory and the package tests.
type MemoryStore struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*ScheduledTask
	batches   map[uuid.UUID]*BatchJob
	workflows []*WorkflowDefinition
	logs      map[uuid.UUID]*WorkflowExecutionLog
	bookings  map[string]*BookingSnapshot
	logger    *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[uuid.UUID]*ScheduledTask),
		batches:  make(map[uuid.UUID]*BatchJob),
		logs:     make(map[uuid.UUID]*WorkflowExecutionLog),
		bookings: make(map[string]*BookingSnapshot),
		logger:   logger,
	}
}

func copyTask(t *ScheduledTask) *ScheduledTask {
	c := *t
	c.SuppressOn = slices.Clone(t.SuppressOn)
	c.Payload = slices.Clone(t.Payload)
	return &c
}

func copyLog(l *WorkflowExecutionLog) *WorkflowExecutionLog {
	c := *l
	return &c
}

func (m *MemoryStore) activeByKey(key string) *ScheduledTask {
	for _, t := range m.tasks {
		if t.IdempotencyKey == key && t.Status != StatusCancelled {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) insertLocked(t *ScheduledTask) (*ScheduledTask, bool) {
	if existing := m.activeByKey(t.IdempotencyKey); existing != nil {
		return existing, false
	}

	now := time.Now()
	c := copyTask(t)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SuppressOn == nil {
		c.SuppressOn = []string{}
	}
	c.Status = StatusPending
	c.Attempts = 0
	c.CreatedAt = now
	c.UpdatedAt = now
	m.tasks[c.ID] = c
	return c, true
}

// RegisterTask inserts a pending task unless an active task with the same
// idempotency key exists.
func (m *MemoryStore) RegisterTask(ctx context.Context, t *ScheduledTask) (*ScheduledTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, created := m.insertLocked(t)
	return copyTask(stored), created, nil
}

// GetTask retrieves a task by ID
func (m *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func sortByDue(tasks []*ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].ScheduledFor.Equal(tasks[j].ScheduledFor) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ScheduledFor.Before(tasks[j].ScheduledFor)
	})
}

// ListTasksByTrigger returns the tasks correlated with ref, oldest first.
func (m *MemoryStore) ListTasksByTrigger(ctx context.Context, ref string, limit int) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ScheduledTask
	for _, t := range m.tasks {
		if t.TriggerRef == ref {
			out = append(out, copyTask(t))
		}
	}
	sortByDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindDue returns pending tasks of one channel whose due time has passed.
func (m *MemoryStore) FindDue(ctx context.Context, f DueFilter) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(f.Classes) == 0 || f.Limit <= 0 {
		return nil, nil
	}

	var out []*ScheduledTask
	for _, t := range m.tasks {
		if t.Status != StatusPending || t.Channel != f.Channel {
			continue
		}
		if t.ScheduledFor.After(f.Now) || t.Attempts >= t.MaxAttempts {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(f.Now) {
			continue
		}
		if !slices.Contains(f.Classes, t.Class) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sortByDue(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ClaimTask atomically moves a task from pending to processing.
func (m *MemoryStore) ClaimTask(ctx context.Context, id uuid.UUID, now time.Time) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status != StatusPending || t.Attempts >= t.MaxAttempts {
		return nil, ErrNotClaimed
	}
	t.Status = StatusProcessing
	t.Attempts++
	t.ProcessedAt = &now
	t.UpdatedAt = time.Now()
	return copyTask(t), nil
}

func (m *MemoryStore) processing(id uuid.UUID) (*ScheduledTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != StatusProcessing {
		return nil, fmt.Errorf("task %s: %w", id, ErrInvalidTransition)
	}
	return t, nil
}

func (m *MemoryStore) updateLogsLocked(taskID uuid.UUID, status string, at *time.Time, msg *string) {
	for _, l := range m.logs {
		if l.TaskID == taskID && l.Status == LogStatusPending {
			l.Status = status
			l.ExecutedAt = at
			l.ErrorMessage = msg
			l.UpdatedAt = time.Now()
		}
	}
}

// CompleteTask marks a processing task completed.
func (m *MemoryStore) CompleteTask(ctx context.Context, id uuid.UUID, at time.Time, res DispatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	t.Status = StatusCompleted
	t.CompletedAt = &at
	t.ErrorMessage = nil
	if res.ProviderMessageID != "" {
		msgID := res.ProviderMessageID
		t.ProviderMessageID = &msgID
	}
	t.UpdatedAt = time.Now()
	m.updateLogsLocked(id, LogStatusCompleted, &at, nil)
	return nil
}

// SkipTask marks a processing task completed without sending.
func (m *MemoryStore) SkipTask(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	t.Status = StatusCompleted
	t.CompletedAt = &at
	t.SkipReason = &reason
	t.UpdatedAt = time.Now()
	note := "skipped: " + reason
	m.updateLogsLocked(id, LogStatusCompleted, &at, &note)
	return nil
}

// ReleaseTask returns a processing task to pending after a failed attempt.
func (m *MemoryStore) ReleaseTask(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	if t.Attempts >= t.MaxAttempts {
		return fmt.Errorf("task %s has no attempts left: %w", id, ErrInvalidTransition)
	}
	t.Status = StatusPending
	t.ErrorMessage = &errMsg
	t.NextAttemptAt = nextAttemptAt
	t.UpdatedAt = time.Now()
	return nil
}

// FailTask marks a processing task permanently failed.
func (m *MemoryStore) FailTask(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	t.Status = StatusFailed
	t.CompletedAt = &at
	t.ErrorMessage = &errMsg
	t.UpdatedAt = time.Now()
	m.updateLogsLocked(id, LogStatusFailed, &at, &errMsg)
	return nil
}

func (m *MemoryStore) cancelLocked(match func(*ScheduledTask) bool) CancelResult {
	var res CancelResult
	now := time.Now()
	for _, t := range m.tasks {
		if t.Status != StatusPending || !match(t) {
			continue
		}
		t.Status = StatusCancelled
		t.UpdatedAt = now
		res.Tasks++

		for _, l := range m.logs {
			if l.TaskID == t.ID && l.Status == LogStatusPending {
				l.Status = LogStatusCancelled
				l.UpdatedAt = now
				res.Logs++
			}
		}
	}
	return res
}

// CancelByTrigger cancels pending tasks correlated with ref whose source is in
// sources (all sources when empty).
func (m *MemoryStore) CancelByTrigger(ctx context.Context, ref string, sources []string) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.cancelLocked(func(t *ScheduledTask) bool {
		return t.TriggerRef == ref && (len(sources) == 0 || slices.Contains(sources, t.Source))
	})
	m.logger.Debug("tasks cancelled for trigger",
		zap.String("trigger_ref", ref),
		zap.Int("tasks", res.Tasks),
		zap.Int("logs", res.Logs),
	)
	return res, nil
}

// RecoverStale returns tasks stuck in processing since before olderThan to
// pending, or failed when no attempts remain.
func (m *MemoryStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := time.Now()
	for _, t := range m.tasks {
		if t.Status != StatusProcessing || t.ProcessedAt == nil || !t.ProcessedAt.Before(olderThan) {
			continue
		}
		if t.ErrorMessage == nil {
			msg := "dispatch interrupted"
			t.ErrorMessage = &msg
		}
		if t.Attempts < t.MaxAttempts {
			t.Status = StatusPending
		} else {
			t.Status = StatusFailed
			t.CompletedAt = &now
			m.updateLogsLocked(t.ID, LogStatusFailed, nil, t.ErrorMessage)
		}
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

// RetryFailedTask registers a fresh pending copy of a failed task due at `at`.
func (m *MemoryStore) RetryFailedTask(ctx context.Context, id uuid.UUID, at time.Time) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if orig.Status != StatusFailed {
		return nil, fmt.Errorf("task %s is %s: %w", id, orig.Status, ErrInvalidTransition)
	}

	stored, _ := m.insertLocked(CloneForRetry(orig, at))
	return copyTask(stored), nil
}

// CreateBatch stores a batch job header. When a header with b.ID already
// exists it is reactivated and b is filled from it.
func (m *MemoryStore) CreateBatch(ctx context.Context, b *BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if existing, ok := m.batches[b.ID]; ok {
		existing.Status = BatchStatusActive
		existing.Size = max(existing.Size, b.Size)
		existing.UpdatedAt = time.Now()
		*b = *existing
		return nil
	}
	b.Status = BatchStatusActive
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	c := *b
	m.batches[b.ID] = &c
	return nil
}

// GetBatch retrieves a batch job header.
func (m *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	c := *b
	return &c, nil
}

// CancelBatch cancels every pending sibling of a batch.
func (m *MemoryStore) CancelBatch(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return CancelResult{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b.Status = BatchStatusCancelled
	b.UpdatedAt = time.Now()

	return m.cancelLocked(func(t *ScheduledTask) bool {
		return t.BatchID != nil && *t.BatchID == id
	}), nil
}

// PutBooking records a booking snapshot.
func (m *MemoryStore) PutBooking(b BookingSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bookings[b.ID] = &b
}

// BookingSnapshot reads the current state of a booking.
func (m *MemoryStore) BookingSnapshot(ctx context.Context, id string) (*BookingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	c := *b
	return &c, nil
}

// CreateWorkflow stores a workflow definition.
func (m *MemoryStore) CreateWorkflow(ctx context.Context, w *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	for i := range w.Steps {
		if w.Steps[i].ID == uuid.Nil {
			w.Steps[i].ID = uuid.New()
		}
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt

	c := *w
	c.Steps = slices.Clone(w.Steps)
	m.workflows = append(m.workflows, &c)
	return nil
}

// ActiveWorkflows returns the active definitions for an action with their
// steps in order.
func (m *MemoryStore) ActiveWorkflows(ctx context.Context, action TriggerAction) ([]*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowDefinition
	for _, w := range m.workflows {
		if !w.Active || w.TriggerAction != action {
			continue
		}
		c := *w
		c.Steps = slices.Clone(w.Steps)
		sort.SliceStable(c.Steps, func(i, j int) bool { return c.Steps[i].Order < c.Steps[j].Order })
		out = append(out, &c)
	}
	return out, nil
}

// RegisterWorkflowStep writes the delivery task and its execution log
// unless an active log already exists for the booking, workflow and template.
func (m *MemoryStore) RegisterWorkflowStep(ctx context.Context, log *WorkflowExecutionLog, task *ScheduledTask) (*WorkflowExecutionLog, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.logs {
		if l.BookingID == log.BookingID && l.WorkflowID == log.WorkflowID &&
			l.TemplateRef == log.TemplateRef && l.Status != LogStatusCancelled {
			return copyLog(l), false, nil
		}
	}

	t, _ := m.insertLocked(task)

	now := time.Now()
	c := copyLog(log)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.TaskID = t.ID
	c.Status = LogStatusPending
	c.ScheduledFor = t.ScheduledFor
	c.CreatedAt = now
	c.UpdatedAt = now
	m.logs[c.ID] = c
	return copyLog(c), true, nil
}

// ListExecutionLogs returns every execution log for a booking, oldest first.
func (m *MemoryStore) ListExecutionLogs(ctx context.Context, bookingID string) ([]*WorkflowExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowExecutionLog
	for _, l := range m.logs {
		if l.BookingID == bookingID {
			out = append(out, copyLog(l))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}
