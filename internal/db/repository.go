package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Postgres-backed task store.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new task repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const taskColumns = `
	id, idempotency_key, channel, class, status, scheduled_for, trigger_at,
	trigger_ref, payload, attempts, max_attempts, next_attempt_at,
	processed_at, completed_at, error_message, provider_message_id,
	skip_reason, source, suppress_on, batch_id, batch_index,
	created_at, updated_at`

func scanTask(row pgx.Row) (*ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(
		&t.ID,
		&t.IdempotencyKey,
		&t.Channel,
		&t.Class,
		&t.Status,
		&t.ScheduledFor,
		&t.TriggerAt,
		&t.TriggerRef,
		&t.Payload,
		&t.Attempts,
		&t.MaxAttempts,
		&t.NextAttemptAt,
		&t.ProcessedAt,
		&t.CompletedAt,
		&t.ErrorMessage,
		&t.ProviderMessageID,
		&t.SkipReason,
		&t.Source,
		&t.SuppressOn,
		&t.BatchID,
		&t.BatchIndex,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*ScheduledTask, error) {
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tasks, nil
}

func classStrings(classes []Class) []string {
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = string(c)
	}
	return out
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// insertTaskIfAbsent inserts t unless a non-cancelled row holds the same
// idempotency key, in which case that row is returned with created=false.
func insertTaskIfAbsent(ctx context.Context, q queryer, t *ScheduledTask) (*ScheduledTask, bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.SuppressOn == nil {
		t.SuppressOn = []string{}
	}

	insert := `
		INSERT INTO scheduled_tasks (
			id, idempotency_key, channel, class, status, scheduled_for, trigger_at,
			trigger_ref, payload, attempts, max_attempts, source, suppress_on,
			batch_id, batch_index
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, 0, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) WHERE status <> 'cancelled' DO NOTHING
		RETURNING ` + taskColumns

	created, err := scanTask(q.QueryRow(ctx, insert,
		t.ID,
		t.IdempotencyKey,
		string(t.Channel),
		string(t.Class),
		t.ScheduledFor,
		t.TriggerAt,
		t.TriggerRef,
		t.Payload,
		t.MaxAttempts,
		t.Source,
		t.SuppressOn,
		t.BatchID,
		t.BatchIndex,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	existing, err := scanTask(q.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE idempotency_key = $1 AND status <> 'cancelled'`, t.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("load existing task: %w", err)
	}
	return existing, false, nil
}

// RegisterTask inserts a pending task unless an active task with the same
// idempotency key exists, in which case the existing task is returned unchanged.
func (r *Repository) RegisterTask(ctx context.Context, t *ScheduledTask) (*ScheduledTask, bool, error) {
	task, created, err := insertTaskIfAbsent(ctx, r.db.Pool(), t)
	if err != nil {
		r.logger.Error("failed to register task",
			zap.Error(err),
			zap.String("idempotency_key", t.IdempotencyKey),
		)
		return nil, false, err
	}

	if created {
		r.logger.Debug("task registered",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", string(task.Channel)),
			zap.Time("scheduled_for", task.ScheduledFor),
		)
	}
	return task, created, nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id uuid.UUID) (*ScheduledTask, error) {
	t, err := scanTask(r.db.Pool().QueryRow(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasksByTrigger returns the tasks correlated with ref, oldest first.
func (r *Repository) ListTasksByTrigger(ctx context.Context, ref string, limit int) ([]*ScheduledTask, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE trigger_ref = $1
		ORDER BY scheduled_for ASC
		LIMIT $2`, ref, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks by trigger: %w", err)
	}
	return collectTasks(rows)
}

// FindDue returns pending tasks of one channel whose due time has passed,
// oldest due first.
func (r *Repository) FindDue(ctx context.Context, f DueFilter) ([]*ScheduledTask, error) {
	if len(f.Classes) == 0 || f.Limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = 'pending'
		  AND channel = $1
		  AND scheduled_for <= $2
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		  AND attempts < max_attempts
		  AND class = ANY($3)
		ORDER BY scheduled_for ASC
		LIMIT $4`,
		string(f.Channel), f.Now, classStrings(f.Classes), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimTask atomically moves a task from pending to processing, stamping
// processed_at and consuming one attempt.
func (r *Repository) ClaimTask(ctx context.Context, id uuid.UUID, now time.Time) (*ScheduledTask, error) {
	t, err := scanTask(r.db.Pool().QueryRow(ctx, `
		UPDATE scheduled_tasks
		SET status = 'processing', processed_at = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND attempts < max_attempts
		RETURNING `+taskColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// finish applies a processing -> X transition and mirrors it onto the linked
// workflow execution log (if any) in the same transaction.
func (r *Repository) finish(ctx context.Context, id uuid.UUID, update string, logStatus string, logAt *time.Time, logMsg *string, args ...any) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, update, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrInvalidTransition)
	}

	if logStatus != "" {
		_, err = tx.Exec(ctx, `
			UPDATE workflow_execution_logs
			SET status = $2, executed_at = $3, error_message = $4, updated_at = NOW()
			WHERE task_id = $1 AND status = 'pending'`,
			id, logStatus, logAt, logMsg)
		if err != nil {
			return fmt.Errorf("update execution log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CompleteTask marks a processing task completed with the provider response.
func (r *Repository) CompleteTask(ctx context.Context, id uuid.UUID, at time.Time, res DispatchResult) error {
	var msgID *string
	if res.ProviderMessageID != "" {
		msgID = &res.ProviderMessageID
	}
	return r.finish(ctx, id, `
		UPDATE scheduled_tasks
		SET status = 'completed', completed_at = $2, provider_message_id = $3,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		LogStatusCompleted, &at, nil, at, msgID)
}

// SkipTask marks a processing task completed without sending because its
// precondition no longer holds.
func (r *Repository) SkipTask(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	note := "skipped: " + reason
	return r.finish(ctx, id, `
		UPDATE scheduled_tasks
		SET status = 'completed', completed_at = $2, skip_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		LogStatusCompleted, &at, &note, at, reason)
}

// ReleaseTask returns a processing task to pending after a failed attempt.
// nextAttemptAt delays the next claim; nil makes it eligible on the next sweep.
func (r *Repository) ReleaseTask(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error {
	return r.finish(ctx, id, `
		UPDATE scheduled_tasks
		SET status = 'pending', error_message = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempts < max_attempts`,
		"", nil, nil, errMsg, nextAttemptAt)
}

// FailTask marks a processing task permanently failed.
func (r *Repository) FailTask(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error {
	return r.finish(ctx, id, `
		UPDATE scheduled_tasks
		SET status = 'failed', completed_at = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		LogStatusFailed, &at, &errMsg, at, errMsg)
}

// cancelTasks flips the selected pending tasks and their pending execution
// logs to cancelled. selectSQL must return task ids.
func (r *Repository) cancelTasks(ctx context.Context, tx pgx.Tx, selectSQL string, args ...any) (CancelResult, error) {
	rows, err := tx.Query(ctx, `
		UPDATE scheduled_tasks
		SET status = 'cancelled', updated_at = NOW()
		WHERE id IN (`+selectSQL+`)
		RETURNING id`, args...)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return CancelResult{}, fmt.Errorf("collect cancelled ids: %w", err)
	}

	res := CancelResult{Tasks: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_execution_logs
		SET status = 'cancelled', updated_at = NOW()
		WHERE task_id = ANY($1) AND status = 'pending'`, ids)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel execution logs: %w", err)
	}
	res.Logs = int(tag.RowsAffected())
	return res, nil
}

// CancelByTrigger cancels every pending task correlated with ref whose source
// is in sources (all sources when empty). Processing tasks are left alone.
func (r *Repository) CancelByTrigger(ctx context.Context, ref string, sources []string) (CancelResult, error) {
	if sources == nil {
		sources = []string{}
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := r.cancelTasks(ctx, tx, `
		SELECT id FROM scheduled_tasks
		WHERE trigger_ref = $1 AND status = 'pending'
		  AND (cardinality($2::text[]) = 0 OR source = ANY($2))
		FOR UPDATE`, ref, sources)
	if err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("tasks cancelled for trigger",
		zap.String("trigger_ref", ref),
		zap.Strings("sources", sources),
		zap.Int("tasks", res.Tasks),
		zap.Int("logs", res.Logs),
	)
	return res, nil
}

// RecoverStale returns tasks stuck in processing since before olderThan to
// pending, or to failed when no attempts remain. It is meant to run once at
// startup, after a crash interrupted in-flight dispatches.
func (r *Repository) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE scheduled_tasks
		SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
		    error_message = COALESCE(error_message, 'dispatch interrupted'),
		    completed_at = CASE WHEN attempts < max_attempts THEN completed_at ELSE NOW() END,
		    updated_at = NOW()
		WHERE status = 'processing' AND processed_at < $1
		RETURNING id, status`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}

	var failed []uuid.UUID
	n := 0
	for rows.Next() {
		var id uuid.UUID
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan recovered task: %w", err)
		}
		n++
		if status == StatusFailed {
			failed = append(failed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recovered tasks: %w", err)
	}

	if len(failed) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_execution_logs
			SET status = 'failed', error_message = 'dispatch interrupted', updated_at = NOW()
			WHERE task_id = ANY($1) AND status = 'pending'`, failed); err != nil {
			return 0, fmt.Errorf("fail recovered logs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// RetryFailedTask is the operator override for a terminally failed task: it
// registers a fresh pending copy due at `at`. The failed row stays as audit.
func (r *Repository) RetryFailedTask(ctx context.Context, id uuid.UUID, at time.Time) (*ScheduledTask, error) {
	orig, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusFailed {
		return nil, fmt.Errorf("task %s is %s: %w", id, orig.Status, ErrInvalidTransition)
	}

	clone := CloneForRetry(orig, at)
	task, _, err := insertTaskIfAbsent(ctx, r.db.Pool(), clone)
	if err != nil {
		return nil, err
	}

	r.logger.Info("failed task retried",
		zap.String("task_id", id.String()),
		zap.String("new_task_id", task.ID.String()),
	)
	return task, nil
}

// CloneForRetry copies a failed task into a fresh pending task due at `at`.
// The key is suffixed with the new id so it does not collide with the failed row.
func CloneForRetry(orig *ScheduledTask, at time.Time) *ScheduledTask {
	newID := uuid.New()
	return &ScheduledTask{
		ID:             newID,
		IdempotencyKey: orig.IdempotencyKey + "#retry-" + newID.String(),
		Channel:        orig.Channel,
		Class:          orig.Class,
		Status:         StatusPending,
		ScheduledFor:   at,
		TriggerAt:      orig.TriggerAt,
		TriggerRef:     orig.TriggerRef,
		Payload:        orig.Payload,
		MaxAttempts:    orig.MaxAttempts,
		Source:         orig.Source,
		SuppressOn:     orig.SuppressOn,
		BatchID:        orig.BatchID,
		BatchIndex:     orig.BatchIndex,
	}
}

// CreateBatch inserts a batch job header. When a header with b.ID already
// exists it is reactivated and b is filled from it.
func (r *Repository) CreateBatch(ctx context.Context, b *BatchJob) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Status = BatchStatusActive

	var windowSecs int64
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO batch_jobs (id, channel, size, starts_at, window_secs, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = 'active',
			size = GREATEST(batch_jobs.size, EXCLUDED.size),
			updated_at = NOW()
		RETURNING size, starts_at, window_secs, created_at, updated_at`,
		b.ID, string(b.Channel), b.Size, b.StartsAt, int64(b.Window/time.Second), b.Status,
	).Scan(&b.Size, &b.StartsAt, &windowSecs, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	b.Window = time.Duration(windowSecs) * time.Second
	return nil
}

// GetBatch retrieves a batch job header.
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*BatchJob, error) {
	var b BatchJob
	var windowSecs int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, channel, size, starts_at, window_secs, status, created_at, updated_at
		FROM batch_jobs WHERE id = $1`, id,
	).Scan(&b.ID, &b.Channel, &b.Size, &b.StartsAt, &windowSecs, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	b.Window = time.Duration(windowSecs) * time.Second
	return &b, nil
}

// CancelBatch cancels every pending sibling of a batch in one operation.
func (r *Repository) CancelBatch(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE batch_jobs SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return CancelResult{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}

	res, err := r.cancelTasks(ctx, tx, `
		SELECT id FROM scheduled_tasks
		WHERE batch_id = $1 AND status = 'pending'
		FOR UPDATE`, id)
	if err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("batch cancelled",
		zap.String("batch_id", id.String()),
		zap.Int("tasks", res.Tasks),
	)
	return res, nil
}

// BookingSnapshot reads the current state of a booking.
func (r *Repository) BookingSnapshot(ctx context.Context, id string) (*BookingSnapshot, error) {
	var b BookingSnapshot
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, status, starts_at, timezone FROM bookings WHERE id = $1`, id,
	).Scan(&b.ID, &b.Status, &b.StartsAt, &b.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query booking: %w", err)
	}
	return &b, nil
}
