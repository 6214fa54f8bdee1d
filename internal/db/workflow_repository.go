package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateWorkflow inserts a workflow definition with its steps.
func (r *Repository) CreateWorkflow(ctx context.Context, w *WorkflowDefinition) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_definitions (id, name, trigger_action, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		w.ID, w.Name, string(w.TriggerAction), w.Active,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, channel, days_after, template_ref, step_order, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.ID, w.ID, string(s.Channel), s.DaysAfter, s.TemplateRef, s.Order, s.Active)
		if err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ActiveWorkflows returns the active definitions for an action with their
// steps in order. Inactive steps are included; callers filter them.
func (r *Repository) ActiveWorkflows(ctx context.Context, action TriggerAction) ([]*WorkflowDefinition, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT d.id, d.name, d.trigger_action, d.active, d.created_at, d.updated_at,
		       s.id, s.channel, s.days_after, s.template_ref, s.step_order, s.active
		FROM workflow_definitions d
		JOIN workflow_steps s ON s.workflow_id = d.id
		WHERE d.trigger_action = $1 AND d.active
		ORDER BY d.created_at, d.id, s.step_order`, string(action))
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	var cur *WorkflowDefinition
	for rows.Next() {
		var d WorkflowDefinition
		var s WorkflowStep
		if err := rows.Scan(
			&d.ID, &d.Name, &d.TriggerAction, &d.Active, &d.CreatedAt, &d.UpdatedAt,
			&s.ID, &s.Channel, &s.DaysAfter, &s.TemplateRef, &s.Order, &s.Active,
		); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if cur == nil || cur.ID != d.ID {
			cur = &d
			defs = append(defs, cur)
		}
		cur.Steps = append(cur.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return defs, nil
}

const logColumns = `
	id, workflow_id, step_id, booking_id, template_ref, task_id, status,
	scheduled_for, executed_at, error_message, created_at, updated_at`

func scanLog(row pgx.Row) (*WorkflowExecutionLog, error) {
	var l WorkflowExecutionLog
	err := row.Scan(
		&l.ID, &l.WorkflowID, &l.StepID, &l.BookingID, &l.TemplateRef, &l.TaskID,
		&l.Status, &l.ScheduledFor, &l.ExecutedAt, &l.ErrorMessage, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// RegisterWorkflowStep writes the delivery task and its execution log in one
// transaction. When an active log already exists for the same booking,
// workflow and template, nothing is written and the existing log is returned
// with created=false.
func (r *Repository) RegisterWorkflowStep(ctx context.Context, log *WorkflowExecutionLog, task *ScheduledTask) (*WorkflowExecutionLog, bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanLog(tx.QueryRow(ctx, `
		SELECT `+logColumns+`
		FROM workflow_execution_logs
		WHERE booking_id = $1 AND workflow_id = $2 AND template_ref = $3 AND status <> 'cancelled'
		FOR UPDATE`,
		log.BookingID, log.WorkflowID, log.TemplateRef))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("query execution log: %w", err)
	}

	t, _, err := insertTaskIfAbsent(ctx, tx, task)
	if err != nil {
		return nil, false, err
	}

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	created, err := scanLog(tx.QueryRow(ctx, `
		INSERT INTO workflow_execution_logs (
			id, workflow_id, step_id, booking_id, template_ref, task_id, status, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (booking_id, workflow_id, template_ref) WHERE status <> 'cancelled' DO NOTHING
		RETURNING `+logColumns,
		log.ID, log.WorkflowID, log.StepID, log.BookingID, log.TemplateRef, t.ID, t.ScheduledFor))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a concurrent trigger; its rows win.
		return nil, false, fmt.Errorf("execution log for booking %s: %w", log.BookingID, ErrNotClaimed)
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert execution log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("workflow step registered",
		zap.String("booking_id", created.BookingID),
		zap.String("workflow_id", created.WorkflowID.String()),
		zap.String("task_id", created.TaskID.String()),
	)
	return created, true, nil
}

// ListExecutionLogs returns every execution log for a booking, oldest first.
func (r *Repository) ListExecutionLogs(ctx context.Context, bookingID string) ([]*WorkflowExecutionLog, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+logColumns+`
		FROM workflow_execution_logs
		WHERE booking_id = $1
		ORDER BY scheduled_for ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*WorkflowExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return logs, nil
}
