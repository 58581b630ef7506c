package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "QUEUED"
	TaskStatusRunning        TaskStatus = "RUNNING"
	TaskStatusDone           TaskStatus = "DONE"
	TaskStatusCanceled       TaskStatus = "CANCELED"
	TaskStatusDeadLetter     TaskStatus = "DEAD_LETTER"
	TaskStatusManualRequired TaskStatus = "MANUAL_REQUIRED"
)

// transitionRule pairs a lifecycle action with its only legal state edge.
type transitionRule struct {
	action string
	from   TaskStatus
	to     TaskStatus
}

// allowedTransitions is the complete lifecycle. A transition is legal only
// when exactly one rule matches the (action, from, to) triple.
var allowedTransitions = []transitionRule{
	{"claim", TaskStatusQueued, TaskStatusRunning},
	{"complete", TaskStatusRunning, TaskStatusDone},
	{"retry", TaskStatusRunning, TaskStatusQueued},
	{"dead_letter", TaskStatusRunning, TaskStatusDeadLetter},
	{"cancel", TaskStatusRunning, TaskStatusCanceled},
	{"manual_block", TaskStatusRunning, TaskStatusManualRequired},
	{"recover_stale", TaskStatusRunning, TaskStatusQueued},
}

func validateTransition(action string, from, to TaskStatus) error {
	matches := 0
	for _, rule := range allowedTransitions {
		if rule.action == action && rule.from == from && rule.to == to {
			matches++
		}
	}
	if matches != 1 {
		return fmt.Errorf("illegal transition %s: %s -> %s", action, from, to)
	}
	return nil
}

// Task is one unit of agent work. Terminal rows are never deleted.
type Task struct {
	ID              string     `json:"id"`
	AgentKey        string     `json:"agent_key"`
	Title           string     `json:"title"`
	Status          TaskStatus `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastFailureCode string     `json:"last_failure_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	Payload         string     `json:"payload"`
	IssueNumber     int        `json:"issue_number,omitempty"`
	ThreadID        string     `json:"thread_id,omitempty"`
	Resumable       bool       `json:"resumable"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EnqueueRequest is the external enqueue surface.
type EnqueueRequest struct {
	AgentKey    string
	Title       string
	IssueNumber int
	ThreadID    string
	Payload     string
	MaxAttempts int
}

// InsertTask creates a task in the given initial status (QUEUED, or
// MANUAL_REQUIRED when enqueue-time checks already failed).
func (s *Store) InsertTask(ctx context.Context, req EnqueueRequest, initial TaskStatus, reason string) (*Task, error) {
	if initial != TaskStatusQueued && initial != TaskStatusManualRequired {
		return nil, fmt.Errorf("initial task status must be QUEUED or MANUAL_REQUIRED, got %s", initial)
	}
	if req.AgentKey == "" {
		return nil, fmt.Errorf("agent key required")
	}
	payload := req.Payload
	if payload == "" {
		payload = "{}"
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	taskID := uuid.NewString()
	now := s.now()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, agent_key, title, status, attempt_count, max_attempts, next_attempt_at,
				payload, issue_number, thread_id, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, req.AgentKey, req.Title, initial, maxAttempts, now, payload, req.IssueNumber, req.ThreadID); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendAuditTx(ctx, tx, AuditEvent{
			EntityType: "task",
			EntityID:   taskID,
			ActorRole:  "enqueue",
			Action:     "TASK_ENQUEUED",
			ToState:    string(initial),
			Allowed:    true,
			Reason:     reason,
			Metadata:   map[string]any{"agent_key": req.AgentKey, "issue_number": req.IssueNumber},
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

const taskColumns = `
	id, agent_key, title, status, attempt_count, max_attempts, next_attempt_at,
	started_at, finished_at, COALESCE(last_failure_code, ''), COALESCE(error, ''),
	payload, COALESCE(issue_number, 0), COALESCE(thread_id, ''), resumable,
	cancel_requested, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		task       Task
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scan(
		&task.ID, &task.AgentKey, &task.Title, &task.Status, &task.AttemptCount,
		&task.MaxAttempts, &task.NextAttemptAt, &startedAt, &finishedAt,
		&task.LastFailureCode, &task.Error, &task.Payload, &task.IssueNumber,
		&task.ThreadID, &task.Resumable, &task.CancelRequested,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Time
	}
	return &task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// transitionTaskTx performs one validated state transition and appends the
// matching audit event inside the caller's transaction. Returns false when
// the row is gone or no longer in the expected from-state (lost race).
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID, action string, to TaskStatus, reason string, metadata map[string]any) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if err := validateTransition(action, current, to); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}

	return true, s.appendAuditTx(ctx, tx, AuditEvent{
		EntityType: "task",
		EntityID:   taskID,
		ActorRole:  "orchestrator",
		Action:     action,
		FromState:  string(current),
		ToState:    string(to),
		Allowed:    true,
		Reason:     reason,
		Metadata:   metadata,
	})
}

// ClaimNextQueued claims the oldest eligible QUEUED task for execution.
// Eligibility: attempt backoff elapsed and the owning agent is enabled,
// READY, non-MANUAL, and holds the ALPHA control role. The claim is the
// optimistic single-winner pattern: transition guarded on the QUEUED state,
// exactly one row may change.
func (s *Store) ClaimNextQueued(ctx context.Context, ownerID string) (*Task, error) {
	var claimed *Task
	err := s.WithLeaseAuthority(ctx, ownerID, "claim", func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			  AND next_attempt_at <= ?
			  AND agent_key IN (
				SELECT key FROM agents
				WHERE enabled = 1 AND readiness = 'READY' AND runtime != 'MANUAL' AND control_role = 'ALPHA'
			  )
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusQueued, now)
		task, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable task: %w", err)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID, "claim", TaskStatusRunning,
			"claimed by lease holder", map[string]any{"owner_id": ownerID, "attempt": task.AttemptCount + 1})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET attempt_count = attempt_count + 1, started_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, now, task.ID, TaskStatusRunning); err != nil {
			return fmt.Errorf("stamp claim: %w", err)
		}

		task.Status = TaskStatusRunning
		task.AttemptCount++
		started := now
		task.StartedAt = &started
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask finishes a RUNNING task as DONE.
func (s *Store) CompleteTask(ctx context.Context, ownerID, taskID, reason string) error {
	return s.WithLeaseAuthority(ctx, ownerID, "complete", func(tx *sql.Tx) error {
		ok, err := s.transitionTaskTx(ctx, tx, taskID, "complete", TaskStatusDone, reason, nil)
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET finished_at = ?, error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, s.now(), taskID, TaskStatusDone)
		return err
	})
}

// CancelTask transitions RUNNING -> CANCELED. Repeat cancels of an already
// canceled task are a successful no-op (idempotent operator surface).
func (s *Store) CancelTask(ctx context.Context, ownerID, taskID, reason string, resumable bool) error {
	return s.WithLeaseAuthority(ctx, ownerID, "cancel", func(tx *sql.Tx) error {
		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			return fmt.Errorf("select task for cancel: %w", err)
		}
		if current == TaskStatusCanceled {
			return nil
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID, "cancel", TaskStatusCanceled, reason,
			map[string]any{"resumable": resumable})
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET finished_at = ?, resumable = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, s.now(), resumable, taskID, TaskStatusCanceled)
		return err
	})
}

// BlockTaskManual parks a RUNNING task in MANUAL_REQUIRED with remediation
// text (board drift, replayed approval, and similar operator-facing blocks).
func (s *Store) BlockTaskManual(ctx context.Context, ownerID, taskID, failureCode, remediation string) error {
	return s.WithLeaseAuthority(ctx, ownerID, "manual_block", func(tx *sql.Tx) error {
		ok, err := s.transitionTaskTx(ctx, tx, taskID, "manual_block", TaskStatusManualRequired, remediation,
			map[string]any{"failure_code": failureCode})
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET finished_at = ?, last_failure_code = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, s.now(), failureCode, remediation, taskID, TaskStatusManualRequired)
		return err
	})
}

// RequestCancel flags a task for cooperative cancellation. The shell
// executor polls this flag mid-command.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, taskID, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not running", taskID)
	}
	return nil
}

// IsCancelRequested reports the cooperative cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) bool {
	var flagged bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM tasks WHERE id = ?;
	`, taskID).Scan(&flagged); err != nil {
		return false
	}
	return flagged
}

// RecoverStaleRunning requeues RUNNING tasks whose claim is older than
// threshold. Only the lease holder runs this sweep; each recovery records a
// fallback failure note.
func (s *Store) RecoverStaleRunning(ctx context.Context, ownerID string, threshold time.Duration) (int64, error) {
	var recovered int64
	err := s.WithLeaseAuthority(ctx, ownerID, "recover_stale", func(tx *sql.Tx) error {
		cutoff := s.now().Add(-threshold)
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?;
		`, TaskStatusRunning, cutoff)
		if err != nil {
			return fmt.Errorf("query stale running tasks: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan stale task: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale task rows: %w", err)
		}

		for _, id := range ids {
			ok, err := s.transitionTaskTx(ctx, tx, id, "recover_stale", TaskStatusQueued,
				"requeued after stale-running sweep",
				map[string]any{"failure_class": "STALE_RUNNING", "severity": "WARN", "fallback": "REQUEUE"})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET started_at = NULL, next_attempt_at = ?, last_failure_code = 'STALE_RUNNING',
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, s.now(), id, TaskStatusQueued); err != nil {
				return fmt.Errorf("reset stale task: %w", err)
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}
