package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// FailureClass categorizes an execution failure and decides what happens to
// the task next.
type FailureClass string

const (
	FailureProviderTimeout     FailureClass = "PROVIDER_TIMEOUT"
	FailureProviderUnavailable FailureClass = "PROVIDER_UNAVAILABLE"
	FailureRateLimited         FailureClass = "RATE_LIMITED"
	FailureAuthRejected        FailureClass = "AUTH_REJECTED"
	FailureEmptyResponse       FailureClass = "EMPTY_RESPONSE"
	FailureConfigMissing       FailureClass = "CONFIG_MISSING"
	FailureToolError           FailureClass = "TOOL_ERROR"
	FailureInternal            FailureClass = "INTERNAL"
)

type failurePolicy struct {
	retryable bool
	severity  string
}

var failurePolicies = map[FailureClass]failurePolicy{
	FailureProviderTimeout:     {retryable: true, severity: "WARN"},
	FailureProviderUnavailable: {retryable: true, severity: "WARN"},
	FailureRateLimited:         {retryable: true, severity: "INFO"},
	FailureToolError:           {retryable: true, severity: "WARN"},
	FailureAuthRejected:        {retryable: false, severity: "ERROR"},
	FailureEmptyResponse:       {retryable: false, severity: "WARN"},
	FailureConfigMissing:       {retryable: false, severity: "ERROR"},
	FailureInternal:            {retryable: false, severity: "ERROR"},
}

// BackoffConfig tunes the retry schedule.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:   30 * time.Second,
		Max:    15 * time.Minute,
		Jitter: 10 * time.Second,
	}
}

// retryDelay computes min(base * 2^(attempt-1), max) plus a deterministic
// jitter derived from the task id, so two orchestrators computing the
// schedule for the same task agree and tests stay reproducible.
func retryDelay(cfg BackoffConfig, taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.Max {
			delay = cfg.Max
			break
		}
	}
	if delay > cfg.Max {
		delay = cfg.Max
	}
	if cfg.Jitter > 0 {
		h := fnv.New32a()
		h.Write([]byte(taskID))
		h.Write([]byte{byte(attempt)})
		delay += time.Duration(h.Sum32()) % cfg.Jitter
	}
	return delay
}

// FailureOutcome reports where HandleTaskFailure sent the task.
type FailureOutcome struct {
	Status        TaskStatus
	NextAttemptAt time.Time
	Exhausted     bool
}

// HandleTaskFailure routes a RUNNING task after a failed attempt: retryable
// classes with budget left go back to QUEUED with backoff, everything else
// goes to DEAD_LETTER. Non-retryable classes dead-letter immediately no
// matter how many attempts remain.
func (s *Store) HandleTaskFailure(ctx context.Context, ownerID, taskID string, class FailureClass, detail string, backoff BackoffConfig) (*FailureOutcome, error) {
	policy, known := failurePolicies[class]
	if !known {
		policy = failurePolicies[FailureInternal]
		class = FailureInternal
	}

	var outcome FailureOutcome
	err := s.WithLeaseAuthority(ctx, ownerID, "handle_failure", func(tx *sql.Tx) error {
		var (
			attemptCount int
			maxAttempts  int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT attempt_count, max_attempts FROM tasks WHERE id = ? AND status = ?;
		`, taskID, TaskStatusRunning).Scan(&attemptCount, &maxAttempts); err != nil {
			return fmt.Errorf("select failing task: %w", err)
		}

		meta := map[string]any{
			"failure_class": string(class),
			"severity":      policy.severity,
			"attempt":       attemptCount,
			"max_attempts":  maxAttempts,
		}

		if policy.retryable && attemptCount < maxAttempts {
			delay := retryDelay(backoff, taskID, attemptCount)
			next := s.now().Add(delay)
			meta["retry_in"] = delay.String()
			ok, err := s.transitionTaskTx(ctx, tx, taskID, "retry", TaskStatusQueued, detail, meta)
			if err != nil {
				return err
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET next_attempt_at = ?, started_at = NULL, last_failure_code = ?, error = ?,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, next, string(class), detail, taskID, TaskStatusQueued); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			outcome = FailureOutcome{Status: TaskStatusQueued, NextAttemptAt: next}
			return nil
		}

		meta["exhausted"] = attemptCount >= maxAttempts
		ok, err := s.transitionTaskTx(ctx, tx, taskID, "dead_letter", TaskStatusDeadLetter, detail, meta)
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET finished_at = ?, last_failure_code = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, s.now(), string(class), detail, taskID, TaskStatusDeadLetter); err != nil {
			return fmt.Errorf("dead-letter task: %w", err)
		}
		outcome = FailureOutcome{Status: TaskStatusDeadLetter, Exhausted: attemptCount >= maxAttempts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// IsRetryable reports whether a failure class is eligible for requeue.
func IsRetryable(class FailureClass) bool {
	p, ok := failurePolicies[class]
	return ok && p.retryable
}
