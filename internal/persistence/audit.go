package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warroom/warroom/internal/dlp"
)

// AuditEvent is one append-only trail entry. Events are never updated or
// deleted; retention trims only by age.
type AuditEvent struct {
	ID         int64          `json:"id,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorRole  string         `json:"actor_role"`
	Action     string         `json:"action"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// appendAuditTx writes an event inside an existing transaction so the audit
// entry and the mutation it describes commit or roll back together. Reason
// and metadata pass through the output filter before they hit disk.
func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, ev AuditEvent) error {
	if ev.EntityType == "" || ev.EntityID == "" || ev.Action == "" {
		return fmt.Errorf("audit event requires entity_type, entity_id, action")
	}
	if ev.ActorRole == "" {
		ev.ActorRole = "system"
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, actor_role, action, from_state, to_state, allowed, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?);
	`, ev.EntityType, ev.EntityID, ev.ActorRole, ev.Action, ev.FromState, ev.ToState,
		ev.Allowed, dlp.Redact(ev.Reason), dlp.Redact(string(meta)), s.now())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AppendAudit writes a standalone audit event in its own transaction.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin audit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.appendAuditTx(ctx, tx, ev); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListAuditEvents returns the trail for one entity, oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, entityType, entityID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, actor_role, action,
			COALESCE(from_state, ''), COALESCE(to_state, ''), allowed, reason, metadata, created_at
		FROM audit_events
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev   AuditEvent
			meta string
		)
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.ActorRole, &ev.Action,
			&ev.FromState, &ev.ToState, &ev.Allowed, &ev.Reason, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// WasTokenConsumed reports whether a TOKEN_CONSUMED event exists for tokenID.
func (s *Store) WasTokenConsumed(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE entity_type = 'approval_token' AND entity_id = ? AND action = 'TOKEN_CONSUMED';
	`, tokenID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check token consumption: %w", err)
	}
	return n > 0, nil
}

// ErrTokenReplayed means an approval token was presented a second time.
type ErrTokenReplayed struct {
	TokenID string
}

func (e *ErrTokenReplayed) Error() string {
	return fmt.Sprintf("TOKEN_REPLAY: approval token %s was already consumed", e.TokenID)
}

// ConsumeApprovalTokenTx marks a token consumed inside the caller's
// transaction. The consumption record and the task mutation the token
// authorizes commit atomically, so a crash between verify and execute can
// never leave a half-spent token. Second use fails with ErrTokenReplayed.
func (s *Store) ConsumeApprovalTokenTx(ctx context.Context, tx *sql.Tx, tokenID, taskID, approverUserID, fingerprint string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE entity_type = 'approval_token' AND entity_id = ? AND action = 'TOKEN_CONSUMED';
	`, tokenID).Scan(&n); err != nil {
		return fmt.Errorf("check token consumption: %w", err)
	}
	if n > 0 {
		return &ErrTokenReplayed{TokenID: tokenID}
	}
	return s.appendAuditTx(ctx, tx, AuditEvent{
		EntityType: "approval_token",
		EntityID:   tokenID,
		ActorRole:  "orchestrator",
		Action:     "TOKEN_CONSUMED",
		Allowed:    true,
		Reason:     "approval token consumed",
		Metadata: map[string]any{
			"task_id":          taskID,
			"approver_user_id": approverUserID,
			"fingerprint":      fingerprint,
		},
	})
}

// PruneAuditEvents deletes events older than the retention window and
// returns the number removed.
func (s *Store) PruneAuditEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}
