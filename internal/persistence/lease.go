package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseNotHeld means the caller tried a lifecycle mutation without a
// current non-expired lease. Retryable: the next poll cycle re-checks.
var ErrLeaseNotHeld = errors.New("orchestrator lease not held")

// Lease acquisition outcome codes.
const (
	LeaseAcquired          = "LEASE_ACQUIRED"
	LeaseRenewed           = "LEASE_RENEWED"
	LeaseReclaimStale      = "LEASE_RECLAIM_STALE"
	LeaseHeldByActiveOwner = "LEASE_HELD_BY_ACTIVE_OWNER"
)

// LeaseOwner identifies a contending process.
type LeaseOwner struct {
	ID       string
	Host     string
	PID      int
	AgentKey string
}

// Lease is the singleton orchestrator lease row.
type Lease struct {
	OwnerID        string
	OwnerHost      string
	OwnerPID       int
	OwnerAgentKey  string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
	HeartbeatCount int64
}

// AcquireOrRenewLease implements the single-writer contract: the requester
// becomes (or stays) owner when the lease is free, already theirs, or
// expired; otherwise the attempt is rejected without mutating anything.
// First acquisitions and reclaims from a stale owner are audited; routine
// renewals only bump heartbeat_count to avoid flooding the audit log.
func (s *Store) AcquireOrRenewLease(ctx context.Context, owner LeaseOwner, ttl time.Duration) (held bool, code string, err error) {
	if owner.ID == "" {
		return false, "", fmt.Errorf("lease owner id required")
	}
	if ttl <= 0 {
		return false, "", fmt.Errorf("lease ttl must be positive")
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin lease tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			currentOwner sql.NullString
			expiresAt    sql.NullTime
			staleOwner   string
		)
		if scanErr := tx.QueryRowContext(ctx, `
			SELECT owner_id, expires_at
			FROM orchestrator_lease
			WHERE id = 1;
		`).Scan(&currentOwner, &expiresAt); scanErr != nil {
			return fmt.Errorf("read lease row: %w", scanErr)
		}

		now := s.now()
		switch {
		case !currentOwner.Valid || currentOwner.String == "":
			code = LeaseAcquired
		case currentOwner.String == owner.ID:
			code = LeaseRenewed
		case expiresAt.Valid && now.After(expiresAt.Time):
			code = LeaseReclaimStale
			staleOwner = currentOwner.String
		default:
			code = LeaseHeldByActiveOwner
			held = false
			return tx.Rollback()
		}

		newExpiry := now.Add(ttl)
		if code == LeaseRenewed {
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE orchestrator_lease
				SET expires_at = ?, heartbeat_count = heartbeat_count + 1
				WHERE id = 1;
			`, newExpiry); execErr != nil {
				return fmt.Errorf("renew lease: %w", execErr)
			}
		} else {
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE orchestrator_lease
				SET owner_id = ?, owner_host = ?, owner_pid = ?, owner_agent_key = ?,
					acquired_at = ?, expires_at = ?, heartbeat_count = 0
				WHERE id = 1;
			`, owner.ID, owner.Host, owner.PID, owner.AgentKey, now, newExpiry); execErr != nil {
				return fmt.Errorf("acquire lease: %w", execErr)
			}
			reason := "lease acquired"
			if code == LeaseReclaimStale {
				reason = fmt.Sprintf("reclaimed stale lease from owner %s", staleOwner)
			}
			if auditErr := s.appendAuditTx(ctx, tx, AuditEvent{
				EntityType: "lease",
				EntityID:   "orchestrator",
				ActorRole:  "orchestrator",
				Action:     code,
				Allowed:    true,
				Reason:     reason,
				Metadata:   map[string]any{"owner_id": owner.ID, "host": owner.Host, "pid": owner.PID},
			}); auditErr != nil {
				return auditErr
			}
		}
		held = true
		return tx.Commit()
	})
	if err != nil {
		return false, "", err
	}
	return held, code, nil
}

// ReleaseLease clears the lease if ownerID currently holds it. Releasing a
// lease someone else holds is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_lease
		SET owner_id = NULL, owner_host = NULL, owner_pid = NULL, owner_agent_key = NULL,
			acquired_at = NULL, expires_at = NULL, heartbeat_count = 0
		WHERE id = 1 AND owner_id = ?;
	`, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return s.AppendAudit(ctx, AuditEvent{
			EntityType: "lease",
			EntityID:   "orchestrator",
			ActorRole:  "orchestrator",
			Action:     "LEASE_RELEASED",
			Allowed:    true,
			Reason:     "lease released by owner",
			Metadata:   map[string]any{"owner_id": ownerID},
		})
	}
	return nil
}

// GetLease returns the current lease row, or nil when unowned.
func (s *Store) GetLease(ctx context.Context) (*Lease, error) {
	var (
		lease     Lease
		ownerID   sql.NullString
		host      sql.NullString
		pid       sql.NullInt64
		agentKey  sql.NullString
		acquired  sql.NullTime
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, owner_host, owner_pid, owner_agent_key, acquired_at, expires_at, heartbeat_count
		FROM orchestrator_lease
		WHERE id = 1;
	`).Scan(&ownerID, &host, &pid, &agentKey, &acquired, &expiresAt, &lease.HeartbeatCount)
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if !ownerID.Valid || ownerID.String == "" {
		return nil, nil
	}
	lease.OwnerID = ownerID.String
	lease.OwnerHost = host.String
	lease.OwnerPID = int(pid.Int64)
	lease.OwnerAgentKey = agentKey.String
	if acquired.Valid {
		lease.AcquiredAt = acquired.Time
	}
	if expiresAt.Valid {
		lease.ExpiresAt = expiresAt.Time
	}
	return &lease, nil
}

// WithLeaseAuthority runs fn inside a transaction that first re-verifies the
// caller still owns a non-expired lease. Every task lifecycle mutation goes
// through here; losing the lease between poll and commit surfaces as
// ErrLeaseNotHeld with nothing written.
func (s *Store) WithLeaseAuthority(ctx context.Context, ownerID, op string, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", op, err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			currentOwner sql.NullString
			expiresAt    sql.NullTime
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT owner_id, expires_at
			FROM orchestrator_lease
			WHERE id = 1;
		`).Scan(&currentOwner, &expiresAt); err != nil {
			return fmt.Errorf("verify lease for %s: %w", op, err)
		}
		if !currentOwner.Valid || currentOwner.String != ownerID ||
			!expiresAt.Valid || s.now().After(expiresAt.Time) {
			return fmt.Errorf("%s: %w", op, ErrLeaseNotHeld)
		}

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
