package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent readiness, runtime, and control-role enums mirror the table CHECKs.
const (
	ReadinessReady    = "READY"
	ReadinessPaused   = "PAUSED"
	ReadinessNotReady = "NOT_READY"

	RuntimeLocal  = "LOCAL"
	RuntimeCloud  = "CLOUD"
	RuntimeManual = "MANUAL"

	ControlRoleAlpha = "ALPHA"
	ControlRoleBeta  = "BETA"
)

// Agent is a registry row. Tasks reference agents by key; the claim query
// only dispatches work for enabled READY ALPHA agents on an automated
// runtime.
type Agent struct {
	Key         string    `json:"key"`
	Enabled     bool      `json:"enabled"`
	Readiness   string    `json:"readiness"`
	Runtime     string    `json:"runtime"`
	ControlRole string    `json:"control_role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Claimable reports whether tasks for this agent may be dispatched.
func (a *Agent) Claimable() bool {
	return a.Enabled &&
		a.Readiness == ReadinessReady &&
		a.Runtime != RuntimeManual &&
		a.ControlRole == ControlRoleAlpha
}

// UpsertAgent registers or updates an agent. Zero-valued fields fall back to
// the registry defaults.
func (s *Store) UpsertAgent(ctx context.Context, agent Agent) error {
	if agent.Key == "" {
		return fmt.Errorf("agent key required")
	}
	if agent.Readiness == "" {
		agent.Readiness = ReadinessReady
	}
	if agent.Runtime == "" {
		agent.Runtime = RuntimeLocal
	}
	if agent.ControlRole == "" {
		agent.ControlRole = ControlRoleAlpha
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (key, enabled, readiness, runtime, control_role)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				enabled = excluded.enabled,
				readiness = excluded.readiness,
				runtime = excluded.runtime,
				control_role = excluded.control_role,
				updated_at = CURRENT_TIMESTAMP;
		`, agent.Key, agent.Enabled, agent.Readiness, agent.Runtime, agent.ControlRole)
		if err != nil {
			return fmt.Errorf("upsert agent %s: %w", agent.Key, err)
		}
		return nil
	})
}

// GetAgent returns the registry row, or nil when the key is unknown.
func (s *Store) GetAgent(ctx context.Context, key string) (*Agent, error) {
	var agent Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT key, enabled, readiness, runtime, control_role, created_at, updated_at
		FROM agents WHERE key = ?;
	`, key).Scan(&agent.Key, &agent.Enabled, &agent.Readiness, &agent.Runtime,
		&agent.ControlRole, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", key, err)
	}
	return &agent, nil
}

// ListAgents returns all registered agents ordered by key.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, enabled, readiness, runtime, control_role, created_at, updated_at
		FROM agents ORDER BY key ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		if err := rows.Scan(&agent.Key, &agent.Enabled, &agent.Readiness, &agent.Runtime,
			&agent.ControlRole, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// SetAgentReadiness flips just the readiness column.
func (s *Store) SetAgentReadiness(ctx context.Context, key, readiness string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET readiness = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?;
	`, readiness, key)
	if err != nil {
		return fmt.Errorf("set agent readiness: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown agent %s", key)
	}
	return nil
}
