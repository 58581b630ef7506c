package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warroom/warroom/internal/persistence"
	"github.com/warroom/warroom/internal/policy"
	"github.com/warroom/warroom/internal/protocol"
)

// EnqueueInput is the external enqueue surface (UI, email ingestion).
type EnqueueInput struct {
	AgentKey      string          `json:"agentKey"`
	Title         string          `json:"title"`
	IssueNumber   int             `json:"issueNumber,omitempty"`
	ThreadID      string          `json:"threadId,omitempty"`
	Envelope      json.RawMessage `json:"envelope"`
	ApprovalToken string          `json:"approvalToken,omitempty"`
	MaxAttempts   int             `json:"maxAttempts,omitempty"`
}

// Enqueue judges the task synchronously against agent readiness and
// protocol/policy validation, then inserts it QUEUED or MANUAL_REQUIRED.
// The judgment is advisory: the engine re-validates at claim time.
func Enqueue(ctx context.Context, store *persistence.Store, eng *policy.Engine, input EnqueueInput) (*persistence.Task, error) {
	if input.AgentKey == "" {
		return nil, fmt.Errorf("agentKey required")
	}

	payload, err := json.Marshal(TaskPayload{
		Envelope:      input.Envelope,
		ApprovalToken: input.ApprovalToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	req := persistence.EnqueueRequest{
		AgentKey:    input.AgentKey,
		Title:       input.Title,
		IssueNumber: input.IssueNumber,
		ThreadID:    input.ThreadID,
		Payload:     string(payload),
		MaxAttempts: input.MaxAttempts,
	}

	agent, err := store.GetAgent(ctx, input.AgentKey)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return store.InsertTask(ctx, req, persistence.TaskStatusManualRequired,
			fmt.Sprintf("agent %q is not registered", input.AgentKey))
	}
	if !agent.Claimable() {
		return store.InsertTask(ctx, req, persistence.TaskStatusManualRequired,
			fmt.Sprintf("agent %q is not claimable (enabled=%t readiness=%s runtime=%s role=%s)",
				agent.Key, agent.Enabled, agent.Readiness, agent.Runtime, agent.ControlRole))
	}

	env, violation := protocol.Validate(input.Envelope)
	if violation != nil {
		return store.InsertTask(ctx, req, persistence.TaskStatusManualRequired,
			fmt.Sprintf("%s: %s", violation.Code, violation.Reason))
	}
	evaluation := eng.Evaluate(env)
	if !evaluation.Allowed {
		return store.InsertTask(ctx, req, persistence.TaskStatusManualRequired, evaluation.DenyReason())
	}
	if evaluation.RequiresApproval && input.ApprovalToken == "" {
		return store.InsertTask(ctx, req, persistence.TaskStatusManualRequired,
			"envelope requires HUMAN_APPROVAL but no approval token was supplied")
	}

	return store.InsertTask(ctx, req, persistence.TaskStatusQueued, "")
}
