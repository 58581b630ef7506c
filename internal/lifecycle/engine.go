// Package lifecycle drives the orchestrator: a single cooperative polling
// loop that acquires the writer lease, claims queued tasks, validates and
// policy-checks their tool-call envelopes, verifies and consumes approval
// tokens, dispatches the executors, and finalizes the task through the
// state machine.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/warroom/warroom/internal/approval"
	"github.com/warroom/warroom/internal/board"
	"github.com/warroom/warroom/internal/persistence"
	"github.com/warroom/warroom/internal/policy"
	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/telemetry"
	"github.com/warroom/warroom/internal/tools"
	"github.com/warroom/warroom/internal/workspace"
)

// TaskPayload is what the tasks.payload column carries: the raw envelope and
// the approval token, when one was granted.
type TaskPayload struct {
	Envelope      json.RawMessage `json:"envelope"`
	ApprovalToken string          `json:"approvalToken,omitempty"`
}

// Options wires the engine's collaborators.
type Options struct {
	Store        *persistence.Store
	Tools        *tools.Registry
	Policy       *policy.Engine
	Codec        *approval.Codec
	Drift        *board.DriftCheck
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	PollInterval time.Duration
	LeaseTTL     time.Duration
	StaleAfter   time.Duration
	Backoff      persistence.BackoffConfig
	AgentKey     string
}

// Engine is one orchestrator process. Multiple engines may run against the
// same database; the lease keeps all but one of them read-only.
type Engine struct {
	store   *persistence.Store
	tools   *tools.Registry
	policy  *policy.Engine
	codec   *approval.Codec
	drift   *board.DriftCheck
	logger  *slog.Logger
	metrics *telemetry.Metrics

	pollInterval time.Duration
	leaseTTL     time.Duration
	staleAfter   time.Duration
	backoff      persistence.BackoffConfig

	owner persistence.LeaseOwner
	cron  *cron.Cron
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Tools == nil || opts.Policy == nil {
		return nil, fmt.Errorf("store, tools, and policy are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = persistence.DefaultBackoff()
	}

	host, _ := os.Hostname()
	return &Engine{
		store:        opts.Store,
		tools:        opts.Tools,
		policy:       opts.Policy,
		codec:        opts.Codec,
		drift:        opts.Drift,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		leaseTTL:     opts.LeaseTTL,
		staleAfter:   opts.StaleAfter,
		backoff:      opts.Backoff,
		owner: persistence.LeaseOwner{
			ID:       uuid.NewString(),
			Host:     host,
			PID:      os.Getpid(),
			AgentKey: opts.AgentKey,
		},
	}, nil
}

// OwnerID identifies this process in the lease row.
func (e *Engine) OwnerID() string { return e.owner.ID }

// Run is the poll loop. It returns when ctx is canceled; the lease is
// released on the way out.
func (e *Engine) Run(ctx context.Context) error {
	e.startMaintenance(ctx)
	defer e.stopMaintenance()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.logger.Info("lifecycle engine started",
		"owner_id", e.owner.ID, "poll_interval", e.pollInterval.String())

	for {
		e.pollOnce(ctx)
		select {
		case <-ctx.Done():
			release, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.store.ReleaseLease(release, e.owner.ID); err != nil {
				e.logger.Warn("lease release failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce is one heartbeat: renew the lease, then drain claimable tasks.
func (e *Engine) pollOnce(ctx context.Context) {
	held, code, err := e.store.AcquireOrRenewLease(ctx, e.owner, e.leaseTTL)
	if err != nil {
		e.logger.Error("lease acquisition failed", "error", err)
		return
	}
	if !held {
		// Another process is the writer; stay quiet and re-check next poll.
		return
	}
	if code == persistence.LeaseAcquired || code == persistence.LeaseReclaimStale {
		e.logger.Info("lease held", "code", code, "owner_id", e.owner.ID)
		if e.metrics != nil {
			e.metrics.LeaseAcquisitions.Add(ctx, 1)
		}
	}

	// A single long call can outlive the TTL stamped at claim time, which
	// would strand the task RUNNING until the stale sweep. Keep renewing in
	// the background while tasks execute.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx)

	for {
		task, err := e.store.ClaimNextQueued(ctx, e.owner.ID)
		if errors.Is(err, persistence.ErrLeaseNotHeld) {
			return
		}
		if err != nil {
			e.logger.Error("claim failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		if e.metrics != nil {
			e.metrics.TasksClaimed.Add(ctx, 1)
		}
		e.processTask(ctx, task)
		if ctx.Err() != nil {
			return
		}
	}
}

// heartbeat renews the lease at half the TTL until ctx is canceled, so a
// task that legally runs up to the executor timeouts can still be finalized
// under lease authority. Losing the lease stops the heartbeat; the claim
// loop notices via ErrLeaseNotHeld.
func (e *Engine) heartbeat(ctx context.Context) {
	interval := e.leaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, _, err := e.store.AcquireOrRenewLease(ctx, e.owner, e.leaseTTL)
			if err != nil {
				e.logger.Warn("lease heartbeat failed", "error", err)
				continue
			}
			if !held {
				return
			}
		}
	}
}

// processTask runs one claimed task end to end. Every exit path finalizes
// the task through exactly one state transition.
func (e *Engine) processTask(ctx context.Context, task *persistence.Task) {
	started := time.Now()
	logger := e.logger.With("task_id", task.ID, "agent_key", task.AgentKey, "attempt", task.AttemptCount)
	logger.Info("task started", "title", task.Title)

	var payload TaskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		e.blockManual(ctx, task, "ENVELOPE_MALFORMED", "task payload is not valid JSON: "+err.Error())
		return
	}

	// Validation: malformed envelopes are never retried.
	env, violation := protocol.Validate(payload.Envelope)
	if violation != nil {
		e.auditDecision(ctx, task, violation.Code, false, violation.Reason)
		e.blockManual(ctx, task, violation.Code, violation.Reason)
		return
	}

	// Policy: denials are terminal and always audited with the reason.
	evaluation := e.policy.Evaluate(env)
	for _, decision := range evaluation.Decisions {
		e.auditDecision(ctx, task, "POLICY_DECISION", decision.Allowed, decision.Reason)
	}
	if !evaluation.Allowed {
		if e.metrics != nil {
			e.metrics.PolicyDenials.Add(ctx, 1)
		}
		e.blockManual(ctx, task, "POLICY_DENIED", evaluation.DenyReason())
		return
	}

	// Drift guard: the board must still want this task executed.
	if e.drift != nil {
		if ok, reason := e.drift.Allow(ctx, task.IssueNumber); !ok {
			e.auditDecision(ctx, task, "BOARD_DRIFT", false, reason)
			e.blockManual(ctx, task, "BOARD_DRIFT", reason)
			return
		}
	}

	// Approval: verify the token against this exact envelope, then consume
	// it in the same transaction that records the execution start.
	if evaluation.RequiresApproval {
		if denied := e.consumeApproval(ctx, task, env, payload.ApprovalToken); denied != nil {
			e.auditDecision(ctx, task, denied.Code, false, denied.Reason)
			e.blockManual(ctx, task, denied.Code, denied.Reason)
			return
		}
	}

	// Dispatch.
	results, failClass, err := e.dispatch(ctx, task, env)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ToolCallErrors.Add(ctx, 1)
		}
		e.fail(ctx, task, failClass, err.Error())
		return
	}

	summary := fmt.Sprintf("%d call(s) completed", len(results))
	if err := e.store.CompleteTask(ctx, e.owner.ID, task.ID, summary); err != nil {
		logger.Error("complete failed", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.TasksCompleted.Add(ctx, 1)
		e.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds())
	}
	logger.Info("task done", "calls", len(results), "duration", time.Since(started).String())
}

// consumeApproval verifies the token and burns it atomically with the
// execution-start audit record.
func (e *Engine) consumeApproval(ctx context.Context, task *persistence.Task, env *protocol.Envelope, token string) *approval.Denial {
	if e.codec == nil {
		return &approval.Denial{Code: "CONFIG_MISSING", Reason: "approval secret not configured"}
	}
	if token == "" {
		return &approval.Denial{
			Code:   approval.CodeTokenFormat,
			Reason: "task requires HUMAN_APPROVAL but carries no approval token",
		}
	}
	fingerprint := approval.Fingerprint(env)
	payload, denial := e.codec.Verify(token, fingerprint, time.Now().UTC())
	if denial != nil {
		return denial
	}

	err := e.store.WithLeaseAuthority(ctx, e.owner.ID, "consume_approval", func(tx *sql.Tx) error {
		return e.store.ConsumeApprovalTokenTx(ctx, tx, payload.TokenID, task.ID, payload.ApproverUserID, fingerprint)
	})
	var replayed *persistence.ErrTokenReplayed
	if errors.As(err, &replayed) {
		return &approval.Denial{
			Code:   approval.CodeTokenReplay,
			Reason: fmt.Sprintf("approval token %s was already consumed", replayed.TokenID),
		}
	}
	if err != nil {
		return &approval.Denial{Code: "TOKEN_CONSUME_FAILED", Reason: err.Error()}
	}
	return nil
}

// dispatch executes the envelope's calls: in listed order for SEQUENTIAL,
// interleaved for PARALLEL. The first failing call stops the task.
func (e *Engine) dispatch(ctx context.Context, task *persistence.Task, env *protocol.Envelope) ([]*tools.Result, persistence.FailureClass, error) {
	cancelCheck := func() bool { return e.store.IsCancelRequested(ctx, task.ID) }

	runCall := func(ctx context.Context, call protocol.Call) (*tools.Result, error) {
		callStart := time.Now()
		result, err := e.tools.Dispatch(ctx, call, cancelCheck, nil)
		if e.metrics != nil {
			e.metrics.ToolCallDuration.Record(ctx, time.Since(callStart).Seconds())
		}
		if err != nil {
			e.auditExecution(ctx, task, call, false, err.Error(), nil)
			return nil, fmt.Errorf("call %s (%s): %w", call.ID, call.Tool, err)
		}
		if e.metrics != nil {
			if n, ok := result.Metadata["dlp_matches"].(int); ok {
				e.metrics.DLPMatches.Add(ctx, int64(n))
			}
		}
		e.auditExecution(ctx, task, call, true, "", result.Metadata)
		for _, artifact := range result.Artifacts {
			e.auditArtifact(ctx, task, call, artifact)
		}
		return result, nil
	}

	var results []*tools.Result
	switch env.Mode {
	case protocol.ModeParallel:
		results = make([]*tools.Result, len(env.Calls))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, call := range env.Calls {
			group.Go(func() error {
				result, err := runCall(groupCtx, call)
				if err != nil {
					return err
				}
				results[i] = result
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, classify(err), err
		}
	default:
		for _, call := range env.Calls {
			result, err := runCall(ctx, call)
			if err != nil {
				return nil, classify(err), err
			}
			results = append(results, result)
		}
	}
	return results, "", nil
}

// classify maps executor failures to the retry taxonomy. Security denials
// land on non-retryable classes; transport-looking failures get the
// retryable treatment.
func classify(err error) persistence.FailureClass {
	var denial *workspace.Denial
	if errors.As(err, &denial) {
		switch denial.Code {
		case tools.CodeShellTimeout, tools.CodeGitTimeout:
			return persistence.FailureProviderTimeout
		case tools.CodeShellCanceled:
			return persistence.FailureEmptyResponse
		default:
			// Path/symlink/binary/sensitive/policy denials: never retried.
			return persistence.FailureConfigMissing
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return persistence.FailureProviderTimeout
	}
	return persistence.FailureToolError
}

// fail routes a task failure through the retry/dead-letter machinery, with
// cancellation taking precedence over retry.
func (e *Engine) fail(ctx context.Context, task *persistence.Task, class persistence.FailureClass, detail string) {
	if e.store.IsCancelRequested(ctx, task.ID) {
		if err := e.store.CancelTask(ctx, e.owner.ID, task.ID, detail, true); err == nil {
			e.logger.Info("task canceled", "task_id", task.ID)
			return
		}
	}

	outcome, err := e.store.HandleTaskFailure(ctx, e.owner.ID, task.ID, class, detail, e.backoff)
	if err != nil {
		e.logger.Error("failure handling failed", "task_id", task.ID, "error", err)
		return
	}
	if e.metrics != nil {
		switch outcome.Status {
		case persistence.TaskStatusQueued:
			e.metrics.TasksRetried.Add(ctx, 1)
		case persistence.TaskStatusDeadLetter:
			e.metrics.TasksDeadLettered.Add(ctx, 1)
		}
	}
	e.logger.Warn("task failed",
		"task_id", task.ID, "class", string(class), "next_status", string(outcome.Status))
}

func (e *Engine) blockManual(ctx context.Context, task *persistence.Task, code, remediation string) {
	if err := e.store.BlockTaskManual(ctx, e.owner.ID, task.ID, code, remediation); err != nil {
		e.logger.Error("manual block failed", "task_id", task.ID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.TasksManual.Add(ctx, 1)
	}
	e.logger.Warn("task requires operator attention", "task_id", task.ID, "code", code, "reason", remediation)
}

// Audit helpers keep the per-call ordering contract: decision, execution,
// artifact.

func (e *Engine) auditDecision(ctx context.Context, task *persistence.Task, action string, allowed bool, reason string) {
	_ = e.store.AppendAudit(ctx, persistence.AuditEvent{
		EntityType: "task",
		EntityID:   task.ID,
		ActorRole:  "orchestrator",
		Action:     action,
		Allowed:    allowed,
		Reason:     reason,
	})
}

func (e *Engine) auditExecution(ctx context.Context, task *persistence.Task, call protocol.Call, allowed bool, reason string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["call_id"] = call.ID
	metadata["tool"] = call.Tool
	_ = e.store.AppendAudit(ctx, persistence.AuditEvent{
		EntityType: "task",
		EntityID:   task.ID,
		ActorRole:  "executor",
		Action:     "CALL_EXECUTED",
		Allowed:    allowed,
		Reason:     reason,
		Metadata:   metadata,
	})
}

func (e *Engine) auditArtifact(ctx context.Context, task *persistence.Task, call protocol.Call, artifact tools.Artifact) {
	_ = e.store.AppendAudit(ctx, persistence.AuditEvent{
		EntityType: "task",
		EntityID:   task.ID,
		ActorRole:  "executor",
		Action:     "ARTIFACT_PRODUCED",
		Allowed:    true,
		Metadata: map[string]any{
			"call_id": call.ID,
			"kind":    string(artifact.Kind),
			"name":    artifact.Name,
		},
	})
}

// startMaintenance schedules the stale-running sweep and audit retention on
// a cron. Both are lease-guarded, so non-holders run them as no-ops.
func (e *Engine) startMaintenance(ctx context.Context) {
	e.cron = cron.New()
	_, _ = e.cron.AddFunc("@every 5m", func() {
		recovered, err := e.store.RecoverStaleRunning(ctx, e.owner.ID, e.staleAfter)
		if errors.Is(err, persistence.ErrLeaseNotHeld) {
			return
		}
		if err != nil {
			e.logger.Error("stale sweep failed", "error", err)
			return
		}
		if recovered > 0 {
			e.logger.Warn("stale running tasks requeued", "count", recovered)
		}
	})
	e.cron.Start()
}

func (e *Engine) stopMaintenance() {
	if e.cron != nil {
		e.cron.Stop()
	}
}
