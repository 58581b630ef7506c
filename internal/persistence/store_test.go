package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable time source shared by a test and its store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := newFakeClock()
	store.SetClock(clock.Now)
	return store, clock
}

func registerReadyAgent(t *testing.T, store *Store, key string) {
	t.Helper()
	err := store.UpsertAgent(context.Background(), Agent{
		Key: key, Enabled: true, Readiness: ReadinessReady,
		Runtime: RuntimeLocal, ControlRole: ControlRoleAlpha,
	})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
}

func holdLease(t *testing.T, store *Store, ownerID string) {
	t.Helper()
	held, _, err := store.AcquireOrRenewLease(context.Background(), LeaseOwner{ID: ownerID, Host: "h", PID: 1}, time.Minute)
	if err != nil || !held {
		t.Fatalf("acquire lease: held=%v err=%v", held, err)
	}
}

func TestLease_SingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	held, code, err := store.AcquireOrRenewLease(ctx, LeaseOwner{ID: "owner-a", Host: "h1", PID: 100}, time.Minute)
	if err != nil || !held || code != LeaseAcquired {
		t.Fatalf("first acquire: held=%v code=%s err=%v", held, code, err)
	}

	held, code, err = store.AcquireOrRenewLease(ctx, LeaseOwner{ID: "owner-b", Host: "h2", PID: 200}, time.Minute)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if held || code != LeaseHeldByActiveOwner {
		t.Fatalf("second owner must lose: held=%v code=%s", held, code)
	}

	lease, err := store.GetLease(ctx)
	if err != nil || lease == nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.OwnerID != "owner-a" {
		t.Fatalf("lease owner = %s, want owner-a", lease.OwnerID)
	}
}

func TestLease_SingleWinnerUnderConcurrentContention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	start := make(chan struct{})
	results := make([]bool, contenders)
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			held, _, err := store.AcquireOrRenewLease(ctx,
				LeaseOwner{ID: fmt.Sprintf("owner-%d", i), Host: "h", PID: i + 1}, time.Minute)
			results[i] = held
			errs[i] = err
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	winner := -1
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("owner-%d: %v", i, errs[i])
		}
		if results[i] {
			winners++
			winner = i
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	lease, err := store.GetLease(ctx)
	if err != nil || lease == nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.OwnerID != fmt.Sprintf("owner-%d", winner) {
		t.Fatalf("lease owner = %s, winner was owner-%d", lease.OwnerID, winner)
	}
}

func TestLease_RenewBumpsHeartbeatWithoutAuditFlood(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	holdLease(t, store, "owner-a")

	for i := 0; i < 3; i++ {
		held, code, err := store.AcquireOrRenewLease(ctx, LeaseOwner{ID: "owner-a"}, time.Minute)
		if err != nil || !held || code != LeaseRenewed {
			t.Fatalf("renew %d: held=%v code=%s err=%v", i, held, code, err)
		}
	}

	lease, _ := store.GetLease(ctx)
	if lease.HeartbeatCount != 3 {
		t.Fatalf("heartbeat_count = %d, want 3", lease.HeartbeatCount)
	}
	events, err := store.ListAuditEvents(ctx, "lease", "orchestrator", 50)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 1 || events[0].Action != LeaseAcquired {
		t.Fatalf("renewals must not audit; events=%+v", events)
	}
}

func TestLease_ReclaimStale(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	holdLease(t, store, "owner-a")

	clock.Advance(2 * time.Minute)
	held, code, err := store.AcquireOrRenewLease(ctx, LeaseOwner{ID: "owner-b"}, time.Minute)
	if err != nil || !held || code != LeaseReclaimStale {
		t.Fatalf("stale reclaim: held=%v code=%s err=%v", held, code, err)
	}

	events, _ := store.ListAuditEvents(ctx, "lease", "orchestrator", 50)
	var sawReclaim bool
	for _, ev := range events {
		if ev.Action == LeaseReclaimStale && strings.Contains(ev.Reason, "owner-a") {
			sawReclaim = true
		}
	}
	if !sawReclaim {
		t.Fatalf("reclaim must audit the displaced owner; events=%+v", events)
	}
}

func TestWithLeaseAuthority_RejectsNonHolder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	holdLease(t, store, "owner-a")

	err := store.CompleteTask(ctx, "owner-b", "no-such-task", "done")
	if !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}
}

func TestTask_EnqueueClaimComplete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	registerReadyAgent(t, store, "agent-1")
	holdLease(t, store, "owner-a")

	task, err := store.InsertTask(ctx, EnqueueRequest{AgentKey: "agent-1", Title: "fix bug", IssueNumber: 42}, TaskStatusQueued, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != TaskStatusQueued || task.MaxAttempts != 3 {
		t.Fatalf("unexpected enqueue row: %+v", task)
	}

	claimed, err := store.ClaimNextQueued(ctx, "owner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("claim returned %+v, want task %s", claimed, task.ID)
	}
	if claimed.Status != TaskStatusRunning || claimed.AttemptCount != 1 {
		t.Fatalf("claim must increment attempt and set RUNNING: %+v", claimed)
	}

	// Nothing else is claimable while the only task runs.
	again, err := store.ClaimNextQueued(ctx, "owner-a")
	if err != nil || again != nil {
		t.Fatalf("second claim should find nothing: %+v %v", again, err)
	}

	if err := store.CompleteTask(ctx, "owner-a", task.ID, "all checks passed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskStatusDone || got.FinishedAt == nil {
		t.Fatalf("task not finalized: %+v", got)
	}
}

func TestClaim_GatedByAgentRegistry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	holdLease(t, store, "owner-a")

	cases := []Agent{
		{Key: "disabled", Enabled: false, Readiness: ReadinessReady, Runtime: RuntimeLocal, ControlRole: ControlRoleAlpha},
		{Key: "paused", Enabled: true, Readiness: ReadinessPaused, Runtime: RuntimeLocal, ControlRole: ControlRoleAlpha},
		{Key: "manual", Enabled: true, Readiness: ReadinessReady, Runtime: RuntimeManual, ControlRole: ControlRoleAlpha},
		{Key: "beta", Enabled: true, Readiness: ReadinessReady, Runtime: RuntimeLocal, ControlRole: ControlRoleBeta},
	}
	for _, agent := range cases {
		if err := store.UpsertAgent(ctx, agent); err != nil {
			t.Fatalf("upsert %s: %v", agent.Key, err)
		}
		if _, err := store.InsertTask(ctx, EnqueueRequest{AgentKey: agent.Key, Title: "t"}, TaskStatusQueued, ""); err != nil {
			t.Fatalf("enqueue for %s: %v", agent.Key, err)
		}
	}

	claimed, err := store.ClaimNextQueued(ctx, "owner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("no ineligible agent's task may be claimed, got %+v", claimed)
	}
}

func TestFailure_RetryThenDeadLetterAtBudget(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	registerReadyAgent(t, store, "agent-1")
	holdLease(t, store, "owner-a")

	task, err := store.InsertTask(ctx, EnqueueRequest{AgentKey: "agent-1", Title: "flaky", MaxAttempts: 3}, TaskStatusQueued, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	backoff := BackoffConfig{Base: 30 * time.Second, Max: 15 * time.Minute, Jitter: 0}

	for attempt := 1; attempt <= 3; attempt++ {
		holdLease(t, store, "owner-a") // heartbeat across the advanced clock
		claimed, err := store.ClaimNextQueued(ctx, "owner-a")
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if claimed == nil || claimed.AttemptCount != attempt {
			t.Fatalf("attempt %d: claimed=%+v", attempt, claimed)
		}

		outcome, err := store.HandleTaskFailure(ctx, "owner-a", task.ID, FailureProviderTimeout, "upstream timed out", backoff)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			if outcome.Status != TaskStatusQueued {
				t.Fatalf("attempt %d should requeue, got %s", attempt, outcome.Status)
			}
			wantDelay := backoff.Base << uint(attempt-1)
			if got := outcome.NextAttemptAt.Sub(clock.Now()); got != wantDelay {
				t.Fatalf("attempt %d backoff = %v, want %v", attempt, got, wantDelay)
			}
			// Backoff holds the task until the schedule elapses.
			if early, _ := store.ClaimNextQueued(ctx, "owner-a"); early != nil {
				t.Fatalf("task claimed before backoff elapsed")
			}
			clock.Advance(wantDelay)
		} else if outcome.Status != TaskStatusDeadLetter || !outcome.Exhausted {
			t.Fatalf("final attempt must dead-letter: %+v", outcome)
		}
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskStatusDeadLetter || got.LastFailureCode != string(FailureProviderTimeout) {
		t.Fatalf("dead-letter row: %+v", got)
	}
}

func TestFailure_NonRetryableDeadLettersImmediately(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	registerReadyAgent(t, store, "agent-1")
	holdLease(t, store, "owner-a")

	task, _ := store.InsertTask(ctx, EnqueueRequest{AgentKey: "agent-1", Title: "t", MaxAttempts: 5}, TaskStatusQueued, "")
	if _, err := store.ClaimNextQueued(ctx, "owner-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	outcome, err := store.HandleTaskFailure(ctx, "owner-a", task.ID, FailureAuthRejected, "credentials rejected", DefaultBackoff())
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome.Status != TaskStatusDeadLetter {
		t.Fatalf("AUTH_REJECTED must dead-letter on first failure, got %s", outcome.Status)
	}
}

func TestCancel_IdempotentAndResumable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	registerReadyAgent(t, store, "agent-1")
	holdLease(t, store, "owner-a")

	task, _ := store.InsertTask(ctx, EnqueueRequest{AgentKey: "agent-1", Title: "t"}, TaskStatusQueued, "")
	if _, err := store.ClaimNextQueued(ctx, "owner-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RequestCancel(ctx, task.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !store.IsCancelRequested(ctx, task.ID) {
		t.Fatalf("cancel flag not visible")
	}

	if err := store.CancelTask(ctx, "owner-a", task.ID, "operator stop", true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Second cancel is a no-op, not an illegal transition.
	if err := store.CancelTask(ctx, "owner-a", task.ID, "operator stop", true); err != nil {
		t.Fatalf("repeat cancel must be idempotent: %v", err)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskStatusCanceled || !got.Resumable {
		t.Fatalf("cancel row: %+v", got)
	}
}

func TestTransitionTable_RejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		action string
		from   TaskStatus
		to     TaskStatus
		legal  bool
	}{
		{"claim", TaskStatusQueued, TaskStatusRunning, true},
		{"claim", TaskStatusDone, TaskStatusRunning, false},
		{"complete", TaskStatusQueued, TaskStatusDone, false},
		{"retry", TaskStatusRunning, TaskStatusQueued, true},
		{"dead_letter", TaskStatusQueued, TaskStatusDeadLetter, false},
		{"manual_block", TaskStatusRunning, TaskStatusManualRequired, true},
		{"complete", TaskStatusRunning, TaskStatusQueued, false},
	}
	for _, tc := range cases {
		err := validateTransition(tc.action, tc.from, tc.to)
		if tc.legal && err != nil {
			t.Errorf("%s %s->%s should be legal: %v", tc.action, tc.from, tc.to, err)
		}
		if !tc.legal && err == nil {
			t.Errorf("%s %s->%s should be rejected", tc.action, tc.from, tc.to)
		}
	}
}

func TestRecoverStaleRunning(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	registerReadyAgent(t, store, "agent-1")
	holdLease(t, store, "owner-a")

	task, _ := store.InsertTask(ctx, EnqueueRequest{AgentKey: "agent-1", Title: "t"}, TaskStatusQueued, "")
	if _, err := store.ClaimNextQueued(ctx, "owner-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Fresh RUNNING tasks stay untouched.
	holdLease(t, store, "owner-a")
	if n, err := store.RecoverStaleRunning(ctx, "owner-a", time.Hour); err != nil || n != 0 {
		t.Fatalf("fresh sweep: n=%d err=%v", n, err)
	}

	clock.Advance(2 * time.Hour)
	holdLease(t, store, "owner-a")
	n, err := store.RecoverStaleRunning(ctx, "owner-a", time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("stale sweep: n=%d err=%v", n, err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskStatusQueued || got.LastFailureCode != "STALE_RUNNING" {
		t.Fatalf("recovered row: %+v", got)
	}
}

func TestApprovalToken_ReplayRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	holdLease(t, store, "owner-a")

	consume := func() error {
		return store.WithLeaseAuthority(ctx, "owner-a", "consume", func(tx *sql.Tx) error {
			return store.ConsumeApprovalTokenTx(ctx, tx, "tok-1", "task-1", "u-1", "fp-abc")
		})
	}

	if err := consume(); err != nil {
		t.Fatalf("first consumption: %v", err)
	}

	err := consume()
	var replay *ErrTokenReplayed
	if !errors.As(err, &replay) {
		t.Fatalf("second consumption must fail with ErrTokenReplayed, got %v", err)
	}
	if replay.TokenID != "tok-1" {
		t.Fatalf("replay error token id = %s", replay.TokenID)
	}

	consumed, err := store.WasTokenConsumed(ctx, "tok-1")
	if err != nil || !consumed {
		t.Fatalf("WasTokenConsumed = %v, %v", consumed, err)
	}
	if consumed, _ := store.WasTokenConsumed(ctx, "tok-2"); consumed {
		t.Fatalf("unseen token reported consumed")
	}
}
