package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/warroom/warroom/internal/approval"
	"github.com/warroom/warroom/internal/config"
	"github.com/warroom/warroom/internal/dlp"
	"github.com/warroom/warroom/internal/lifecycle"
	"github.com/warroom/warroom/internal/persistence"
	"github.com/warroom/warroom/internal/policy"
	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/telemetry"
	"github.com/warroom/warroom/internal/tools"
	"github.com/warroom/warroom/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s serve                    Run the orchestrator poll loop
  %s enqueue [options]        Enqueue a task from an envelope file
                              Options: -agent <key> -title <text> -issue <n>
                                       -envelope <file> -token <approval token>
  %s status [-json]           Show tasks, lease, and agents
  %s approve [options]        Issue an approval token for an envelope
                              Options: -envelope <file> -approver <user id>
                                       -email <addr> -ttl <minutes>
  %s cancel -task <id>        Request cooperative cancellation of a task
  %s agent -key <k> [flags]   Register or update an agent

ENVIRONMENT VARIABLES:
  WARROOM_HOME              Data directory (default: ~/.warroom)
  WARROOM_APPROVAL_SECRET   HMAC secret for approval tokens
  WARROOM_GITHUB_TOKEN      Enables git.pr.create
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var exitErr error
	switch os.Args[1] {
	case "serve":
		exitErr = runServe(cfg)
	case "enqueue":
		exitErr = runEnqueue(cfg, os.Args[2:])
	case "status":
		exitErr = runStatus(cfg, os.Args[2:])
	case "approve":
		exitErr = runApprove(cfg, os.Args[2:])
	case "cancel":
		exitErr = runCancel(cfg, os.Args[2:])
	case "agent":
		exitErr = runAgent(cfg, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if exitErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", exitErr)
		os.Exit(1)
	}
}

func runServe(cfg config.Config) error {
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitOTel(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	roots := cfg.WorkspaceRoots
	if len(roots) == 0 {
		wd, _ := os.Getwd()
		roots = []string{wd}
	}
	ws, err := workspace.ResolveContext(roots)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	filePolicy, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	live := policy.NewLivePolicy(filePolicy)

	filter := dlp.New(mustDLPMode(cfg.DLPMode))
	registry := tools.NewRegistry(ws, filter, live, executorCaps(cfg))
	if cfg.GitHub.Token != "" {
		registry.Git.ConfigureGitHub(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo)
	}

	var codec *approval.Codec
	if cfg.ApprovalSecret != "" {
		codec, err = approval.NewCodec([]byte(cfg.ApprovalSecret))
		if err != nil {
			return fmt.Errorf("approval codec: %w", err)
		}
	} else {
		logger.Warn("approval secret not configured; approval-gated tasks will park MANUAL_REQUIRED")
	}

	engine, err := lifecycle.New(lifecycle.Options{
		Store:        store,
		Tools:        registry,
		Policy:       policy.NewEngine(live),
		Codec:        codec,
		Drift:        nil, // board lookup is wired by the hosting deployment
		Logger:       logger,
		Metrics:      metrics,
		PollInterval: cfg.PollInterval(),
		LeaseTTL:     cfg.LeaseTTL(),
		StaleAfter:   cfg.StaleThreshold(),
		Backoff: persistence.BackoffConfig{
			Base:   cfg.BackoffBase(),
			Max:    cfg.BackoffMax(),
			Jitter: cfg.BackoffJitter(),
		},
	})
	if err != nil {
		return err
	}

	// Hot-reload the operator policy, fail closed on parse errors.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("policy watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Path != cfg.PolicyPath() {
					continue
				}
				if err := live.ReloadFromFile(ev.Path); err != nil {
					logger.Error("policy reload refused", "error", err)
					continue
				}
				logger.Info("policy reloaded", "path", ev.Path)
			}
		}()
	}

	err = engine.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runEnqueue(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	agentKey := fs.String("agent", "", "agent key")
	title := fs.String("title", "", "task title")
	issue := fs.Int("issue", 0, "linked board issue number")
	envelopePath := fs.String("envelope", "", "path to the tool-call envelope JSON")
	token := fs.String("token", "", "approval token")
	maxAttempts := fs.Int("max-attempts", 0, "override retry budget")
	_ = fs.Parse(args)

	if *agentKey == "" || *envelopePath == "" {
		return fmt.Errorf("enqueue requires -agent and -envelope")
	}
	raw, err := os.ReadFile(*envelopePath)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	filePolicy, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return err
	}
	engine := policy.NewEngine(policy.NewLivePolicy(filePolicy))

	task, err := lifecycle.Enqueue(context.Background(), store, engine, lifecycle.EnqueueInput{
		AgentKey:      *agentKey,
		Title:         *title,
		IssueNumber:   *issue,
		Envelope:      raw,
		ApprovalToken: *token,
		MaxAttempts:   *maxAttempts,
	})
	if err != nil {
		return err
	}
	fmt.Printf("task %s enqueued with status %s\n", task.ID, task.Status)
	return nil
}

func runStatus(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	_ = fs.Parse(args)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	lease, err := store.GetLease(ctx)
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(ctx, "", 50)
	if err != nil {
		return err
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"lease": lease, "tasks": tasks, "agents": agents,
		})
	}

	if lease == nil {
		fmt.Println("lease: unowned")
	} else {
		fmt.Printf("lease: %s on %s (pid %d), expires %s\n",
			lease.OwnerID, lease.OwnerHost, lease.OwnerPID, lease.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("agents: %d registered\n", len(agents))
	for _, agent := range agents {
		fmt.Printf("  %-20s enabled=%-5t readiness=%-9s runtime=%-6s role=%s\n",
			agent.Key, agent.Enabled, agent.Readiness, agent.Runtime, agent.ControlRole)
	}
	fmt.Printf("tasks: %d (newest first)\n", len(tasks))
	for _, task := range tasks {
		fmt.Printf("  %s  %-15s attempts=%d/%d  %s\n",
			task.ID[:8], task.Status, task.AttemptCount, task.MaxAttempts, task.Title)
	}
	return nil
}

func runApprove(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	envelopePath := fs.String("envelope", "", "path to the tool-call envelope JSON")
	approver := fs.String("approver", "", "approver user id")
	email := fs.String("email", "", "approver email")
	ttlMin := fs.Int("ttl", 0, "token lifetime in minutes")
	_ = fs.Parse(args)

	if *envelopePath == "" || *approver == "" {
		return fmt.Errorf("approve requires -envelope and -approver")
	}
	if cfg.ApprovalSecret == "" {
		return fmt.Errorf("WARROOM_APPROVAL_SECRET is not configured")
	}

	raw, err := os.ReadFile(*envelopePath)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	env, violation := protocol.Validate(raw)
	if violation != nil {
		return fmt.Errorf("envelope rejected: %s: %s", violation.Code, violation.Reason)
	}

	codec, err := approval.NewCodec([]byte(cfg.ApprovalSecret))
	if err != nil {
		return err
	}
	ttl := cfg.ApprovalTTL()
	if *ttlMin > 0 {
		ttl = time.Duration(*ttlMin) * time.Minute
	}
	token, payload, err := codec.Issue(*approver, *email, approval.Fingerprint(env), time.Now().UTC(), ttl)
	if err != nil {
		return err
	}
	fmt.Printf("token: %s\nexpires: %s\n", token, time.Unix(payload.ExpiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func runCancel(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")
	_ = fs.Parse(args)
	if *taskID == "" {
		return fmt.Errorf("cancel requires -task")
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.RequestCancel(context.Background(), *taskID); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", *taskID)
	return nil
}

func runAgent(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	key := fs.String("key", "", "agent key")
	enabled := fs.Bool("enabled", true, "agent enabled")
	readiness := fs.String("readiness", persistence.ReadinessReady, "READY | PAUSED | NOT_READY")
	runtime := fs.String("runtime", persistence.RuntimeLocal, "LOCAL | CLOUD | MANUAL")
	role := fs.String("role", persistence.ControlRoleAlpha, "ALPHA | BETA")
	_ = fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("agent requires -key")
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.UpsertAgent(context.Background(), persistence.Agent{
		Key:         *key,
		Enabled:     *enabled,
		Readiness:   *readiness,
		Runtime:     *runtime,
		ControlRole: *role,
	}); err != nil {
		return err
	}
	fmt.Printf("agent %s registered\n", *key)
	return nil
}

func mustDLPMode(raw string) dlp.Mode {
	mode, err := dlp.ParseMode(raw)
	if err != nil {
		return dlp.ModeRedact
	}
	return mode
}

func executorCaps(cfg config.Config) tools.Caps {
	return tools.Caps{
		MaxCommandLen:  cfg.Executor.MaxCommandLen,
		MaxOutputBytes: cfg.Executor.MaxOutputKB * 1024,
		ShellTimeout:   time.Duration(cfg.Executor.ShellTimeoutS) * time.Second,
		GitTimeout:     time.Duration(cfg.Executor.GitTimeoutS) * time.Second,
		MaxReadBytes:   cfg.Executor.MaxReadKB * 1024,
		MaxWriteBytes:  cfg.Executor.MaxWriteKB * 1024,
		MaxListEntries: cfg.Executor.MaxListEntries,
		MaxSearchHits:  cfg.Executor.MaxSearchHits,
	}
}
