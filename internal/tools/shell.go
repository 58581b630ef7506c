package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/workspace"
)

// Shell executor failure codes.
const (
	CodeCommandTooLong = "COMMAND_TOO_LONG"
	CodeOutputCap      = "OUTPUT_CAP_EXCEEDED"
	CodeShellTimeout   = "SHELL_TIMEOUT"
	CodeShellCanceled  = "SHELL_CANCELED"
)

const shellBinary = "/bin/sh"

// ulimitPreamble is prepended to every command. Unsupported limits fail
// silently inside the child shell; the user command still runs.
const ulimitPreamble = `ulimit -t 60 2>/dev/null
ulimit -v 1048576 2>/dev/null
ulimit -u 256 2>/dev/null
`

// execShell runs one command through the fixed shell, non-interactively,
// with the resource caps and a cooperative cancellation poll. Output streams
// through emit in DLP-filtered chunks; the collected (capped) output lands
// in the result.
func (r *Registry) execShell(ctx context.Context, call protocol.Call, cancel CancelCheck, emit Emit) (*Result, error) {
	command, err := argString(call, "command")
	if err != nil {
		return nil, err
	}
	if len(command) > r.Caps.MaxCommandLen {
		return nil, &workspace.Denial{
			Code:   CodeCommandTooLong,
			Reason: fmt.Sprintf("command is %d bytes, cap is %d", len(command), r.Caps.MaxCommandLen),
		}
	}
	workDir := r.Workspace.Roots[0]
	if wd, wdErr := argString(call, "working_dir"); wdErr == nil {
		abs, denial := r.Workspace.ResolveTarget(wd)
		if denial != nil {
			return nil, denial
		}
		workDir = abs
	}

	runCtx, stop := context.WithTimeout(ctx, r.Caps.ShellTimeout)
	defer stop()

	cmd := exec.CommandContext(runCtx, shellBinary, "-c", ulimitPreamble+command)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Terminate the whole process group, not just the shell.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.Caps.CancelGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}

	var (
		mu        sync.Mutex
		collected strings.Builder
		total     int64
		overflow  bool
	)
	// The reader counts raw bytes, not lines, so the cap holds even for
	// un-newlined output. After overflow it keeps draining the pipe so the
	// child never blocks on a full buffer before the kill lands.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				mu.Lock()
				total += int64(n)
				kill := false
				drained := overflow
				if !overflow {
					remain := r.Caps.MaxOutputBytes - int64(collected.Len())
					if int64(n) > remain {
						collected.Write(buf[:remain])
						overflow = true
						kill = true
					} else {
						collected.Write(buf[:n])
					}
				}
				mu.Unlock()
				if kill {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				} else if emit != nil && !drained {
					emit(r.Filter.Apply(string(buf[:n])).Text)
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	// Cooperative cancellation: poll the predicate, terminate, grace, kill.
	canceled := make(chan struct{})
	pollDone := make(chan struct{})
	if cancel != nil {
		go func() {
			defer close(pollDone)
			ticker := time.NewTicker(r.Caps.CancelPollEvery)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if cancel() {
						close(canceled)
						_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
						select {
						case <-runCtx.Done():
						case <-time.After(r.Caps.CancelGrace):
							_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
						}
						return
					}
				}
			}
		}()
	} else {
		close(pollDone)
	}

	waitErr := cmd.Wait()
	stop()
	<-readDone
	<-pollDone

	mu.Lock()
	output := collected.String()
	truncated := overflow
	mu.Unlock()
	if truncated {
		output += truncationMarker
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	metadata := map[string]any{
		"command":      command,
		"exit_code":    exitCode,
		"output_bytes": total,
		"truncated":    truncated,
		"timeout":      r.Caps.ShellTimeout.String(),
		"output_cap":   r.Caps.MaxOutputBytes,
	}

	select {
	case <-canceled:
		metadata["failure_code"] = CodeShellCanceled
		return nil, &workspace.Denial{
			Code:   CodeShellCanceled,
			Reason: "command stopped by cooperative cancellation",
		}
	default:
	}
	if runCtx.Err() == context.DeadlineExceeded {
		metadata["failure_code"] = CodeShellTimeout
		return nil, &workspace.Denial{
			Code:   CodeShellTimeout,
			Reason: fmt.Sprintf("command exceeded the %s wall-clock timeout", r.Caps.ShellTimeout),
		}
	}
	if truncated {
		metadata["failure_code"] = CodeOutputCap
	}

	return &Result{
		Output:   output,
		Metadata: metadata,
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactLog, Name: "shell"},
		},
	}, nil
}
