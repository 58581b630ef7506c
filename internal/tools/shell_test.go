package tools

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warroom/warroom/internal/workspace"
)

func shellArgs(command string) map[string]any {
	return map[string]any{"command": command}
}

func TestShell_EchoAndExitCode(t *testing.T) {
	reg, _ := newTestRegistry(t)
	res, err := reg.execShell(context.Background(), fsCall("shell.exec", shellArgs("echo hello; exit 3")), nil, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Metadata["exit_code"] != 3 {
		t.Fatalf("exit_code = %v, want 3", res.Metadata["exit_code"])
	}
}

func TestShell_CommandLengthCap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Caps.MaxCommandLen = 10
	_, err := reg.execShell(context.Background(), fsCall("shell.exec", shellArgs("echo "+strings.Repeat("x", 50))), nil, nil)
	denial, ok := err.(*workspace.Denial)
	if !ok || denial.Code != CodeCommandTooLong {
		t.Fatalf("expected COMMAND_TOO_LONG, got %v", err)
	}
}

func TestShell_OutputCapKillsAndTruncates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Caps.MaxOutputBytes = 1024
	res, err := reg.execShell(context.Background(),
		fsCall("shell.exec", shellArgs("i=0; while [ $i -lt 100000 ]; do echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; i=$((i+1)); done")),
		nil, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Metadata["failure_code"] != CodeOutputCap {
		t.Fatalf("expected OUTPUT_CAP_EXCEEDED metadata, got %+v", res.Metadata)
	}
	if !strings.HasSuffix(res.Output, truncationMarker) {
		t.Fatalf("output must carry the truncation marker")
	}
	if int64(len(res.Output)) > reg.Caps.MaxOutputBytes+int64(len(truncationMarker)) {
		t.Fatalf("output exceeds cap: %d bytes", len(res.Output))
	}
}

func TestShell_OutputCapOnUnnewlinedOutput(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Caps.MaxOutputBytes = 64 * 1024
	reg.Caps.ShellTimeout = 10 * time.Second

	// A single 3MB line with no trailing newline must still trip the byte
	// cap instead of riding out the wall-clock timeout on a full pipe.
	start := time.Now()
	res, err := reg.execShell(context.Background(),
		fsCall("shell.exec", shellArgs("head -c 3000000 /dev/zero | tr '\\0' 'a'")), nil, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Metadata["failure_code"] != CodeOutputCap {
		t.Fatalf("expected OUTPUT_CAP_EXCEEDED metadata, got %+v", res.Metadata)
	}
	if int64(len(res.Output)) > reg.Caps.MaxOutputBytes+int64(len(truncationMarker)) {
		t.Fatalf("output exceeds cap: %d bytes", len(res.Output))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cap enforcement took %v, should not wait for the timeout", elapsed)
	}
}

func TestShell_WallClockTimeout(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Caps.ShellTimeout = 200 * time.Millisecond
	reg.Caps.CancelGrace = 100 * time.Millisecond

	start := time.Now()
	_, err := reg.execShell(context.Background(), fsCall("shell.exec", shellArgs("sleep 10")), nil, nil)
	denial, ok := err.(*workspace.Denial)
	if !ok || denial.Code != CodeShellTimeout {
		t.Fatalf("expected SHELL_TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestShell_CooperativeCancel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Caps.CancelPollEvery = 50 * time.Millisecond
	reg.Caps.CancelGrace = 100 * time.Millisecond

	var polls atomic.Int32
	cancel := func() bool {
		return polls.Add(1) >= 2
	}

	start := time.Now()
	_, err := reg.execShell(context.Background(), fsCall("shell.exec", shellArgs("sleep 30")), cancel, nil)
	denial, ok := err.(*workspace.Denial)
	if !ok || denial.Code != CodeShellCanceled {
		t.Fatalf("expected SHELL_CANCELED, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestShell_StreamsFilteredChunks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	var chunks []string
	emit := func(chunk string) { chunks = append(chunks, chunk) }

	res, err := reg.execShell(context.Background(),
		fsCall("shell.exec", shellArgs("echo token=abcdef1234567890")), nil, emit)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("no chunks emitted")
	}
	for _, chunk := range chunks {
		if strings.Contains(chunk, "abcdef1234567890") {
			t.Fatalf("unfiltered chunk emitted: %q", chunk)
		}
	}
	_ = res
}
