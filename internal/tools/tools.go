// Package tools holds the sandboxed executors behind the tool-call protocol:
// filesystem operations, shell execution, and git. Every executor works
// inside a resolved workspace context and returns structured results; the
// lifecycle engine is the only caller.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/warroom/warroom/internal/dlp"
	"github.com/warroom/warroom/internal/policy"
	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/workspace"
)

// Caps bound executor resource use. Zero values fall back to defaults.
type Caps struct {
	MaxCommandLen   int
	MaxOutputBytes  int64
	ShellTimeout    time.Duration
	GitTimeout      time.Duration
	MaxReadBytes    int64
	MaxWriteBytes   int64
	MaxListEntries  int
	MaxListDepth    int
	MaxSearchFiles  int
	MaxSearchHits   int
	CancelPollEvery time.Duration
	CancelGrace     time.Duration
}

func DefaultCaps() Caps {
	return Caps{
		MaxCommandLen:   4096,
		MaxOutputBytes:  256 * 1024,
		ShellTimeout:    60 * time.Second,
		GitTimeout:      60 * time.Second,
		MaxReadBytes:    512 * 1024,
		MaxWriteBytes:   1024 * 1024,
		MaxListEntries:  500,
		MaxListDepth:    8,
		MaxSearchFiles:  2000,
		MaxSearchHits:   200,
		CancelPollEvery: 500 * time.Millisecond,
		CancelGrace:     3 * time.Second,
	}
}

func (c Caps) withDefaults() Caps {
	d := DefaultCaps()
	if c.MaxCommandLen <= 0 {
		c.MaxCommandLen = d.MaxCommandLen
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = d.ShellTimeout
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = d.GitTimeout
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = d.MaxReadBytes
	}
	if c.MaxWriteBytes <= 0 {
		c.MaxWriteBytes = d.MaxWriteBytes
	}
	if c.MaxListEntries <= 0 {
		c.MaxListEntries = d.MaxListEntries
	}
	if c.MaxListDepth <= 0 {
		c.MaxListDepth = d.MaxListDepth
	}
	if c.MaxSearchFiles <= 0 {
		c.MaxSearchFiles = d.MaxSearchFiles
	}
	if c.MaxSearchHits <= 0 {
		c.MaxSearchHits = d.MaxSearchHits
	}
	if c.CancelPollEvery <= 0 {
		c.CancelPollEvery = d.CancelPollEvery
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	return c
}

// Artifact is a produced output the caller may persist or report.
type Artifact struct {
	Kind protocol.ArtifactKind `json:"kind"`
	Name string                `json:"name"`
	Data string                `json:"data,omitempty"`
}

// Result is one executed call's outcome. Output has already passed the DLP
// filter; Metadata is what the audit trail stores (additionally redacted on
// write).
type Result struct {
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Output    string         `json:"output"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
}

// CancelCheck reports whether the current task was asked to stop. The shell
// executor polls it mid-command.
type CancelCheck func() bool

// Emit receives DLP-filtered output chunks as they stream from a child
// process.
type Emit func(chunk string)

// Registry wires the executors to their dependencies.
type Registry struct {
	Workspace *workspace.Context
	Filter    *dlp.Filter
	Policy    *policy.LivePolicy
	Git       *GitExecutor
	Caps      Caps
}

func NewRegistry(ws *workspace.Context, filter *dlp.Filter, live *policy.LivePolicy, caps Caps) *Registry {
	caps = caps.withDefaults()
	return &Registry{
		Workspace: ws,
		Filter:    filter,
		Policy:    live,
		Git:       NewGitExecutor(ws, live, caps),
		Caps:      caps,
	}
}

// Dispatch routes one validated, policy-allowed call to its executor.
// Returned errors carry the stable denial/failure codes the lifecycle engine
// turns into audit reasons.
func (r *Registry) Dispatch(ctx context.Context, call protocol.Call, cancel CancelCheck, emit Emit) (*Result, error) {
	var (
		result *Result
		err    error
	)
	switch call.Tool {
	case "chat.respond":
		result, err = r.execChat(call)
	case "filesystem.list":
		result, err = r.execList(call)
	case "filesystem.read":
		result, err = r.execRead(call)
	case "filesystem.stat":
		result, err = r.execStat(call)
	case "filesystem.search":
		result, err = r.execSearch(call)
	case "filesystem.write":
		result, err = r.execWrite(call)
	case "filesystem.edit":
		result, err = r.execEdit(call)
	case "filesystem.delete":
		result, err = r.execDelete(call)
	case "filesystem.mkdir":
		result, err = r.execMkdir(call)
	case "filesystem.move":
		result, err = r.execMove(call)
	case "filesystem.copy":
		result, err = r.execCopy(call)
	case "shell.exec":
		result, err = r.execShell(ctx, call, cancel, emit)
	case "git.status", "git.log", "git.diff", "git.branch.list",
		"git.add", "git.commit", "git.checkout", "git.push", "git.pr.create":
		result, err = r.Git.Exec(ctx, call)
	default:
		return nil, fmt.Errorf("no executor for tool %q", call.Tool)
	}
	if err != nil {
		return nil, err
	}

	filtered := r.Filter.Apply(result.Output)
	result.Output = filtered.Text
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	if filtered.Action != dlp.ActionAllow {
		result.Metadata["dlp_action"] = string(filtered.Action)
		result.Metadata["dlp_matches"] = filtered.MatchCount
	}
	result.CallID = call.ID
	result.Tool = call.Tool
	return result, nil
}

// argString pulls a required string argument.
func argString(call protocol.Call, key string) (string, error) {
	raw, ok := call.Args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func argBool(call protocol.Call, key string) bool {
	b, _ := call.Args[key].(bool)
	return b
}

func (r *Registry) execChat(call protocol.Call) (*Result, error) {
	message, err := argString(call, "message")
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:    message,
		Artifacts: []Artifact{{Kind: protocol.ArtifactLog, Name: "chat", Data: message}},
	}, nil
}
