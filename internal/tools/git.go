package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v57/github"

	"github.com/warroom/warroom/internal/policy"
	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/workspace"
)

// Git executor failure codes.
const (
	CodeProtectedBranch = "PROTECTED_BRANCH_DENIED"
	CodeBranchName      = "BRANCH_NAME_INVALID"
	CodeRepoOutside     = "REPO_OUTSIDE_WORKSPACE"
	CodeGitTimeout      = "GIT_TIMEOUT"
)

// branchNamePattern is the safe character class for branch arguments.
var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)

const maxLogEntries = 50

// GitExecutor runs repository operations inside the workspace. Mutations
// against a protected branch are refused before touching the repo; PR
// creation goes out through an authenticated GitHub client.
type GitExecutor struct {
	ws     *workspace.Context
	live   *policy.LivePolicy
	caps   Caps
	github *github.Client
	owner  string
	repo   string
}

func NewGitExecutor(ws *workspace.Context, live *policy.LivePolicy, caps Caps) *GitExecutor {
	return &GitExecutor{ws: ws, live: live, caps: caps}
}

// ConfigureGitHub wires the PR-creation client. Without it, git.pr.create
// fails with a config error instead of a panic.
func (g *GitExecutor) ConfigureGitHub(token, owner, repo string) {
	g.github = github.NewClient(nil).WithAuthToken(token)
	g.owner = owner
	g.repo = repo
}

// openRepo opens the repository containing path and verifies its root stays
// inside the workspace.
func (g *GitExecutor) openRepo(path string) (*git.Repository, *git.Worktree, error) {
	abs, denial := g.ws.ResolveTarget(path)
	if denial != nil {
		return nil, nil, denial
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("repository worktree: %w", err)
	}
	if _, denial := g.ws.ResolveTarget(wt.Filesystem.Root()); denial != nil {
		return nil, nil, &workspace.Denial{
			Code:   CodeRepoOutside,
			Reason: fmt.Sprintf("repository root %s is outside the workspace", wt.Filesystem.Root()),
		}
	}
	return repo, wt, nil
}

func (g *GitExecutor) checkBranchArg(name string) *workspace.Denial {
	if !branchNamePattern.MatchString(name) {
		return &workspace.Denial{
			Code:   CodeBranchName,
			Reason: fmt.Sprintf("branch name %q contains unsafe characters", name),
		}
	}
	return nil
}

func (g *GitExecutor) checkProtected(branch string) *workspace.Denial {
	if g.live.IsProtectedBranch(branch) {
		return &workspace.Denial{
			Code:   CodeProtectedBranch,
			Reason: fmt.Sprintf("branch %q is protected; mutation refused", branch),
		}
	}
	return nil
}

func headBranch(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("repository HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// Exec runs one git.* call under the git timeout.
func (g *GitExecutor) Exec(ctx context.Context, call protocol.Call) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.caps.GitTimeout)
	defer cancel()

	path, err := argString(call, "path")
	if err != nil {
		path = "."
	}

	var result *Result
	switch call.Tool {
	case "git.status":
		result, err = g.status(path)
	case "git.log":
		result, err = g.log(path)
	case "git.diff":
		result, err = g.diff(path)
	case "git.branch.list":
		result, err = g.branchList(path)
	case "git.add":
		result, err = g.add(call, path)
	case "git.commit":
		result, err = g.commit(call, path)
	case "git.checkout":
		result, err = g.checkout(call, path)
	case "git.push":
		result, err = g.push(runCtx, path)
	case "git.pr.create":
		result, err = g.prCreate(runCtx, call)
	default:
		return nil, fmt.Errorf("unknown git tool %q", call.Tool)
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &workspace.Denial{
				Code:   CodeGitTimeout,
				Reason: fmt.Sprintf("git operation exceeded the %s timeout", g.caps.GitTimeout),
			}
		}
		return nil, err
	}
	return result, nil
}

func (g *GitExecutor) status(path string) (*Result, error) {
	_, wt, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return &Result{
		Output:   status.String(),
		Metadata: map[string]any{"clean": status.IsClean(), "changed": len(status)},
	}, nil
}

func (g *GitExecutor) log(path string) (*Result, error) {
	repo, _, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer iter.Close()

	var lines []string
	for len(lines) < maxLogEntries {
		commit, iterErr := iter.Next()
		if iterErr != nil {
			break
		}
		subject, _, _ := strings.Cut(commit.Message, "\n")
		lines = append(lines, fmt.Sprintf("%s %s (%s, %s)",
			commit.Hash.String()[:8], subject, commit.Author.Name,
			commit.Author.When.UTC().Format("2006-01-02")))
	}
	return &Result{
		Output:   strings.Join(lines, "\n"),
		Metadata: map[string]any{"commits": len(lines)},
	}, nil
}

// diff reports the worktree status in porcelain form. A full content diff
// would need the index/object walk; the staged/unstaged summary is what the
// agent acts on.
func (g *GitExecutor) diff(path string) (*Result, error) {
	_, wt, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}
	var lines []string
	for file, st := range status {
		lines = append(lines, fmt.Sprintf("%c%c %s", st.Staging, st.Worktree, file))
	}
	return &Result{
		Output:   strings.Join(lines, "\n"),
		Metadata: map[string]any{"files": len(lines)},
	}, nil
}

func (g *GitExecutor) branchList(path string) (*Result, error) {
	repo, _, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("git branch list: %w", err)
	}
	defer iter.Close()

	current := ""
	if head, headErr := repo.Head(); headErr == nil {
		current = head.Name().Short()
	}
	var lines []string
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		marker := "  "
		if name == current {
			marker = "* "
		}
		lines = append(lines, marker+name)
		return nil
	})
	return &Result{
		Output:   strings.Join(lines, "\n"),
		Metadata: map[string]any{"branches": len(lines), "current": current},
	}, nil
}

func (g *GitExecutor) add(call protocol.Call, path string) (*Result, error) {
	repo, wt, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	branch, err := headBranch(repo)
	if err != nil {
		return nil, err
	}
	if denial := g.checkProtected(branch); denial != nil {
		return nil, denial
	}

	target, err := argString(call, "target")
	if err != nil {
		target = "."
	}
	if _, err := wt.Add(target); err != nil {
		return nil, fmt.Errorf("git add %s: %w", target, err)
	}
	return &Result{
		Output:   fmt.Sprintf("staged %s", target),
		Metadata: map[string]any{"target": target, "branch": branch},
	}, nil
}

func (g *GitExecutor) commit(call protocol.Call, path string) (*Result, error) {
	repo, wt, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	branch, err := headBranch(repo)
	if err != nil {
		return nil, err
	}
	if denial := g.checkProtected(branch); denial != nil {
		return nil, denial
	}

	message, err := argString(call, "message")
	if err != nil {
		return nil, err
	}
	author, aErr := argString(call, "author")
	if aErr != nil {
		author = "warroom"
	}
	email, eErr := argString(call, "email")
	if eErr != nil {
		email = "warroom@localhost"
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: email, When: time.Now()},
	})
	if err != nil {
		return nil, fmt.Errorf("git commit: %w", err)
	}
	return &Result{
		Output:   fmt.Sprintf("committed %s on %s", hash.String()[:8], branch),
		Metadata: map[string]any{"hash": hash.String(), "branch": branch},
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactPatch, Name: hash.String()},
		},
	}, nil
}

func (g *GitExecutor) checkout(call protocol.Call, path string) (*Result, error) {
	_, wt, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	branch, err := argString(call, "branch")
	if err != nil {
		return nil, err
	}
	if denial := g.checkBranchArg(branch); denial != nil {
		return nil, denial
	}
	if denial := g.checkProtected(branch); denial != nil {
		return nil, denial
	}

	create := argBool(call, "create")
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: create,
	})
	if err != nil {
		return nil, fmt.Errorf("git checkout %s: %w", branch, err)
	}
	return &Result{
		Output:   fmt.Sprintf("checked out %s", branch),
		Metadata: map[string]any{"branch": branch, "created": create},
	}, nil
}

func (g *GitExecutor) push(ctx context.Context, path string) (*Result, error) {
	repo, _, err := g.openRepo(path)
	if err != nil {
		return nil, err
	}
	branch, err := headBranch(repo)
	if err != nil {
		return nil, err
	}
	if denial := g.checkProtected(branch); denial != nil {
		return nil, denial
	}

	err = repo.PushContext(ctx, &git.PushOptions{})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &Result{
			Output:   "already up to date",
			Metadata: map[string]any{"branch": branch, "pushed": false},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("git push: %w", err)
	}
	return &Result{
		Output:   fmt.Sprintf("pushed %s", branch),
		Metadata: map[string]any{"branch": branch, "pushed": true},
	}, nil
}

func (g *GitExecutor) prCreate(ctx context.Context, call protocol.Call) (*Result, error) {
	if g.github == nil {
		return nil, fmt.Errorf("github client not configured; set a token to enable git.pr.create")
	}
	title, err := argString(call, "title")
	if err != nil {
		return nil, err
	}
	head, err := argString(call, "head")
	if err != nil {
		return nil, err
	}
	base, err := argString(call, "base")
	if err != nil {
		return nil, err
	}
	for _, branch := range []string{head, base} {
		if denial := g.checkBranchArg(branch); denial != nil {
			return nil, denial
		}
	}
	// A PR from a protected branch is a mutation of that branch's history
	// surface; the base being protected is the normal case.
	if denial := g.checkProtected(head); denial != nil {
		return nil, denial
	}
	body, _ := argString(call, "body")

	pr, _, err := g.github.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &Result{
		Output:   fmt.Sprintf("opened pull request #%d: %s", pr.GetNumber(), pr.GetHTMLURL()),
		Metadata: map[string]any{"number": pr.GetNumber(), "url": pr.GetHTMLURL()},
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactPR, Name: fmt.Sprintf("#%d", pr.GetNumber())},
		},
	}, nil
}
