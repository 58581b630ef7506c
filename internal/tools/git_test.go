package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/warroom/warroom/internal/workspace"
)

// seedRepo initializes a repository with one commit on master inside the
// registry's workspace root.
func seedRepo(t *testing.T, root string) *git.Repository {
	t.Helper()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# demo\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return repo
}

func TestGit_StatusAndLog(t *testing.T) {
	reg, root := newTestRegistry(t)
	seedRepo(t, root)

	res, err := reg.Git.Exec(context.Background(), fsCall("git.status", map[string]any{"path": "."}))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Metadata["clean"] != true {
		t.Fatalf("fresh repo should be clean: %+v", res.Metadata)
	}

	res, err = reg.Git.Exec(context.Background(), fsCall("git.log", map[string]any{"path": "."}))
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(res.Output, "initial") {
		t.Fatalf("log output: %q", res.Output)
	}
}

func TestGit_ProtectedBranchRefusesMutation(t *testing.T) {
	reg, root := newTestRegistry(t)
	seedRepo(t, root)
	// go-git initializes HEAD on master, which is protected by default.

	for _, tool := range []string{"git.add", "git.commit"} {
		args := map[string]any{"path": ".", "message": "m", "target": "."}
		_, err := reg.Git.Exec(context.Background(), fsCall(tool, args))
		denial, ok := err.(*workspace.Denial)
		if !ok || denial.Code != CodeProtectedBranch {
			t.Fatalf("%s: expected PROTECTED_BRANCH_DENIED, got %v", tool, err)
		}
	}

	_, err := reg.Git.Exec(context.Background(), fsCall("git.checkout", map[string]any{
		"path": ".", "branch": "production",
	}))
	denial, ok := err.(*workspace.Denial)
	if !ok || denial.Code != CodeProtectedBranch {
		t.Fatalf("checkout to protected: expected PROTECTED_BRANCH_DENIED, got %v", err)
	}
}

func TestGit_MutationOnFeatureBranch(t *testing.T) {
	reg, root := newTestRegistry(t)
	seedRepo(t, root)

	_, err := reg.Git.Exec(context.Background(), fsCall("git.checkout", map[string]any{
		"path": ".", "branch": "feature/demo", "create": true,
	}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := reg.Git.Exec(context.Background(), fsCall("git.add", map[string]any{"path": ".", "target": "new.txt"})); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := reg.Git.Exec(context.Background(), fsCall("git.commit", map[string]any{
		"path": ".", "message": "add new file",
	}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Metadata["branch"] != "feature/demo" {
		t.Fatalf("commit branch: %+v", res.Metadata)
	}
}

func TestGit_BranchNameValidation(t *testing.T) {
	reg, root := newTestRegistry(t)
	seedRepo(t, root)

	for _, bad := range []string{"evil;rm", "a b", "-leading", "x`y`"} {
		_, err := reg.Git.Exec(context.Background(), fsCall("git.checkout", map[string]any{
			"path": ".", "branch": bad,
		}))
		denial, ok := err.(*workspace.Denial)
		if !ok || denial.Code != CodeBranchName {
			t.Fatalf("%q: expected BRANCH_NAME_INVALID, got %v", bad, err)
		}
	}
}

func TestGit_BranchList(t *testing.T) {
	reg, root := newTestRegistry(t)
	seedRepo(t, root)

	res, err := reg.Git.Exec(context.Background(), fsCall("git.branch.list", map[string]any{"path": "."}))
	if err != nil {
		t.Fatalf("branch list: %v", err)
	}
	if !strings.Contains(res.Output, "* master") {
		t.Fatalf("branch list output: %q", res.Output)
	}
}

func TestGit_PRCreateRequiresClient(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Git.Exec(context.Background(), fsCall("git.pr.create", map[string]any{
		"title": "t", "head": "feature/x", "base": "main",
	}))
	if err == nil || !strings.Contains(err.Error(), "github client not configured") {
		t.Fatalf("expected unconfigured-client error, got %v", err)
	}
}
