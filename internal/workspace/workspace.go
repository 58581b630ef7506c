// Package workspace resolves and checks filesystem paths for tool executors.
// All tool filesystem access goes through a Context: roots are realpath
// resolved at task start, and every per-call target path must land inside
// one of them with no symlink tricks and no sensitive files.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Denial codes for path resolution failures.
const (
	CodeWorkspaceUnavailable = "WORKSPACE_UNAVAILABLE"
	CodeOutsideWorkspace     = "OUTSIDE_WORKSPACE"
	CodeSymlinkDenied        = "SYMLINK_DENIED"
	CodeSymlinkEscape        = "SYMLINK_ESCAPE"
	CodeSensitivePathDenied  = "SENSITIVE_PATH_DENIED"
	CodeBinaryDenied         = "BINARY_DENIED"
)

// Denial is a security refusal with a stable code. It is an error so
// executors can return it directly.
type Denial struct {
	Code   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

// Context is the resolved set of workspace roots for one task. Resolve it
// once per task; it never changes mid-task.
type Context struct {
	Roots []string
}

// ResolveContext realpath-resolves, deduplicates, and existence-checks the
// candidate roots. At least one must survive or the task cannot run tools.
func ResolveContext(candidates []string) (*Context, error) {
	seen := map[string]bool{}
	var roots []string
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		resolved, err = filepath.Abs(resolved)
		if err != nil {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			continue
		}
		if !seen[resolved] {
			seen[resolved] = true
			roots = append(roots, resolved)
		}
	}
	if len(roots) == 0 {
		return nil, &Denial{
			Code:   CodeWorkspaceUnavailable,
			Reason: "no workspace root resolved to an existing directory",
		}
	}
	return &Context{Roots: roots}, nil
}

// sensitivePatterns match against the base name of the target.
var sensitivePatterns = []string{".env*", "*.pem", "*.key", "id_rsa*", "id_ed25519*"}

func isSensitive(base string) bool {
	for _, pattern := range sensitivePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func withinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// ResolveTarget validates one candidate path against the context and returns
// its absolute form. Relative paths resolve against the first root. Order of
// checks: lexical containment, direct-symlink, realpath escape, sensitive
// name. The path itself may not exist yet (writes create files); the nearest
// existing ancestor is what gets the realpath check.
func (c *Context) ResolveTarget(candidate string) (string, *Denial) {
	if candidate == "" {
		return "", &Denial{Code: CodeOutsideWorkspace, Reason: "empty path"}
	}
	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.Roots[0], abs)
	}
	abs = filepath.Clean(abs)

	var root string
	for _, r := range c.Roots {
		if withinRoot(abs, r) {
			root = r
			break
		}
	}
	if root == "" {
		return "", &Denial{
			Code:   CodeOutsideWorkspace,
			Reason: fmt.Sprintf("path %s resolves outside every workspace root", candidate),
		}
	}

	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", &Denial{
			Code:   CodeSymlinkDenied,
			Reason: fmt.Sprintf("path %s is a symlink", candidate),
		}
	}

	// Walk up to the nearest existing ancestor and realpath it; a symlinked
	// directory anywhere on the way out of the root is an escape.
	probe := abs
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	real, err := filepath.EvalSymlinks(probe)
	if err == nil && !withinRoot(real, root) {
		return "", &Denial{
			Code:   CodeSymlinkEscape,
			Reason: fmt.Sprintf("path %s escapes the workspace through a symlink", candidate),
		}
	}

	if isSensitive(filepath.Base(abs)) {
		return "", &Denial{
			Code:   CodeSensitivePathDenied,
			Reason: fmt.Sprintf("path %s matches a sensitive file pattern", candidate),
		}
	}
	return abs, nil
}

// textExtensions are treated as text when the file has no content to sniff.
var textExtensions = map[string]bool{
	".c": true, ".cc": true, ".cfg": true, ".conf": true, ".cpp": true,
	".css": true, ".csv": true, ".go": true, ".h": true, ".hpp": true,
	".html": true, ".ini": true, ".java": true, ".js": true, ".json": true,
	".jsx": true, ".kt": true, ".md": true, ".mod": true, ".py": true,
	".rb": true, ".rs": true, ".sh": true, ".sql": true, ".sum": true,
	".svg": true, ".toml": true, ".ts": true, ".tsx": true, ".txt": true,
	".xml": true, ".yaml": true, ".yml": true,
}

const binarySniffLen = 4096

// IsBinaryContent reports the content heuristic: any NUL byte, or more than
// 30% non-printable bytes in the first 4KB.
func IsBinaryContent(data []byte) bool {
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	if len(data) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range data {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			nonPrintable++
		}
	}
	return nonPrintable*100 > len(data)*30
}

// IsBinaryFile classifies a path by sniffing its content. The heuristic
// applies to every file, so binary bytes renamed behind a text extension are
// still caught. Empty files fall back to the extension allowlist; missing
// files are text (writes create them).
func IsBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, binarySniffLen)
	n, _ := f.Read(buf)
	if n == 0 {
		return !textExtensions[strings.ToLower(filepath.Ext(path))]
	}
	return IsBinaryContent(buf[:n])
}
