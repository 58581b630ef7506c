package tools

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/warroom/warroom/internal/protocol"
	"github.com/warroom/warroom/internal/workspace"
)

const truncationMarker = "\n... (truncated)"

// Filesystem executor failure codes beyond the workspace denials.
const (
	CodePatternNotFound = "PATTERN_NOT_FOUND"
	CodeFileExists      = "FILE_EXISTS"
	CodeWriteTooLarge   = "WRITE_TOO_LARGE"
)

func (r *Registry) execList(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		path = "."
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	recursive := argBool(call, "recursive")
	includeHidden := argBool(call, "include_hidden")

	var (
		lines     []string
		truncated bool
	)
	walk := func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if p == abs {
			return nil
		}
		rel, relErr := filepath.Rel(abs, p)
		if relErr != nil {
			return nil
		}
		base := filepath.Base(p)
		if !includeHidden && strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Count(rel, string(filepath.Separator)) >= r.Caps.MaxListDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(lines) >= r.Caps.MaxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			rel += string(filepath.Separator)
			if !recursive {
				lines = append(lines, rel)
				return filepath.SkipDir
			}
		}
		lines = append(lines, rel)
		return nil
	}
	if err := filepath.WalkDir(abs, walk); err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	sort.Strings(lines)

	output := strings.Join(lines, "\n")
	if truncated {
		output += truncationMarker
	}
	return &Result{
		Output: output,
		Metadata: map[string]any{
			"path": path, "entries": len(lines), "truncated": truncated,
		},
	}, nil
}

func (r *Registry) execRead(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	if workspace.IsBinaryFile(abs) {
		return nil, &workspace.Denial{
			Code:   workspace.CodeBinaryDenied,
			Reason: fmt.Sprintf("%s is binary; text read refused", path),
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.Caps.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	truncated := int64(len(data)) > r.Caps.MaxReadBytes
	if truncated {
		data = data[:r.Caps.MaxReadBytes]
	}
	output := string(data)
	if truncated {
		output += truncationMarker
	}
	return &Result{
		Output:   output,
		Metadata: map[string]any{"path": path, "bytes": len(data), "truncated": truncated},
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactFile, Name: path},
		},
	}, nil
}

func (r *Registry) execStat(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &Result{
		Output: fmt.Sprintf("%s size=%d dir=%t mode=%s modified=%s",
			path, info.Size(), info.IsDir(), info.Mode(), info.ModTime().UTC().Format("2006-01-02T15:04:05Z")),
		Metadata: map[string]any{
			"path": path, "size": info.Size(), "dir": info.IsDir(),
		},
	}, nil
}

func (r *Registry) execWrite(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	content, err := argString(call, "content")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	if int64(len(content)) > r.Caps.MaxWriteBytes {
		return nil, &workspace.Denial{
			Code:   CodeWriteTooLarge,
			Reason: fmt.Sprintf("content is %d bytes, cap is %d", len(content), r.Caps.MaxWriteBytes),
		}
	}

	if _, err := os.Stat(abs); err == nil {
		if !argBool(call, "overwrite") {
			return nil, &workspace.Denial{
				Code:   CodeFileExists,
				Reason: fmt.Sprintf("%s exists and overwrite=false", path),
			}
		}
		// An existing binary file never gets clobbered by a text write.
		if workspace.IsBinaryFile(abs) {
			return nil, &workspace.Denial{
				Code:   workspace.CodeBinaryDenied,
				Reason: fmt.Sprintf("%s is binary; text overwrite refused", path),
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{"path": path, "bytes": len(content)},
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactFile, Name: path},
		},
	}, nil
}

func (r *Registry) execEdit(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	search, err := argString(call, "search")
	if err != nil {
		return nil, err
	}
	replace, err := argString(call, "replace")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	if workspace.IsBinaryFile(abs) {
		return nil, &workspace.Denial{
			Code:   workspace.CodeBinaryDenied,
			Reason: fmt.Sprintf("%s is binary; text edit refused", path),
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", path, err)
	}
	text := string(data)
	occurrences := strings.Count(text, search)
	if occurrences == 0 {
		return nil, &workspace.Denial{
			Code:   CodePatternNotFound,
			Reason: fmt.Sprintf("search string not found in %s", path),
		}
	}

	replaced := 1
	if argBool(call, "all") {
		text = strings.ReplaceAll(text, search, replace)
		replaced = occurrences
	} else {
		text = strings.Replace(text, search, replace, 1)
	}
	if int64(len(text)) > r.Caps.MaxWriteBytes {
		return nil, &workspace.Denial{
			Code:   CodeWriteTooLarge,
			Reason: fmt.Sprintf("edited file is %d bytes, cap is %d", len(text), r.Caps.MaxWriteBytes),
		}
	}
	if err := os.WriteFile(abs, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("edit %s: %w", path, err)
	}
	return &Result{
		Output:   fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, path),
		Metadata: map[string]any{"path": path, "replaced": replaced},
		Artifacts: []Artifact{
			{Kind: protocol.ArtifactPatch, Name: path},
		},
	}, nil
}

func (r *Registry) execDelete(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	return &Result{
		Output:   fmt.Sprintf("deleted %s", path),
		Metadata: map[string]any{"path": path, "dir": info.IsDir()},
	}, nil
}

func (r *Registry) execMkdir(call protocol.Call) (*Result, error) {
	path, err := argString(call, "path")
	if err != nil {
		return nil, err
	}
	abs, denial := r.Workspace.ResolveTarget(path)
	if denial != nil {
		return nil, denial
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", path, err)
	}
	return &Result{Output: fmt.Sprintf("created directory %s", path), Metadata: map[string]any{"path": path}}, nil
}

func (r *Registry) execMove(call protocol.Call) (*Result, error) {
	return r.transfer(call, true)
}

func (r *Registry) execCopy(call protocol.Call) (*Result, error) {
	return r.transfer(call, false)
}

func (r *Registry) transfer(call protocol.Call, move bool) (*Result, error) {
	from, err := argString(call, "from")
	if err != nil {
		return nil, err
	}
	to, err := argString(call, "to")
	if err != nil {
		return nil, err
	}
	src, denial := r.Workspace.ResolveTarget(from)
	if denial != nil {
		return nil, denial
	}
	dst, denial := r.Workspace.ResolveTarget(to)
	if denial != nil {
		return nil, denial
	}
	if _, err := os.Stat(dst); err == nil && !argBool(call, "overwrite") {
		return nil, &workspace.Denial{
			Code:   CodeFileExists,
			Reason: fmt.Sprintf("%s exists and overwrite=false", to),
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("transfer to %s: %w", to, err)
	}

	verb := "copied"
	if move {
		verb = "moved"
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("move %s: %w", from, err)
		}
	} else {
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("copy %s: %w", from, err)
		}
	}
	return &Result{
		Output:   fmt.Sprintf("%s %s to %s", verb, from, to),
		Metadata: map[string]any{"from": from, "to": to},
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// execSearch is a literal-substring grep over the workspace with byte, file,
// and hit caps. Binary, oversized, and sensitive files are skipped but
// counted so the caller can see what was not scanned.
func (r *Registry) execSearch(call protocol.Call) (*Result, error) {
	query, err := argString(call, "query")
	if err != nil {
		return nil, err
	}
	root := r.Workspace.Roots[0]
	if p, pErr := argString(call, "path"); pErr == nil {
		abs, denial := r.Workspace.ResolveTarget(p)
		if denial != nil {
			return nil, denial
		}
		root = abs
	}
	caseSensitive := !argBool(call, "ignore_case")
	needle := query
	if !caseSensitive {
		needle = strings.ToLower(query)
	}

	var (
		hits         []string
		filesScanned int
		skippedBin   int
		skippedBig   int
		skippedSens  int
		capped       bool
	)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		base := filepath.Base(p)
		hidden := strings.HasPrefix(base, ".") && base != "."
		if d.IsDir() {
			// Hidden directories (.git and friends) are pruned whole.
			if hidden && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if filesScanned >= r.Caps.MaxSearchFiles || len(hits) >= r.Caps.MaxSearchHits {
			capped = true
			return filepath.SkipAll
		}
		if hidden {
			return nil
		}
		if _, denial := r.Workspace.ResolveTarget(p); denial != nil {
			if denial.Code == workspace.CodeSensitivePathDenied {
				skippedSens++
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Size() > r.Caps.MaxReadBytes {
			skippedBig++
			return nil
		}
		if workspace.IsBinaryFile(p) {
			skippedBin++
			return nil
		}

		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		filesScanned++
		rel, _ := filepath.Rel(root, p)
		for lineNo, line := range strings.Split(string(data), "\n") {
			haystack := line
			if !caseSensitive {
				haystack = strings.ToLower(line)
			}
			if strings.Contains(haystack, needle) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, lineNo+1, strings.TrimSpace(line)))
				if len(hits) >= r.Caps.MaxSearchHits {
					capped = true
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	output := strings.Join(hits, "\n")
	if capped {
		output += truncationMarker
	}
	return &Result{
		Output: output,
		Metadata: map[string]any{
			"query": query, "hits": len(hits), "files_scanned": filesScanned,
			"skipped_binary": skippedBin, "skipped_oversized": skippedBig,
			"skipped_sensitive": skippedSens, "capped": capped,
		},
	}, nil
}
