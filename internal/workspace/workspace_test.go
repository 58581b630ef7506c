package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveContext_DedupAndExistence(t *testing.T) {
	root := t.TempDir()
	ctx, err := ResolveContext([]string{root, root, filepath.Join(root, "does-not-exist"), ""})
	if err != nil {
		t.Fatalf("resolve context: %v", err)
	}
	if len(ctx.Roots) != 1 {
		t.Fatalf("roots = %v, want one deduplicated root", ctx.Roots)
	}
}

func TestResolveContext_Unavailable(t *testing.T) {
	_, err := ResolveContext([]string{"/definitely/not/a/real/dir"})
	denial, ok := err.(*Denial)
	if !ok || denial.Code != CodeWorkspaceUnavailable {
		t.Fatalf("expected WORKSPACE_UNAVAILABLE, got %v", err)
	}
}

func TestResolveTarget_OutsideWorkspace(t *testing.T) {
	ctx, _ := ResolveContext([]string{t.TempDir()})
	for _, candidate := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		if _, denial := ctx.ResolveTarget(candidate); denial == nil || denial.Code != CodeOutsideWorkspace {
			t.Errorf("%q: expected OUTSIDE_WORKSPACE, got %v", candidate, denial)
		}
	}
}

func TestResolveTarget_SymlinkDenied(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	ctx, _ := ResolveContext([]string{root})
	if _, denial := ctx.ResolveTarget("link.txt"); denial == nil || denial.Code != CodeSymlinkDenied {
		t.Fatalf("expected SYMLINK_DENIED, got %v", denial)
	}
}

func TestResolveTarget_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	escape := filepath.Join(root, "vault")
	if err := os.Symlink(outside, escape); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	ctx, _ := ResolveContext([]string{root})
	if _, denial := ctx.ResolveTarget("vault/inner.txt"); denial == nil || denial.Code != CodeSymlinkEscape {
		t.Fatalf("expected SYMLINK_ESCAPE, got %v", denial)
	}
}

func TestResolveTarget_SensitivePatterns(t *testing.T) {
	ctx, _ := ResolveContext([]string{t.TempDir()})
	for _, name := range []string{".env", ".env.local", "server.pem", "signing.key", "id_rsa", "id_rsa.pub", "id_ed25519"} {
		if _, denial := ctx.ResolveTarget(name); denial == nil || denial.Code != CodeSensitivePathDenied {
			t.Errorf("%q: expected SENSITIVE_PATH_DENIED, got %v", name, denial)
		}
	}
	if _, denial := ctx.ResolveTarget("environment.md"); denial != nil {
		t.Errorf("environment.md wrongly denied: %v", denial)
	}
}

func TestResolveTarget_NewFileAllowed(t *testing.T) {
	root := t.TempDir()
	ctx, _ := ResolveContext([]string{root})
	abs, denial := ctx.ResolveTarget("sub/dir/new.txt")
	if denial != nil {
		t.Fatalf("new nested path should resolve: %v", denial)
	}
	if abs != filepath.Join(root, "sub", "dir", "new.txt") {
		t.Fatalf("abs = %s", abs)
	}
}

func TestIsBinaryContent(t *testing.T) {
	if IsBinaryContent([]byte("plain text\nwith lines\n")) {
		t.Fatalf("text misclassified as binary")
	}
	if !IsBinaryContent([]byte{'a', 0x00, 'b'}) {
		t.Fatalf("NUL byte must classify as binary")
	}
	if !IsBinaryContent(bytes.Repeat([]byte{0x01}, 100)) {
		t.Fatalf("mostly non-printable must classify as binary")
	}
	if IsBinaryContent(nil) {
		t.Fatalf("empty content is text")
	}
}

func TestIsBinaryFile_ContentBeatsExtension(t *testing.T) {
	root := t.TempDir()

	// Binary bytes hiding behind a text extension are still binary.
	disguised := filepath.Join(root, "blob.txt")
	if err := os.WriteFile(disguised, bytes.Repeat([]byte{0x00}, 1024), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !IsBinaryFile(disguised) {
		t.Fatalf("NUL content must classify as binary regardless of extension")
	}

	blob := filepath.Join(root, "image.bin")
	if err := os.WriteFile(blob, []byte{0x89, 0x50, 0x00, 0x47}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !IsBinaryFile(blob) {
		t.Fatalf("binary blob must classify as binary")
	}

	plain := filepath.Join(root, "notes")
	if err := os.WriteFile(plain, []byte("extensionless but plainly text\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if IsBinaryFile(plain) {
		t.Fatalf("text content must classify as text without an extension")
	}

	// Empty files have nothing to sniff; the extension decides.
	empty := filepath.Join(root, "empty.go")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if IsBinaryFile(empty) {
		t.Fatalf("empty allowlisted file must be text")
	}
}
