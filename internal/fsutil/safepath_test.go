// Package fsutil tests validate path traversal protections.
package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"vaporous/internal/apperr"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"a..b":     "a.b",
		"....":     ".",
		"file.txt": "file.txt",
		"x...y..z": "x.y.z",
		"":         "",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Fatalf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	cases := map[string]string{
		"":             base,
		"/":            base,
		"a/b":          filepath.Join(base, "a", "b"),
		"/a/b/":        filepath.Join(base, "a", "b"),
		"a/../b":       filepath.Join(base, "b"),
		"./a/./c":      filepath.Join(base, "a", "c"),
		"a/.../c":      filepath.Join(base, "a", "c"),
		"we..ird/x..y": filepath.Join(base, "we.ird", "x.y"),
	}
	for in, want := range cases {
		got, err := SafeJoin(base, in)
		if err != nil {
			t.Fatalf("SafeJoin(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("SafeJoin(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"..", "../../etc/passwd", "a/../../b", "/../x"} {
		_, err := SafeJoin(base, bad)
		if !errors.Is(err, ErrPathTraversal) || !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("SafeJoin(%q) expected traversal error, got %v", bad, err)
		}
	}
}

// TestResolveWithinRootRejectsTraversal blocks obvious .. escapes.
func TestResolveWithinRootRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveWithinRoot(root, "../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := ResolveWithinRoot(root, "/../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	got, err := ResolveWithinRoot(root, "/not/yet/created")
	if err != nil {
		t.Fatalf("ResolveWithinRoot: %v", err)
	}
	if !Within(root, got) {
		t.Fatalf("expected %q under %q", got, root)
	}
}

// TestResolveWithinRootRejectsSymlinkEscape blocks symlink-based escapes.
func TestResolveWithinRootRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		// Symlink creation may require privileges.
		t.Skip("symlink behavior varies on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()

	// root/link -> outside
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if _, err := ResolveWithinRoot(root, "link/escape.txt"); err == nil {
		t.Fatalf("expected symlink escape to be rejected")
	}

	// A link that stays inside the root is fine.
	if err := os.Mkdir(filepath.Join(root, "real"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "inner")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := ResolveWithinRoot(root, "inner/file.txt"); err != nil {
		t.Fatalf("expected inner link to resolve: %v", err)
	}
}

func TestRelSlashAndPrefix(t *testing.T) {
	root := t.TempDir()
	rel, err := RelSlash(root, filepath.Join(root, "a", "b"))
	if err != nil || rel != "a/b" {
		t.Fatalf("RelSlash = %q, %v", rel, err)
	}
	if rel, err := RelSlash(root, root); err != nil || rel != "" {
		t.Fatalf("RelSlash(root) = %q, %v", rel, err)
	}
	if _, err := RelSlash(root, filepath.Dir(root)); err == nil {
		t.Fatalf("expected parent to be rejected")
	}

	if !HasPathPrefix("u/docs/a.txt", "u/docs") || !HasPathPrefix("u/docs", "u/docs/") {
		t.Fatalf("expected component prefix match")
	}
	if HasPathPrefix("u/docs2/a.txt", "u/docs") {
		t.Fatalf("prefix must match whole components")
	}
}
