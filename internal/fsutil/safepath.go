// Package fsutil confines client supplied paths to a base directory.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"vaporous/internal/apperr"
)

var ErrPathTraversal = fmt.Errorf("%w: path escapes root", apperr.ErrInvalidInput)

var dotRuns = regexp.MustCompile(`\.\.+`)

// Sanitize collapses every run of two or more dots into a single dot.
func Sanitize(s string) string {
	return dotRuns.ReplaceAllString(s, ".")
}

// SafeJoin joins a client path onto base. Leading separators are ignored so
// "/a/b" means base/a/b. ".." segments are resolved lexically and may not
// climb above base; every other segment is sanitized.
func SafeJoin(base, rel string) (string, error) {
	rel = strings.TrimLeft(rel, "/\\")
	var parts []string
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", ErrPathTraversal
			}
			parts = parts[:len(parts)-1]
			continue
		}
		seg = Sanitize(seg)
		if seg == "." {
			continue
		}
		parts = append(parts, seg)
	}
	joined := filepath.Join(append([]string{base}, parts...)...)
	if !Within(base, joined) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// ResolveWithinRoot is SafeJoin against an absolute root, plus a symlink
// check: the nearest existing ancestor of the result, with links followed,
// must still lie inside the root.
func ResolveWithinRoot(root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	joined, err := SafeJoin(rootAbs, userPath)
	if err != nil {
		return "", err
	}

	rootReal := rootAbs
	if r, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootReal = filepath.Clean(r)
	}

	existing := nearestExisting(joined)
	if existing != "" {
		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			if os.IsNotExist(err) {
				// Dangling link.
				return "", ErrPathTraversal
			}
			return "", err
		}
		resolved = filepath.Clean(resolved)
		if !Within(rootReal, resolved) {
			return "", ErrPathTraversal
		}
	}

	return joined, nil
}

// Within reports whether candidate is root or lies beneath it.
func Within(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

// RelSlash returns p relative to root in slash form. It fails when p is
// outside root.
func RelSlash(root, p string) (string, error) {
	if !Within(root, p) {
		return "", ErrPathTraversal
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// HasPathPrefix reports whether slash path p equals prefix or lies beneath it,
// comparing whole components.
func HasPathPrefix(p, prefix string) bool {
	p = strings.Trim(p, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func nearestExisting(p string) string {
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return cur
		}
		if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
