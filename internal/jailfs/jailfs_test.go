package jailfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

type events struct {
	removed []string
	moved   [][2]string
}

func (e *events) PathRemoved(_ context.Context, rel string) error {
	e.removed = append(e.removed, rel)
	return nil
}

func (e *events) PathMoved(_ context.Context, oldRel, newRel string) error {
	e.moved = append(e.moved, [2]string{oldRel, newRel})
	return nil
}

func TestConfinedToBase(t *testing.T) {
	upload := t.TempDir()
	if err := os.MkdirAll(filepath.Join(upload, "u1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(upload, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs := New(upload, "u1", nil)

	if _, err := fs.Open("../secret.txt"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if err := afero.WriteFile(fs, "/notes.txt", []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(upload, "u1", "notes.txt"))
	if err != nil || string(b) != "hi" {
		t.Fatalf("file not written under base: %v", err)
	}
	if err := fs.RemoveAll("/"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("removing the root must be refused, got %v", err)
	}
}

func TestObserverNotified(t *testing.T) {
	upload := t.TempDir()
	if err := os.MkdirAll(filepath.Join(upload, "u1", "docs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ev := &events{}
	fs := New(upload, "u1", ev).WithContext(context.Background())

	if err := fs.Rename("docs", "papers"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if len(ev.moved) != 1 || ev.moved[0] != [2]string{"u1/docs", "u1/papers"} {
		t.Fatalf("unexpected moves %v", ev.moved)
	}
	if err := fs.RemoveAll("papers"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if len(ev.removed) != 1 || ev.removed[0] != "u1/papers" {
		t.Fatalf("unexpected removals %v", ev.removed)
	}
	if err := fs.Remove("missing"); err == nil || len(ev.removed) != 1 {
		t.Fatalf("failed removals must not notify")
	}
}
