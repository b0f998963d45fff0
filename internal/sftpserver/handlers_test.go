package sftpserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"

	"vaporous/internal/jailfs"
)

type moves struct {
	removed []string
	moved   [][2]string
}

func (m *moves) PathRemoved(_ context.Context, rel string) error {
	m.removed = append(m.removed, rel)
	return nil
}

func (m *moves) PathMoved(_ context.Context, oldRel, newRel string) error {
	m.moved = append(m.moved, [2]string{oldRel, newRel})
	return nil
}

func newHandlers(t *testing.T) (Handlers, string, *moves) {
	t.Helper()
	upload := t.TempDir()
	home := filepath.Join(upload, "u1")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := &moves{}
	return Handlers{FS: jailfs.New(upload, "u1", m)}, home, m
}

func TestFilereadAndList(t *testing.T) {
	h, _, _ := newHandlers(t)

	ra, err := h.Fileread(sftp.NewRequest("Get", "/a.txt"))
	if err != nil {
		t.Fatalf("Fileread: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := ra.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("read %q", buf)
	}
	if c, ok := ra.(io.Closer); ok {
		_ = c.Close()
	}

	l, err := h.Filelist(sftp.NewRequest("List", "/"))
	if err != nil {
		t.Fatalf("Filelist: %v", err)
	}
	infos := make([]os.FileInfo, 10)
	n, err := l.ListAt(infos, 0)
	if err != io.EOF {
		t.Fatalf("ListAt err=%v", err)
	}
	if n != 1 || infos[0].Name() != "a.txt" {
		t.Fatalf("unexpected listing n=%d", n)
	}

	if _, err := h.Fileread(sftp.NewRequest("Get", "/../../etc/passwd")); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestFilecmdNotifiesShares(t *testing.T) {
	h, home, m := newHandlers(t)

	if err := h.Filecmd(sftp.NewRequest("Mkdir", "/docs")); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	r := sftp.NewRequest("Rename", "/a.txt")
	r.Target = "/docs/b.txt"
	if err := h.Filecmd(r); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "docs", "b.txt")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if len(m.moved) != 1 || m.moved[0] != [2]string{"u1/a.txt", "u1/docs/b.txt"} {
		t.Fatalf("moves=%v", m.moved)
	}
	if err := h.Filecmd(sftp.NewRequest("Remove", "/docs/b.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(m.removed) != 1 || m.removed[0] != "u1/docs/b.txt" {
		t.Fatalf("removed=%v", m.removed)
	}
	if err := h.Filecmd(sftp.NewRequest("Symlink", "/x")); err == nil {
		t.Fatalf("symlink should be refused")
	}
}

func TestStaticLister(t *testing.T) {
	fi, err := os.Stat(t.TempDir())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	l := staticLister{fi, fi, fi}
	dst := make([]os.FileInfo, 2)
	if n, err := l.ListAt(dst, 0); n != 2 || err != nil {
		t.Fatalf("first page n=%d err=%v", n, err)
	}
	if n, err := l.ListAt(dst, 2); n != 1 || err != io.EOF {
		t.Fatalf("second page n=%d err=%v", n, err)
	}
	if n, err := l.ListAt(dst, 5); n != 0 || err != io.EOF {
		t.Fatalf("past end n=%d err=%v", n, err)
	}
}
