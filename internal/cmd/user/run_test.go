package user

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "uploads"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(tmp, "vaporous.yaml")
	body := "db: {path: ./vaporous.db}\nupload_directory: ./uploads\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	p := writeConfig(t)
	var out bytes.Buffer
	steps := [][]string{
		{"add", "-config", p, "-password", "pw1", "-level", "2", "carol"},
		{"level", "-config", p, "carol", "3"},
		{"passwd", "-config", p, "-password", "pw2", "carol"},
		{"rename", "-config", p, "carol", "caroline"},
	}
	for _, args := range steps {
		if err := run(ctx, args, &out); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	out.Reset()
	if err := run(ctx, []string{"list", "-config", p}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "caroline") || !strings.Contains(out.String(), " 3 ") {
		t.Fatalf("unexpected listing:\n%s", out.String())
	}
	if err := run(ctx, []string{"del", "-config", p, "caroline"}, &out); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := run(ctx, []string{"del", "-config", p, "caroline"}, &out); err == nil {
		t.Fatalf("deleting a missing user should fail")
	}
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, nil, &out); err == nil {
		t.Fatalf("expected missing subcommand error")
	}
	if err := run(ctx, []string{"frob"}, &out); err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown subcommand error, got %v", err)
	}
	if err := run(ctx, []string{"rename", "only-one"}, &out); err == nil || !strings.Contains(err.Error(), "expects 2") {
		t.Fatalf("expected arity error, got %v", err)
	}
}
