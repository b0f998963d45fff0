package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaporous/internal/config"
	"vaporous/internal/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	c := config.Default()
	c.DB.Path = filepath.Join(tmp, "vaporous.db")
	c.DataDir = tmp
	c.UploadDirectory = filepath.Join(tmp, "uploads")
	c.HTTP.Port = 0
	if err := os.MkdirAll(c.UploadDirectory, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return c
}

func TestRunRequiresSetup(t *testing.T) {
	err := Run(context.Background(), testConfig(t), logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "run setup") {
		t.Fatalf("expected not-initialized error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := testConfig(t)
	core, err := Open(context.Background(), c, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := core.DB.SetInitialized(context.Background()); err != nil {
		t.Fatalf("SetInitialized: %v", err)
	}
	_ = core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := Run(ctx, c, logging.Discard()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunRequiresHostKeyForSSH(t *testing.T) {
	c := testConfig(t)
	c.SSH.Enable = true
	c.SSH.Port = 0
	core, err := Open(context.Background(), c, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = core.DB.SetInitialized(context.Background())
	_ = core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Run(ctx, c, logging.Discard()); err == nil || !strings.Contains(err.Error(), "host key") {
		t.Fatalf("expected missing host key error, got %v", err)
	}
}
