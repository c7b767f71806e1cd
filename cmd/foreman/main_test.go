package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"foreman/pkg/config"
	"foreman/pkg/store"
)

// writeTestConfig writes a config that keeps all state inside dir and
// returns the config path.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "foreman.toml")
	content := "db_path = \"" + filepath.Join(dir, "foreman.db") + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// runForeman executes one CLI invocation against a fresh command tree.
func runForeman(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	t.Run("init creates the database", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "init")
		if err != nil {
			t.Fatalf("init: %v", err)
		}
		if !strings.Contains(out, "database initialized") {
			t.Errorf("init output: %s", out)
		}
		if _, err := os.Stat(filepath.Join(dir, "foreman.db")); err != nil {
			t.Errorf("database file missing: %v", err)
		}
	})

	planPath := filepath.Join(dir, "plan.yaml")
	planYAML := `
batch:
  id: nightly
  mode: step
tasks:
  - id: fetch
    slug: fetch-sources
  - id: build
    slug: build-artifacts
    depends_on: [fetch]
`
	if err := os.WriteFile(planPath, []byte(planYAML), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	t.Run("plan check validates without writing", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "plan", "check", planPath)
		if err != nil {
			t.Fatalf("plan check: %v", err)
		}
		if !strings.Contains(out, "plan ok: batch nightly, 2 tasks") {
			t.Errorf("plan check output: %s", out)
		}
	})

	t.Run("plan apply creates the batch", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "plan", "apply", planPath)
		if err != nil {
			t.Fatalf("plan apply: %v", err)
		}
		if !strings.Contains(out, "batch nightly created with 2 tasks") {
			t.Errorf("plan apply output: %s", out)
		}
	})

	t.Run("enqueue and dispatch drain the queue", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "enqueue",
			"--task", "fetch", "--type", "chat_notify")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if !strings.Contains(out, "enqueued ") {
			t.Errorf("enqueue output: %s", out)
		}

		// chat_notify has no configured target; the handler drops it and
		// the event drains as succeeded.
		out, err = runForeman(t, "--config", cfgPath, "dispatch")
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if !strings.Contains(out, "claimed=1 succeeded=1 failed=0") {
			t.Errorf("dispatch output: %s", out)
		}
	})

	t.Run("approve stamps the batch", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "approve", "nightly", "--by", "alex")
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if !strings.Contains(out, "batch nightly approved by alex") {
			t.Errorf("approve output: %s", out)
		}
	})

	t.Run("status lists the batch", func(t *testing.T) {
		out, err := runForeman(t, "--config", cfgPath, "status")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		for _, want := range []string{"pending events: 0", "nightly", "not_started"} {
			if !strings.Contains(out, want) {
				t.Errorf("status output missing %q:\n%s", want, out)
			}
		}
	})
}

func TestCLIRejectsBadPlan(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	planPath := filepath.Join(dir, "bad.yaml")
	badYAML := `
batch:
  id: broken
tasks:
  - id: a
    slug: a
    depends_on: [b]
  - id: b
    slug: b
    depends_on: [a]
`
	if err := os.WriteFile(planPath, []byte(badYAML), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	if _, err := runForeman(t, "--config", cfgPath, "plan", "check", planPath); err == nil {
		t.Fatal("plan check accepted a cyclic plan")
	}
}

func TestCLIEnqueueRequiresFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	_, err := runForeman(t, "--config", cfgPath, "enqueue")
	if err == nil || !strings.Contains(err.Error(), "--task and --type are required") {
		t.Errorf("enqueue error = %v", err)
	}
}

func TestCLIApproveUnknownBatch(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	if _, err := runForeman(t, "--config", cfgPath, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := runForeman(t, "--config", cfgPath, "approve", "ghost"); err == nil {
		t.Fatal("approve accepted an unknown batch")
	}
}

func TestOpenDBMissingDirectory(t *testing.T) {
	if _, err := openDB(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db")); err == nil {
		t.Fatal("openDB created a database in a missing directory")
	}
}

// TestFollowLoopUnwatchableDirFallsBack points the watcher at a directory
// that does not exist: followLoop must fall back to polling and exit
// cleanly on a cancelled context instead of crashing on teardown.
func TestFollowLoopUnwatchableDirFallsBack(t *testing.T) {
	dir := t.TempDir()
	db, err := openDB(filepath.Join(dir, "foreman.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	st := store.New(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "no", "such", "dir", "foreman.db")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := buildDispatcher(cfg, st, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := followLoop(ctx, d, cfg, 10, log); err != nil {
		t.Errorf("followLoop = %v, want clean exit", err)
	}
}

// TestCLIDispatchFollowStopsOnCancel proves the command context reaches
// the follow loop: a cancelled context must end --follow promptly.
func TestCLIDispatchFollowStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	if _, err := runForeman(t, "--config", cfgPath, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "dispatch", "--follow"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("dispatch --follow = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch --follow ignored the cancelled context")
	}
}

func TestTruncateDetailRuneSafe(t *testing.T) {
	long := strings.Repeat("é", 80)
	got := truncateDetail(long, 60)
	if !utf8.ValidString(got) {
		t.Errorf("truncated detail is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated detail missing ellipsis: %q", got)
	}
	if n := len([]rune(got)); n != 61 {
		t.Errorf("truncated rune count = %d, want 61", n)
	}
	if short := truncateDetail("fine", 60); short != "fine" {
		t.Errorf("short detail altered: %q", short)
	}
}
