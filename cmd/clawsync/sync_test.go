package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/syncer"
)

func setupSyncHome(t *testing.T, status int) (string, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	home := t.TempDir()
	t.Setenv("CLAWSYNC_HOME", home)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLAWSYNC_BUNDLED_SKILLS_DIR", filepath.Join(home, "bundled"))
	t.Setenv("CLAWSYNC_API_URL", srv.URL)
	t.Setenv("CLAWSYNC_API_KEY", "k")
	t.Setenv("CLAWSYNC_DEPLOYMENT_ID", "d")
	t.Setenv("CLAWSYNC_PROJECT_ID", "p")

	cfg := "sync:\n  min_session_bytes: 1\n  min_session_lines: 1\n  retry_attempts: 1\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(home, "agents", "main", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s1.jsonl"), []byte("{\"a\":1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return home, &posts
}

func TestRunSync_JSON(t *testing.T) {
	home, posts := setupSyncHome(t, http.StatusOK)

	var stdout, stderr bytes.Buffer
	if code := runSync(context.Background(), []string{"-json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s\n%s", code, stderr.String(), stdout.String())
	}
	var sum syncer.Summary
	if err := json.Unmarshal(stdout.Bytes(), &sum); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if sum.SessionsUploaded != 1 || sum.Trigger != "manual" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d, want 1", posts.Load())
	}
	l, err := ledger.LoadStrict(home)
	if err != nil || len(l.Files) != 1 {
		t.Fatalf("ledger not written: %v %+v", err, l)
	}
}

func TestRunSync_FailureExitCode(t *testing.T) {
	setupSyncHome(t, http.StatusServiceUnavailable)

	var stdout, stderr bytes.Buffer
	if code := runSync(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "1 failed") {
		t.Fatalf("summary missing failure:\n%s", stdout.String())
	}
}

func TestRunSync_NotConfigured(t *testing.T) {
	t.Setenv("CLAWSYNC_HOME", t.TempDir())
	clearSyncEnv(t)
	var stdout, stderr bytes.Buffer
	if code := runSync(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "sync not configured") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
