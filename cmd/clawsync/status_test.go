package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/persistence"
)

func TestRunStatus_Empty(t *testing.T) {
	t.Setenv("CLAWSYNC_HOME", t.TempDir())
	clearSyncEnv(t)
	var stdout, stderr bytes.Buffer
	if code := runStatus(context.Background(), nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Sync: not configured") || !strings.Contains(out, "Last cycle: never") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRunStatus_JSONWithHistory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWSYNC_HOME", home)
	t.Setenv("CLAWSYNC_API_URL", "http://127.0.0.1:1")
	t.Setenv("CLAWSYNC_API_KEY", "k")
	t.Setenv("CLAWSYNC_DEPLOYMENT_ID", "d")
	t.Setenv("CLAWSYNC_PROJECT_ID", "p")

	now := time.Now().UTC().Truncate(time.Second)
	l := ledger.New()
	l.LastRunAt = &now
	l.Files["agents/main/sessions/a.jsonl"] = ledger.FileEntry{UploadedAt: now, UploadedLines: 3}
	l.Skills["skills/main/managed/x"] = ledger.SkillEntry{UploadedAt: now, Available: true}
	if err := ledger.Save(home, l); err != nil {
		t.Fatalf("save ledger: %v", err)
	}

	store, err := persistence.Open(persistence.Path(home))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if err := store.RecordRun(context.Background(), persistence.Run{
		RunID:            "r1",
		Trigger:          "schedule",
		StartedAt:        now,
		FinishedAt:       now.Add(time.Second),
		SessionsUploaded: 1,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	if code := runStatus(context.Background(), []string{"-json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	var report statusReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if !report.Configured || report.Ledger.Files != 1 || report.Ledger.Available != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.NextRun == nil || !report.NextRun.After(now) {
		t.Fatalf("next run not derived from last run: %+v", report.NextRun)
	}
	if len(report.Recent) != 1 || report.Recent[0].RunID != "r1" {
		t.Fatalf("recent runs = %+v", report.Recent)
	}
}

func TestRunStatus_Usage(t *testing.T) {
	t.Setenv("CLAWSYNC_HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	if code := runStatus(context.Background(), []string{"extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
}
