package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/probe"
	"github.com/basket/clawsync/internal/skills"
)

func readyConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home}
	cfg.Sync = config.SyncConfig{
		APIURL:           "http://127.0.0.1:1",
		APIKey:           "k",
		DeploymentID:     "d",
		ProjectID:        "p",
		Interval:         "15m",
		BundledSkillsDir: filepath.Join(home, "bundled"),
	}
	return cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("nil config should fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_FileMissing(t *testing.T) {
	cfg := readyConfig(t)
	cfg.FileMissing = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := readyConfig(t)
	if got := checkCredentials(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.Sync.APIKey = ""
	got := checkCredentials(context.Background(), cfg)
	if got.Status != "FAIL" || !strings.Contains(got.Message, "sync.api_key") {
		t.Fatalf("expected FAIL naming sync.api_key, got %+v", got)
	}

	off := false
	cfg.Sync.Enabled = &off
	if got := checkCredentials(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP when disabled, got %+v", got)
	}
}

func TestCheckStateDir(t *testing.T) {
	cfg := readyConfig(t)
	if got := checkStateDir(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(ledger.Path(cfg.HomeDir)))
	if len(entries) != 0 {
		t.Fatalf("write probe left files behind: %v", entries)
	}
}

func TestCheckLedger(t *testing.T) {
	cfg := readyConfig(t)
	if got := checkLedger(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("missing ledger: expected PASS, got %+v", got)
	}

	l := ledger.New()
	l.Files["agents/main/sessions/a.jsonl"] = ledger.FileEntry{UploadedLines: 1}
	if err := ledger.Save(cfg.HomeDir, l); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := checkLedger(context.Background(), cfg)
	if got.Status != "PASS" || !strings.Contains(got.Message, "1 sessions") {
		t.Fatalf("expected PASS with counts, got %+v", got)
	}

	if err := os.WriteFile(ledger.Path(cfg.HomeDir), []byte(`{"schemaVersion":99}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := checkLedger(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("future schema: expected WARN, got %+v", got)
	}
}

func TestCheckHistory(t *testing.T) {
	cfg := readyConfig(t)
	ctx := context.Background()
	if got := checkHistory(ctx, cfg); got.Status != "SKIP" {
		t.Fatalf("no db: expected SKIP, got %+v", got)
	}

	if err := os.MkdirAll(filepath.Dir(persistence.Path(cfg.HomeDir)), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := persistence.Open(persistence.Path(cfg.HomeDir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	if err := store.RecordRun(ctx, persistence.Run{
		RunID:      "r1",
		Trigger:    "manual",
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		ErrorCount: 1,
		FirstError: "boom",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()

	got := checkHistory(ctx, cfg)
	if got.Status != "WARN" || got.Detail != "boom" {
		t.Fatalf("expected WARN with first error, got %+v", got)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := readyConfig(t)
	if got := checkSchedule(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.Sync.Interval = "every tuesday"
	if got := checkSchedule(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestSkillCheck_ReportsUnavailable(t *testing.T) {
	cfg := readyConfig(t)
	dir := filepath.Join(skills.ManagedDir(cfg.HomeDir), "needs-jq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "---\nname: needs-jq\nbins: [jq]\n---\n"
	if err := os.WriteFile(filepath.Join(dir, skills.DefinitionFile), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := skillCheck(context.Background(), cfg, probe.Fake{}, filepath.Join(cfg.HomeDir, "personal"))
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if !strings.Contains(got.Message, "1 unavailable") || !strings.Contains(got.Detail, "missing bin: jq") {
		t.Fatalf("unavailable skill not explained: %+v", got)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_NoURL(t *testing.T) {
	result := checkNetwork(context.Background(), &config.Config{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without api_url, got %+v", result)
	}
}

func TestCheckNetwork_Localhost(t *testing.T) {
	cfg := readyConfig(t)
	cfg.Sync.APIURL = "https://localhost:8443/base"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, cfg)
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
	// Allow FAIL in sandboxes without a resolver.
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
}
