package sessions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawsync/internal/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollect_MissingRoot(t *testing.T) {
	c := &Collector{Root: filepath.Join(t.TempDir(), "agents"), Logger: quietLogger()}
	got, _, err := c.Collect(context.Background(), ledger.New())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestCollect_FiltersAndSorts(t *testing.T) {
	root := filepath.Join(t.TempDir(), "agents")
	body := "{\"type\":\"user\"}\n{\"type\":\"assistant\"}\n"
	writeTranscript(t, filepath.Join(SessionsDir(root, "zeta"), "b.jsonl"), body)
	writeTranscript(t, filepath.Join(SessionsDir(root, "alpha"), "c.jsonl"), body)
	writeTranscript(t, filepath.Join(SessionsDir(root, "alpha"), "a.jsonl"), body)
	writeTranscript(t, filepath.Join(SessionsDir(root, "alpha"), "tmp-x.jsonl"), body)
	writeTranscript(t, filepath.Join(SessionsDir(root, "alpha"), "notes.txt"), body)
	writeTranscript(t, filepath.Join(SessionsDir(root, "alpha"), "short.jsonl"), "{}\n")
	writeTranscript(t, filepath.Join(SessionsDir(root, "denied"), "d.jsonl"), body)
	if err := os.MkdirAll(filepath.Join(root, "empty-agent"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	c := &Collector{
		Root: root,
		Filter: &Filter{
			Scope:    AgentScope{Deny: []string{"denied"}},
			Sessions: CompileGlobs([]string{"tmp-*"}),
			MinLines: 2,
		},
		Logger: quietLogger(),
	}
	got, stats, err := c.Collect(context.Background(), ledger.New())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var keys []string
	for _, cand := range got {
		keys = append(keys, cand.LedgerKey)
	}
	want := []string{
		"agents/alpha/sessions/a.jsonl",
		"agents/alpha/sessions/c.jsonl",
		"agents/zeta/sessions/b.jsonl",
	}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("unexpected candidates %v, want %v", keys, want)
	}
	if got[0].SessionID != "a" || got[0].AgentID != "alpha" || got[0].SizeBytes != int64(len(body)) {
		t.Fatalf("unexpected candidate fields %+v", got[0])
	}
	if stats.Rejected[RejectedAgent] != 1 || stats.Rejected[RejectedSessionPattern] != 1 || stats.Rejected[RejectedTooFewLines] != 1 {
		t.Fatalf("unexpected rejection stats %+v", stats.Rejected)
	}
}

func TestCollect_SkipsCleanFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "agents")
	path := filepath.Join(SessionsDir(root, "main"), "s.jsonl")
	writeTranscript(t, path, "{}\n{}\n")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	snap := ledger.New()
	snap.Files[ledger.SessionKey("main", "s.jsonl")] = ledger.FileEntry{
		UploadedAt:        info.ModTime().Add(time.Second),
		UploadedSizeBytes: info.Size(),
	}
	c := &Collector{Root: root, Filter: &Filter{}, Logger: quietLogger()}
	got, _, err := c.Collect(context.Background(), snap)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected clean file to be skipped, got %+v", got)
	}

	// Appending grows the file; it becomes dirty regardless of mtime.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{}\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = f.Close()
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	got, _, err = c.Collect(context.Background(), snap)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected grown file to be dirty, got %d", len(got))
	}
}

func TestCollect_MaxCandidates(t *testing.T) {
	root := filepath.Join(t.TempDir(), "agents")
	for _, agent := range []string{"a", "b", "c"} {
		for i := 0; i < 4; i++ {
			writeTranscript(t, filepath.Join(SessionsDir(root, agent), fmt.Sprintf("s%d.jsonl", i)), "{}\n")
		}
	}
	c := &Collector{Root: root, Filter: &Filter{}, MaxCandidates: 5, Logger: quietLogger()}
	got, stats, err := c.Collect(context.Background(), ledger.New())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(got))
	}
	if !stats.Truncated || stats.Accepted != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCollect_MaxCandidatesKeepsLowestInOrder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "agents")
	for _, agent := range []string{"a", "b", "c"} {
		for i := 0; i < 4; i++ {
			writeTranscript(t, filepath.Join(SessionsDir(root, agent), fmt.Sprintf("s%d.jsonl", i)), "{}\n")
		}
	}
	want := []string{"a/s0", "a/s1", "a/s2", "a/s3", "b/s0"}
	c := &Collector{Root: root, Filter: &Filter{}, MaxCandidates: 5, Logger: quietLogger()}
	for run := 0; run < 20; run++ {
		got, _, err := c.Collect(context.Background(), ledger.New())
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("run %d: got %d candidates", run, len(got))
		}
		for i, cand := range got {
			if id := cand.AgentID + "/" + cand.SessionID; id != want[i] {
				t.Fatalf("run %d: candidate %d = %s, want %s", run, i, id, want[i])
			}
		}
	}
}
