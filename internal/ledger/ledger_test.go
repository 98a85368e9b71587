package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLedgerFile(t *testing.T, stateDir, body string) {
	t.Helper()
	path := Path(stateDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
}

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	l, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.SchemaVersion != SchemaVersion || len(l.Files) != 0 || len(l.Skills) != 0 || l.LastRunAt != nil {
		t.Fatalf("expected empty ledger, got %+v", l)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New()
	l.LastRunAt = &now
	l.Files[SessionKey("main", "s1.jsonl")] = FileEntry{
		UploadedAt:        now,
		UploadedSizeBytes: 42,
		UploadedLines:     3,
		ContentDigest:     ComputeDigest([]byte("abc")),
	}
	l.Skills[SkillKey("main", "managed", "weather")] = SkillEntry{
		UploadedAt:    now,
		ContentDigest: ComputeDigest([]byte("skill")),
		Available:     true,
	}
	if err := Save(dir, l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("lastRunAt mismatch: %v", got.LastRunAt)
	}
	fe := got.FileEntry("agents/main/sessions/s1.jsonl")
	if fe == nil || fe.UploadedSizeBytes != 42 || fe.UploadedLines != 3 {
		t.Fatalf("file entry mismatch: %+v", fe)
	}
	se := got.SkillEntry("skills/main/managed/weather")
	if se == nil || !se.Available {
		t.Fatalf("skill entry mismatch: %+v", se)
	}
}

func TestSave_PrettyPrintedWithTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, New()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(raw)
	if !strings.HasSuffix(s, "}\n") {
		t.Fatalf("expected trailing newline, got %q", s)
	}
	if !strings.Contains(s, "\n  \"schemaVersion\": 1") {
		t.Fatalf("expected indented output, got %q", s)
	}
	if !strings.Contains(s, `"lastRunAt": null`) {
		t.Fatalf("expected null lastRunAt, got %q", s)
	}
	entries, err := os.ReadDir(filepath.Dir(Path(dir)))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only ledger.json to remain, got %d entries", len(entries))
	}
}

func TestLoad_SchemaGuard(t *testing.T) {
	cases := map[string]string{
		"future version":  `{"schemaVersion": 99, "lastRunAt": null, "files": {"agents/a/sessions/x.jsonl": {"uploadedAt": "2026-01-01T00:00:00Z", "uploadedSizeBytes": 1, "uploadedLines": 1, "contentDigest": "sha256:00"}}, "skills": {}}`,
		"missing version": `{"files": {}, "skills": {}}`,
		"malformed json":  `{"schemaVersion": 1, "files": `,
		"bad entry shape": `{"schemaVersion": 1, "files": {"k": {"uploadedAt": 5}}, "skills": {}}`,
		"bad timestamp":   `{"schemaVersion": 1, "files": {"k": {"uploadedAt": "yesterday", "uploadedSizeBytes": 1}}, "skills": {}}`,
		"not an object":   `[1, 2, 3]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeLedgerFile(t, dir, body)
			l, err := Load(dir)
			if err != nil {
				t.Fatalf("expected silent reset, got error %v", err)
			}
			if len(l.Files) != 0 || len(l.Skills) != 0 || l.LastRunAt != nil {
				t.Fatalf("expected empty ledger, got %+v", l)
			}
			if _, err := LoadStrict(dir); err == nil {
				t.Fatalf("expected LoadStrict to report the rejected document")
			}
		})
	}
}

func TestLoad_NullMapsBecomeEmpty(t *testing.T) {
	dir := t.TempDir()
	writeLedgerFile(t, dir, `{"schemaVersion": 1, "lastRunAt": "2026-01-02T03:04:05Z"}`)
	l, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Files == nil || l.Skills == nil {
		t.Fatalf("expected non-nil maps")
	}
	if l.LastRunAt == nil {
		t.Fatalf("expected lastRunAt to load")
	}
}

func TestClone_IsIndependent(t *testing.T) {
	now := time.Now()
	l := New()
	l.LastRunAt = &now
	l.Files["a"] = FileEntry{UploadedSizeBytes: 1}
	c := l.Clone()
	c.Files["b"] = FileEntry{}
	delete(c.Files, "a")
	*c.LastRunAt = now.Add(time.Hour)
	if _, ok := l.Files["a"]; !ok {
		t.Fatalf("clone mutation leaked into original")
	}
	if _, ok := l.Files["b"]; ok {
		t.Fatalf("clone mutation leaked into original")
	}
	if !l.LastRunAt.Equal(now) {
		t.Fatalf("clone shares lastRunAt pointer")
	}
}

func TestStats(t *testing.T) {
	l := New()
	l.Files["f"] = FileEntry{}
	l.Skills["a"] = SkillEntry{Available: true}
	l.Skills["b"] = SkillEntry{Available: false}
	s := l.Stats()
	if s.Files != 1 || s.Skills != 2 || s.Available != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
