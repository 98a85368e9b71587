package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, roots ...string) (*Watcher, context.CancelFunc) {
	t.Helper()
	w := NewWatcher(roots, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	return w, cancel
}

func TestWatcher_DebounceCoalescing(t *testing.T) {
	dir := t.TempDir()
	skillMD := filepath.Join(dir, "myskill", DefinitionFile)
	writeSkill(t, filepath.Dir(skillMD), "---\nname: myskill\n---\nv1\n")

	w, cancel := startWatcher(t, dir)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(skillMD, []byte("---\nname: myskill\n---\nupdated\n"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	count := 0
	drain := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case root, ok := <-w.Events():
			if !ok {
				break loop
			}
			if root != dir {
				t.Fatalf("expected root %q, got %q", dir, root)
			}
			count++
		case <-drain:
			break loop
		}
	}
	if count == 0 {
		t.Fatal("expected at least 1 debounced event, got 0")
	}
	if count > 2 {
		t.Fatalf("expected debounce coalescing (1-2 events), got %d", count)
	}
}

func TestWatcher_NonSkillFilesFiltered(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "someskill")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, cancel := startWatcher(t, dir)
	defer cancel()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(skillDir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for .txt file, got %q", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	w, cancel := startWatcher(t, t.TempDir())
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			for range w.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after context cancellation")
	}
}

func TestWatcher_NewSkillDirectory(t *testing.T) {
	dir := t.TempDir()
	w, cancel := startWatcher(t, dir)
	defer cancel()
	time.Sleep(100 * time.Millisecond)

	writeSkill(t, filepath.Join(dir, "brand-new-skill"), "---\nname: brand-new-skill\n---\nInstructions.\n")

	select {
	case root := <-w.Events():
		if root != dir {
			t.Fatalf("expected root %q, got %q", dir, root)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event for new skill directory, got none within timeout")
	}
}

func TestWatcher_MissingRootIgnored(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	w, cancel := startWatcher(t, missing, "", missing)
	defer cancel()
	if len(w.roots) != 1 {
		t.Fatalf("expected blank and duplicate roots dropped, got %v", w.roots)
	}
}
