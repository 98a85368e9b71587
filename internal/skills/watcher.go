package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces editor save bursts into one change.
const DefaultDebounce = 150 * time.Millisecond

// Watcher reports when a SKILL.md under any skill root is created, edited,
// or removed, so the daemon can sync ahead of its schedule. It watches each
// root and its immediate skill directories.
type Watcher struct {
	roots    []string
	debounce time.Duration
	logger   *slog.Logger
	events   chan string
}

func NewWatcher(roots []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool)
	cp := make([]string, 0, len(roots))
	for _, d := range roots {
		if strings.TrimSpace(d) == "" || seen[d] {
			continue
		}
		seen[d] = true
		cp = append(cp, d)
	}
	return &Watcher{
		roots:    cp,
		debounce: DefaultDebounce,
		logger:   logger,
		events:   make(chan string, 1),
	}
}

// Events yields the skill root that changed, at most once per debounce
// window. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	watched := 0
	for _, root := range w.roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			w.logger.Warn("skills watcher: abs failed", "dir", root, "error", err)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("skills watcher: add failed", "dir", abs, "error", err)
			}
			continue
		}
		watched++
		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
	}
	w.logger.Debug("skills watcher started", "roots", len(w.roots), "watched", watched)

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) rootOf(path string) string {
	for _, r := range w.roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if path == abs || strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return r
		}
	}
	return path
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var pending string
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// New skill directories are watched as they appear; creating one
			// counts as a change even if its SKILL.md write races the Add.
			createdDir := false
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					createdDir = true
					_ = fsw.Add(ev.Name)
				}
			}
			removedDir := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Ext(ev.Name) == ""
			if filepath.Base(ev.Name) != DefinitionFile && !createdDir && !removedDir {
				continue
			}

			if pending == "" {
				pending = w.rootOf(ev.Name)
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "error", err)

		case <-timer.C:
			if pending == "" {
				continue
			}
			select {
			case w.events <- pending:
			default:
			}
			pending = ""
		}
	}
}
