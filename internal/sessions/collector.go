// Package sessions finds agent transcript files that are new or changed
// since their last upload.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/clawsync/internal/ledger"
)

// TranscriptExt is the extension of transcript files.
const TranscriptExt = ".jsonl"

// maxConcurrentScans bounds how many agent directories are read at once.
const maxConcurrentScans = 8

// Candidate is one transcript selected for upload this cycle.
type Candidate struct {
	AgentID   string
	SessionID string
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
	LedgerKey string
}

// Size lets the uploader budget candidates generically.
func (c Candidate) Size() int64 { return c.SizeBytes }

// Stats counts what a scan looked at.
type Stats struct {
	Agents   int
	Files    int
	Accepted int
	Rejected map[Reason]int
	// Truncated is set when the scan stopped at MaxCandidates.
	Truncated bool
}

func (s *Stats) merge(o Stats) {
	s.Files += o.Files
	s.Accepted += o.Accepted
	s.Truncated = s.Truncated || o.Truncated
	for r, n := range o.Rejected {
		s.reject(r, n)
	}
}

func (s *Stats) reject(r Reason, n int) {
	if s.Rejected == nil {
		s.Rejected = make(map[Reason]int)
	}
	s.Rejected[r] += n
}

// Collector walks <Root>/<agentId>/sessions/*.jsonl. When MaxCandidates
// is set, the first MaxCandidates in agent then session order are kept,
// independent of how the per-agent scans are scheduled.
type Collector struct {
	Root          string
	Filter        *Filter
	MaxCandidates int
	Logger        *slog.Logger
}

// TranscriptRoot returns the per-agent transcript root under the state dir.
func TranscriptRoot(stateDir string) string {
	return filepath.Join(stateDir, "agents")
}

// SessionsDir returns one agent's transcript directory.
func SessionsDir(root, agentID string) string {
	return filepath.Join(root, agentID, "sessions")
}

func (c *Collector) log() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type agentScan struct {
	candidates []Candidate
	stats      Stats
	err        error
}

// Collect returns the dirty, eligible transcripts across all agents in
// scope, sorted by agent then session. Absent directories contribute
// nothing; other filesystem errors are joined and returned alongside
// whatever candidates were found.
func (c *Collector) Collect(ctx context.Context, snapshot *ledger.Ledger) ([]Candidate, Stats, error) {
	var stats Stats
	filter := c.Filter
	if filter == nil {
		filter = &Filter{}
	}

	entries, err := os.ReadDir(c.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("read transcript root (%s): %w", c.Root, err)
	}

	var agents []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if !filter.Scope.Permits(ent.Name()) {
			stats.reject(RejectedAgent, 1)
			continue
		}
		agents = append(agents, ent.Name())
	}
	stats.Agents = len(agents)

	results := make([]agentScan, len(agents))
	var g errgroup.Group
	g.SetLimit(maxConcurrentScans)
	for i, agentID := range agents {
		g.Go(func() error {
			results[i] = c.scanAgent(ctx, filter, agentID, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	var out []Candidate
	var errs []error
	for _, r := range results {
		out = append(out, r.candidates...)
		stats.merge(r.stats)
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SessionID < out[j].SessionID
	})
	if c.MaxCandidates > 0 && len(out) > c.MaxCandidates {
		out = out[:c.MaxCandidates]
		stats.Truncated = true
	}
	stats.Accepted = len(out)
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return out, stats, errors.Join(errs...)
}

// scanAgent stops after MaxCandidates accepted files. Entries come back
// from ReadDir sorted, so each agent contributes its lowest session ids and
// the merged, capped result does not depend on scan order.
func (c *Collector) scanAgent(ctx context.Context, filter *Filter, agentID string, snapshot *ledger.Ledger) agentScan {
	var res agentScan
	dir := SessionsDir(c.Root, agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.err = fmt.Errorf("read sessions dir (%s): %w", dir, err)
		}
		return res
	}

	for _, ent := range entries {
		if ctx.Err() != nil {
			return res
		}
		if c.MaxCandidates > 0 && res.stats.Accepted >= c.MaxCandidates {
			res.stats.Truncated = true
			return res
		}
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, TranscriptExt) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			res.err = errors.Join(res.err, fmt.Errorf("stat %s: %w", filepath.Join(dir, name), err))
			continue
		}
		res.stats.Files++

		file := File{
			AgentID:   agentID,
			SessionID: strings.TrimSuffix(name, TranscriptExt),
			Path:      filepath.Join(dir, name),
			Key:       ledger.SessionKey(agentID, name),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		}
		reason, err := filter.Check(file, snapshot)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.err = errors.Join(res.err, err)
			}
			continue
		}
		if reason != Accepted {
			res.stats.reject(reason, 1)
			c.log().Debug("session skipped", "agent_id", agentID, "session_id", file.SessionID, "reason", reason.String())
			continue
		}
		res.stats.Accepted++
		res.candidates = append(res.candidates, Candidate{
			AgentID:   agentID,
			SessionID: file.SessionID,
			FilePath:  file.Path,
			SizeBytes: file.Size,
			ModTime:   file.ModTime,
			LedgerKey: file.Key,
		})
	}
	return res
}
