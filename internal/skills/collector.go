// Package skills discovers SKILL.md-backed skills across the host's skill
// sources, evaluates their availability for each agent, and reports which
// ones changed since the last sync.
package skills

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

	"golang.org/x/sync/errgroup"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/probe"
)

// BundledDirEnv overrides where bundled skills are read from.
const BundledDirEnv = "CLAWSYNC_BUNDLED_SKILLS_DIR"

const maxConcurrentScans = 8

// Candidate is one skill as seen by one agent.
type Candidate struct {
	Name          string
	Source        Source
	AgentName     string
	SkillFilePath string
	RawContent    string
	Frontmatter   map[string]any
	Description   string
	Version       string
	Author        string
	ContentDigest string
	LedgerKey     string
	Available     bool

	// Requires and SkillKey are kept for diagnostics.
	Requires Requirements
	SkillKey string
}

// Manifest is every skill found in one scan, split by whether the ledger
// already holds its current state.
type Manifest struct {
	Dirty []Candidate
	Clean []Candidate
}

// All returns Dirty followed by Clean.
func (m Manifest) All() []Candidate {
	out := make([]Candidate, 0, len(m.Dirty)+len(m.Clean))
	out = append(out, m.Dirty...)
	return append(out, m.Clean...)
}

// Keys returns the ledger key of every skill in the manifest.
func (m Manifest) Keys() map[string]bool {
	keys := make(map[string]bool, len(m.Dirty)+len(m.Clean))
	for _, c := range m.All() {
		keys[c.LedgerKey] = true
	}
	return keys
}

// Root is one skill directory to scan and the agents it is attributed to.
type Root struct {
	Source Source
	Dir    string
	Agents []string
}

// Collector scans skill roots derived from the host configuration.
type Collector struct {
	Config *config.Config
	Probe  probe.Probe
	Logger *slog.Logger

	// PersonalDir overrides ~/.agents/skills when set.
	PersonalDir string
}

func (c *Collector) log() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Collector) probe() probe.Probe {
	if c.Probe != nil {
		return c.Probe
	}
	return probe.System()
}

// ManagedDir returns the state-dir skill source.
func ManagedDir(stateDir string) string {
	return filepath.Join(stateDir, "skills")
}

// BundledDir resolves the bundled skill source: the configured override,
// then the environment, then a skills directory beside the executable.
// It returns "" when none applies.
func BundledDir(cfg *config.Config) string {
	if cfg != nil {
		if d := strings.TrimSpace(cfg.Sync.BundledSkillsDir); d != "" {
			return config.ExpandHome(d)
		}
	}
	if d := strings.TrimSpace(os.Getenv(BundledDirEnv)); d != "" {
		return config.ExpandHome(d)
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	dir := filepath.Join(filepath.Dir(exe), "skills")
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return ""
}

// PersonalDir returns ~/.agents/skills, or "" when the home dir is unknown.
func PersonalDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".agents", "skills")
}

// Roots lists the directories to scan. Shared sources are attributed to
// every agent. Per-agent sources resolving to the same directory are
// scanned once and attributed to the first agent that claims them.
func (c *Collector) Roots() []Root {
	cfg := c.Config
	agents := cfg.AgentIDs()

	personal := c.PersonalDir
	if personal == "" {
		personal = PersonalDir()
	}

	var roots []Root
	for _, r := range []Root{
		{Source: SourceManaged, Dir: ManagedDir(cfg.HomeDir)},
		{Source: SourceBundled, Dir: BundledDir(cfg)},
		{Source: SourcePersonal, Dir: personal},
	} {
		if r.Dir == "" {
			continue
		}
		r.Agents = agents
		roots = append(roots, r)
	}

	claimed := make(map[string]bool)
	for _, agentID := range agents {
		ws := cfg.WorkspaceDir(agentID)
		for _, r := range []Root{
			{Source: SourceWorkspace, Dir: filepath.Join(ws, "skills")},
			{Source: SourceProject, Dir: filepath.Join(ws, ".agents", "skills")},
		} {
			canon := canonicalPath(r.Dir)
			if claimed[canon] {
				continue
			}
			claimed[canon] = true
			r.Agents = []string{agentID}
			roots = append(roots, r)
		}
	}
	return roots
}

func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Collect returns only the skills whose content or availability changed.
func (c *Collector) Collect(ctx context.Context, snapshot *ledger.Ledger) ([]Candidate, error) {
	m, err := c.CollectManifest(ctx, snapshot)
	return m.Dirty, err
}

// CollectManifest scans every root and returns all skills found, dirty and
// clean. Errors from individual roots or skills are joined; the manifest
// still holds whatever was read successfully.
func (c *Collector) CollectManifest(ctx context.Context, snapshot *ledger.Ledger) (Manifest, error) {
	if c.Config == nil {
		return Manifest{}, errors.New("skills collector: nil config")
	}
	roots := c.Roots()
	results := make([]rootScan, len(roots))

	var g errgroup.Group
	g.SetLimit(maxConcurrentScans)
	for i, root := range roots {
		g.Go(func() error {
			results[i] = c.scanRoot(ctx, root)
			return nil
		})
	}
	_ = g.Wait()

	p := c.probe()
	var m Manifest
	var errs []error
	for i, res := range results {
		if res.err != nil {
			errs = append(errs, res.err)
		}
		root := roots[i]
		for _, s := range res.skills {
			for _, agentID := range root.Agents {
				cand := c.candidate(root.Source, agentID, s, p)
				if ledger.IsSkillDirty(snapshot.SkillEntry(cand.LedgerKey), cand.ContentDigest, cand.Available) {
					m.Dirty = append(m.Dirty, cand)
				} else {
					m.Clean = append(m.Clean, cand)
				}
			}
		}
	}
	sortCandidates(m.Dirty)
	sortCandidates(m.Clean)
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return m, errors.Join(errs...)
}

func (c *Collector) candidate(src Source, agentID string, s scannedSkill, p probe.Probe) Candidate {
	def := s.def
	view := c.Config.AgentView(agentID)
	in := EvalInput{Source: src, SkillKey: def.Key(), Name: def.Name, Requirements: def.Requires}
	available := Evaluate(in, view, p)
	if !available {
		c.log().Debug("skill unavailable",
			"agent_id", agentID,
			"skill", def.Name,
			"source", src.String(),
			"missing", strings.Join(Missing(in, view, p), "; "),
		)
	}
	return Candidate{
		Name:          def.Name,
		Source:        src,
		AgentName:     agentID,
		SkillFilePath: s.path,
		RawContent:    s.raw,
		Frontmatter:   def.Frontmatter,
		Description:   def.Description,
		Version:       def.Version,
		Author:        def.Author,
		ContentDigest: s.digest,
		LedgerKey:     ledger.SkillKey(agentID, src.String(), s.dirName),
		Available:     available,
		Requires:      def.Requires,
		SkillKey:      def.Key(),
	}
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].LedgerKey < cs[j].LedgerKey })
}

type scannedSkill struct {
	dirName string
	path    string
	raw     string
	digest  string
	def     Definition
}

type rootScan struct {
	skills []scannedSkill
	err    error
}

func (c *Collector) scanRoot(ctx context.Context, root Root) rootScan {
	var res rootScan
	entries, err := os.ReadDir(root.Dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.err = fmt.Errorf("read skills dir (%s): %w", root.Dir, err)
		}
		return res
	}

	for _, ent := range entries {
		if ctx.Err() != nil {
			return res
		}
		if !ent.IsDir() {
			if ent.Type()&os.ModeSymlink != 0 {
				c.log().Warn("skill directory is a symlink; symlinks are not followed",
					"name", ent.Name(),
					"dir", root.Dir,
				)
			}
			continue
		}
		s, ok, err := readSkill(filepath.Join(root.Dir, ent.Name()))
		if err != nil {
			res.err = errors.Join(res.err, fmt.Errorf("load skill (%s): %w", ent.Name(), err))
			continue
		}
		if ok {
			res.skills = append(res.skills, s)
		}
	}
	return res
}

// readSkill loads dir/SKILL.md. ok is false when the directory holds no
// definition file.
func readSkill(dir string) (scannedSkill, bool, error) {
	path := filepath.Join(dir, DefinitionFile)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scannedSkill{}, false, nil
		}
		return scannedSkill{}, false, fmt.Errorf("stat %s: %w", DefinitionFile, err)
	}
	if fi.IsDir() {
		return scannedSkill{}, false, nil
	}
	if fi.Size() > maxSkillMDSize {
		return scannedSkill{}, false, fmt.Errorf("%s too large: %d bytes (max %d)", DefinitionFile, fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scannedSkill{}, false, nil
		}
		return scannedSkill{}, false, fmt.Errorf("read %s: %w", DefinitionFile, err)
	}
	dirName := filepath.Base(dir)
	return scannedSkill{
		dirName: dirName,
		path:    path,
		raw:     string(data),
		digest:  ledger.ComputeDigest(data),
		def:     ParseDefinition(data, dirName),
	}, true, nil
}
