package config

import (
	"maps"
	"path/filepath"
	"strings"

	"github.com/basket/clawsync/internal/shared"
)

// DefaultAgentID returns the configured default agent, the first listed
// agent, or shared.DefaultAgentID.
func (c Config) DefaultAgentID() string {
	if id := strings.TrimSpace(c.Agents.Default); id != "" {
		return id
	}
	for _, a := range c.Agents.List {
		if a.ID != "" {
			return a.ID
		}
	}
	return shared.DefaultAgentID
}

// AgentIDs returns the distinct configured agent ids in config order. A
// host with no agent list runs only the default agent.
func (c Config) AgentIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range c.Agents.List {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a.ID)
	}
	if len(out) == 0 {
		out = append(out, c.DefaultAgentID())
	}
	return out
}

func (c Config) agent(id string) (AgentEntry, bool) {
	for _, a := range c.Agents.List {
		if a.ID == id {
			return a, true
		}
	}
	return AgentEntry{}, false
}

// WorkspaceDir returns the agent's workspace: the configured override, else
// <home>/workspace for the default agent and <home>/workspace-<id> otherwise.
func (c Config) WorkspaceDir(agentID string) string {
	if a, ok := c.agent(agentID); ok && a.Workspace != "" {
		return a.Workspace
	}
	if agentID == c.DefaultAgentID() {
		return filepath.Join(c.HomeDir, "workspace")
	}
	return filepath.Join(c.HomeDir, "workspace-"+agentID)
}

// AgentView returns the configuration as seen by one agent.
func (c *Config) AgentView(agentID string) AgentView {
	return AgentView{cfg: c, agentID: agentID}
}

// AgentView resolves skill settings for one agent, layering the agent's own
// skill entries over the global ones.
type AgentView struct {
	cfg     *Config
	agentID string
}

func (v AgentView) AgentID() string { return v.agentID }

// SkillEntry returns the effective entry for key. Agent-level fields that
// are set win over global ones; env maps are merged.
func (v AgentView) SkillEntry(key string) (SkillEntry, bool) {
	if v.cfg == nil {
		return SkillEntry{}, false
	}
	global, hasGlobal := v.cfg.Skills.Entries[key]
	var local SkillEntry
	hasLocal := false
	if a, ok := v.cfg.agent(v.agentID); ok {
		local, hasLocal = a.Skills.Entries[key]
	}
	switch {
	case !hasGlobal && !hasLocal:
		return SkillEntry{}, false
	case !hasLocal:
		return global, true
	case !hasGlobal:
		return local, true
	}
	merged := global
	if local.Enabled != nil {
		merged.Enabled = local.Enabled
	}
	if local.APIKey != "" {
		merged.APIKey = local.APIKey
	}
	if len(local.Env) > 0 {
		env := make(map[string]string, len(global.Env)+len(local.Env))
		maps.Copy(env, global.Env)
		maps.Copy(env, local.Env)
		merged.Env = env
	}
	if len(local.Config) > 0 {
		merged.Config = local.Config
	}
	return merged, true
}

func (v AgentView) BundledAllowlist() []string {
	if v.cfg == nil {
		return nil
	}
	return v.cfg.Skills.AllowBundled
}

func (v AgentView) ResolvePath(path string) (any, bool) {
	if v.cfg == nil {
		return nil, false
	}
	return v.cfg.Tree.ResolvePath(path)
}
