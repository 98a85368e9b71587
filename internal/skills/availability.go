package skills

import (
	"fmt"
	"strings"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/probe"
)

// HostView is the slice of host configuration availability depends on.
// config.AgentView implements it.
type HostView interface {
	SkillEntry(key string) (config.SkillEntry, bool)
	BundledAllowlist() []string
	ResolvePath(path string) (any, bool)
}

// EvalInput identifies the skill being evaluated.
type EvalInput struct {
	Source       Source
	SkillKey     string
	Name         string
	Requirements Requirements
}

// Evaluate decides whether a skill is usable on this host right now. Rules
// are checked in order and the first that decides wins: an explicitly
// disabled entry, the bundled allowlist, the always flag, then every
// declared requirement.
func Evaluate(in EvalInput, host HostView, p probe.Probe) bool {
	entry, _ := host.SkillEntry(in.SkillKey)
	if entry.Disabled() {
		return false
	}
	if blockedByAllowlist(in, host) {
		return false
	}
	if in.Requirements.Always {
		return true
	}
	return len(unmet(in, entry, host, p, true)) == 0
}

// Missing lists every unmet condition in human-readable form. It is empty
// exactly when Evaluate returns true.
func Missing(in EvalInput, host HostView, p probe.Probe) []string {
	entry, _ := host.SkillEntry(in.SkillKey)
	if entry.Disabled() {
		return []string{"disabled in config: " + in.SkillKey}
	}
	if blockedByAllowlist(in, host) {
		return []string{"not in bundled allowlist: " + in.SkillKey}
	}
	if in.Requirements.Always {
		return nil
	}
	return unmet(in, entry, host, p, false)
}

func blockedByAllowlist(in EvalInput, host HostView) bool {
	if in.Source != SourceBundled {
		return false
	}
	allow := host.BundledAllowlist()
	if len(allow) == 0 {
		return false
	}
	return !containsString(allow, in.SkillKey) && !containsString(allow, in.Name)
}

// unmet collects failed requirements; with stopEarly it returns after the
// first one.
func unmet(in EvalInput, entry config.SkillEntry, host HostView, p probe.Probe, stopEarly bool) []string {
	req := in.Requirements
	var missing []string
	add := func(s string) bool {
		missing = append(missing, s)
		return stopEarly
	}

	for _, b := range req.Bins {
		if !p.HasBinary(b) && add("missing bin: "+b) {
			return missing
		}
	}
	if len(req.AnyBins) > 0 {
		found := false
		for _, b := range req.AnyBins {
			if p.HasBinary(b) {
				found = true
				break
			}
		}
		if !found && add("missing anyBins: "+strings.Join(req.AnyBins, ",")) {
			return missing
		}
	}
	for _, k := range req.Env {
		if !envSatisfied(k, req.PrimaryEnv, entry, p) && add("missing env: "+k) {
			return missing
		}
	}
	if len(req.OS) > 0 {
		platform := probe.NormalizePlatform(p.Platform())
		ok := false
		for _, o := range req.OS {
			if probe.NormalizePlatform(o) == platform {
				ok = true
				break
			}
		}
		if !ok && add(fmt.Sprintf("unsupported os: %s", platform)) {
			return missing
		}
	}
	for _, path := range req.Config {
		v, ok := host.ResolvePath(path)
		if (!ok || !config.IsTruthy(v)) && add("missing config: "+path) {
			return missing
		}
	}
	return missing
}

func envSatisfied(name, primaryEnv string, entry config.SkillEntry, p probe.Probe) bool {
	if p.Getenv(name) != "" {
		return true
	}
	if entry.Env[name] != "" {
		return true
	}
	return entry.APIKey != "" && primaryEnv != "" && name == primaryEnv
}
