package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/cron"
	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/probe"
	"github.com/basket/clawsync/internal/skills"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCredentials,
		checkStateDir,
		checkLedger,
		checkHistory,
		checkSchedule,
		checkSkills,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FileMissing {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("No config file at %s; using defaults and environment", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Sync.Active() {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Sync disabled by sync.enabled"}
	}
	if missing := cfg.Sync.Missing(); len(missing) > 0 {
		return CheckResult{
			Name:    "Credentials",
			Status:  "FAIL",
			Message: "Missing " + strings.Join(missing, ", "),
			Detail:  "Set them in config.yaml or via CLAWSYNC_* environment variables",
		}
	}
	return CheckResult{
		Name:    "Credentials",
		Status:  "PASS",
		Message: fmt.Sprintf("Project %s, deployment %s", cfg.Sync.ProjectID, cfg.Sync.DeploymentID),
	}
}

func checkStateDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State Dir", Status: "SKIP", Message: "Config missing"}
	}
	dir := filepath.Dir(ledger.Path(cfg.HomeDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Name: "State Dir", Status: "PASS", Message: fmt.Sprintf("%s writable", dir)}
}

func checkLedger(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: "SKIP", Message: "Config missing"}
	}
	path := ledger.Path(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Ledger", Status: "PASS", Message: "No ledger yet; the first cycle uploads everything"}
	}
	l, err := ledger.LoadStrict(cfg.HomeDir)
	if err != nil {
		return CheckResult{
			Name:    "Ledger",
			Status:  "WARN",
			Message: "Ledger will be reset on the next cycle",
			Detail:  err.Error(),
		}
	}
	st := l.Stats()
	msg := fmt.Sprintf("%d sessions, %d skills tracked", st.Files, st.Skills)
	if st.LastRunAt != nil {
		msg += fmt.Sprintf("; last cycle %s", st.LastRunAt.Format(time.RFC3339))
	}
	return CheckResult{Name: "Ledger", Status: "PASS", Message: msg}
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History", Status: "SKIP", Message: "Config missing"}
	}
	path := persistence.Path(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "History", Status: "SKIP", Message: "No cycles recorded yet"}
	}
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "History", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	last, err := store.LastRun(ctx)
	if err != nil {
		return CheckResult{Name: "History", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if last == nil {
		return CheckResult{Name: "History", Status: "PASS", Message: "No cycles recorded yet"}
	}
	if last.ErrorCount > 0 {
		return CheckResult{
			Name:    "History",
			Status:  "WARN",
			Message: fmt.Sprintf("Last cycle (%s) had %d errors", last.StartedAt.Format(time.RFC3339), last.ErrorCount),
			Detail:  last.FirstError,
		}
	}
	return CheckResult{
		Name:    "History",
		Status:  "PASS",
		Message: fmt.Sprintf("Last cycle %s uploaded %d sessions", last.StartedAt.Format(time.RFC3339), last.SessionsUploaded),
	}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Sync.Interval, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: fmt.Sprintf("Invalid sync.interval: %v", err)}
	}
	return CheckResult{
		Name:    "Schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("%q, next run around %s", cfg.Sync.Interval, next.Format(time.Kitchen)),
	}
}

func checkSkills(ctx context.Context, cfg *config.Config) CheckResult {
	return skillCheck(ctx, cfg, probe.System(), "")
}

func skillCheck(ctx context.Context, cfg *config.Config, p probe.Probe, personalDir string) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Skills", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Sync.SkillsEnabled() {
		return CheckResult{Name: "Skills", Status: "SKIP", Message: "Skill sync disabled by sync.skills"}
	}
	c := &skills.Collector{Config: cfg, Probe: p, PersonalDir: personalDir}
	m, err := c.CollectManifest(ctx, ledger.New())
	all := m.All()

	var unavailable []string
	for _, s := range all {
		if s.Available {
			continue
		}
		in := skills.EvalInput{Source: s.Source, SkillKey: s.SkillKey, Name: s.Name, Requirements: s.Requires}
		reasons := skills.Missing(in, cfg.AgentView(s.AgentName), p)
		unavailable = append(unavailable, fmt.Sprintf("%s/%s: %s", s.AgentName, s.Name, strings.Join(reasons, "; ")))
	}

	msg := fmt.Sprintf("%d skills across %d sources, %d unavailable", len(all), len(c.Roots()), len(unavailable))
	if err != nil {
		return CheckResult{Name: "Skills", Status: "WARN", Message: msg, Detail: err.Error()}
	}
	return CheckResult{Name: "Skills", Status: "PASS", Message: msg, Detail: strings.Join(unavailable, "\n")}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Sync.APIURL == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "sync.api_url not set"}
	}
	u, err := url.Parse(cfg.Sync.APIURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: "FAIL", Message: fmt.Sprintf("Invalid sync.api_url %q", cfg.Sync.APIURL)}
	}
	host := u.Hostname()

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
