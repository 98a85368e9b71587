package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrSyncNotConfigured marks a host whose config lacks the settings needed to
// talk to the ingest endpoint. Callers treat it as "sync disabled", not fatal.
var ErrSyncNotConfigured = errors.New("sync not configured")

// SyncConfig holds the settings for the transcript and skill sync engine.
type SyncConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	APIURL       string `yaml:"api_url"`
	APIKey       string `yaml:"api_key"`
	DeploymentID string `yaml:"deployment_id"`
	ProjectID    string `yaml:"project_id"`

	// Interval is a Go duration ("15m") or a 5-field cron expression.
	Interval     string `yaml:"interval"`
	StartupDelay string `yaml:"startup_delay"`

	MaxBatchBytes     int64    `yaml:"max_batch_bytes"`
	MaxSessionsPerRun int      `yaml:"max_sessions_per_run"`
	MinSessionBytes   int64    `yaml:"min_session_bytes"`
	MinSessionLines   int      `yaml:"min_session_lines"`
	IncludeAgents     []string `yaml:"include_agents"`
	ExcludeAgents     []string `yaml:"exclude_agents"`
	ExcludeSessions   []string `yaml:"exclude_sessions"`

	Skills           *bool  `yaml:"skills"`
	BundledSkillsDir string `yaml:"bundled_skills_dir"`

	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryBackoff   string `yaml:"retry_backoff"`
	RequestTimeout string `yaml:"request_timeout"`
	// Compression is the request body encoding: "none", "gzip" or "zstd".
	Compression string `yaml:"compression"`
}

// SkillEntry is the per-skill host configuration, keyed by skill key.
type SkillEntry struct {
	Enabled *bool             `yaml:"enabled"`
	APIKey  string            `yaml:"api_key"`
	Env     map[string]string `yaml:"env"`
	Config  map[string]any    `yaml:"config"`
}

// Disabled reports whether the entry explicitly turns the skill off.
func (e SkillEntry) Disabled() bool {
	return e.Enabled != nil && !*e.Enabled
}

type SkillsConfig struct {
	// AllowBundled restricts bundled skills to these keys or names when non-empty.
	AllowBundled []string              `yaml:"allow_bundled"`
	Entries      map[string]SkillEntry `yaml:"entries"`
}

// AgentEntry names an agent the host runs.
type AgentEntry struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	// Skills overrides global skill entries for this agent only.
	Skills struct {
		Entries map[string]SkillEntry `yaml:"entries"`
	} `yaml:"skills"`
}

type AgentsConfig struct {
	Default string       `yaml:"default"`
	List    []AgentEntry `yaml:"list"`
}

// OTelConfig mirrors otel.Config so this package stays free of exporter deps.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string       `yaml:"log_level"`
	Sync     SyncConfig   `yaml:"sync"`
	Agents   AgentsConfig `yaml:"agents"`
	Skills   SkillsConfig `yaml:"skills"`
	OTel     OTelConfig   `yaml:"otel"`

	// Tree is the raw document, used for dot-path lookups by skill requirements.
	Tree Tree `yaml:"-"`

	// FileMissing is set when config.yaml does not exist yet.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("CLAWSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawsync")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Sync: SyncConfig{
			Interval:          "15m",
			StartupDelay:      "30s",
			MaxBatchBytes:     5 << 20,
			MaxSessionsPerRun: 200,
			MinSessionBytes:   256,
			MinSessionLines:   2,
			RetryAttempts:     3,
			RetryBackoff:      "2s",
			RequestTimeout:    "30s",
			Compression:       "none",
		},
	}
}

// Load reads config from the directory returned by HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, applies env
// overrides and normalizes the result. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	cfg.Tree = NewTree(nil)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawsync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.FileMissing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		raw := make(map[string]any)
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.Tree = NewTree(raw)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"CLAWSYNC_API_URL", &cfg.Sync.APIURL},
		{"CLAWSYNC_API_KEY", &cfg.Sync.APIKey},
		{"CLAWSYNC_DEPLOYMENT_ID", &cfg.Sync.DeploymentID},
		{"CLAWSYNC_PROJECT_ID", &cfg.Sync.ProjectID},
		{"CLAWSYNC_INTERVAL", &cfg.Sync.Interval},
		{"CLAWSYNC_BUNDLED_SKILLS_DIR", &cfg.Sync.BundledSkillsDir},
		{"CLAWSYNC_LOG_LEVEL", &cfg.LogLevel},
	}
	for _, o := range overrides {
		if raw := strings.TrimSpace(os.Getenv(o.env)); raw != "" {
			*o.dst = raw
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	s := &cfg.Sync
	s.APIURL = strings.TrimRight(strings.TrimSpace(s.APIURL), "/")
	if strings.TrimSpace(s.Interval) == "" {
		s.Interval = def.Sync.Interval
	}
	if strings.TrimSpace(s.StartupDelay) == "" {
		s.StartupDelay = def.Sync.StartupDelay
	}
	if s.MaxSessionsPerRun < 0 {
		s.MaxSessionsPerRun = 0
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = def.Sync.RetryAttempts
	}
	if strings.TrimSpace(s.RetryBackoff) == "" {
		s.RetryBackoff = def.Sync.RetryBackoff
	}
	if strings.TrimSpace(s.RequestTimeout) == "" {
		s.RequestTimeout = def.Sync.RequestTimeout
	}
	s.Compression = strings.ToLower(strings.TrimSpace(s.Compression))
	if s.Compression == "" {
		s.Compression = "none"
	}
	s.BundledSkillsDir = ExpandHome(s.BundledSkillsDir)
	for i := range cfg.Agents.List {
		cfg.Agents.List[i].ID = strings.TrimSpace(cfg.Agents.List[i].ID)
		cfg.Agents.List[i].Workspace = ExpandHome(cfg.Agents.List[i].Workspace)
	}
}

// Active reports whether sync is switched on (the default).
func (s SyncConfig) Active() bool {
	return s.Enabled == nil || *s.Enabled
}

// SkillsEnabled reports whether skill collection runs (the default).
func (s SyncConfig) SkillsEnabled() bool {
	return s.Skills == nil || *s.Skills
}

// Missing lists the required settings that are empty.
func (s SyncConfig) Missing() []string {
	var missing []string
	if s.APIURL == "" {
		missing = append(missing, "sync.api_url")
	}
	if s.APIKey == "" {
		missing = append(missing, "sync.api_key")
	}
	if s.DeploymentID == "" {
		missing = append(missing, "sync.deployment_id")
	}
	if s.ProjectID == "" {
		missing = append(missing, "sync.project_id")
	}
	return missing
}

// Ready returns nil when the sync engine can run, or an error wrapping
// ErrSyncNotConfigured explaining why not.
func (s SyncConfig) Ready() error {
	if !s.Active() {
		return fmt.Errorf("%w: disabled by sync.enabled", ErrSyncNotConfigured)
	}
	if missing := s.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSyncNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// StartupDelayDuration parses StartupDelay, falling back to 30s.
func (s SyncConfig) StartupDelayDuration() time.Duration {
	return parseDurationOr(s.StartupDelay, 30*time.Second)
}

// RetryBackoffDuration parses RetryBackoff, falling back to 2s.
func (s SyncConfig) RetryBackoffDuration() time.Duration {
	return parseDurationOr(s.RetryBackoff, 2*time.Second)
}

// RequestTimeoutDuration parses RequestTimeout, falling back to 30s.
func (s SyncConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(s.RequestTimeout, 30*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	p = strings.TrimSpace(p)
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Fingerprint returns a stable hash of the settings that shape a sync cycle.
// It is logged on reload so operators can tell which config a cycle used.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	s := c.Sync
	fmt.Fprintf(h, "url=%s|dep=%s|proj=%s|interval=%s|budget=%d|max=%d|minb=%d|minl=%d|inc=%v|exc=%v|sess=%v|skills=%t|agents=%v",
		s.APIURL, s.DeploymentID, s.ProjectID, s.Interval, s.MaxBatchBytes, s.MaxSessionsPerRun,
		s.MinSessionBytes, s.MinSessionLines, s.IncludeAgents, s.ExcludeAgents, s.ExcludeSessions,
		s.SkillsEnabled(), c.AgentIDs())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
