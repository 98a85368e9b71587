// Package probe isolates the process-wide facts skill requirements depend
// on (executables on PATH, environment variables, platform) behind an
// interface so evaluation can run against a deterministic fake.
package probe

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Probe answers environment questions for the availability evaluator.
type Probe interface {
	// HasBinary reports whether name resolves to an executable on the search path.
	HasBinary(name string) bool
	// Getenv returns the value of an environment variable, "" when unset.
	Getenv(key string) string
	// Platform returns the current OS identifier (runtime.GOOS values).
	Platform() string
}

// System returns the Probe backed by the real process environment.
func System() Probe { return systemProbe{} }

type systemProbe struct{}

// HasBinary never fails: lookup errors of any kind mean "not found".
func (systemProbe) HasBinary(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func (systemProbe) Getenv(key string) string { return os.Getenv(key) }

func (systemProbe) Platform() string { return runtime.GOOS }

// Fake is a fully deterministic Probe for tests.
type Fake struct {
	Bins map[string]bool
	Env  map[string]string
	OS   string
}

func (f Fake) HasBinary(name string) bool { return f.Bins[strings.TrimSpace(name)] }

func (f Fake) Getenv(key string) string { return f.Env[key] }

func (f Fake) Platform() string {
	if f.OS == "" {
		return "linux"
	}
	return f.OS
}

// NormalizePlatform maps host platform aliases onto runtime.GOOS names.
func NormalizePlatform(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case "win32", "win":
		return "windows"
	case "macos", "osx", "mac":
		return "darwin"
	default:
		return p
	}
}
