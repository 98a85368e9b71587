// Package ledger persists what has already been shipped to the ingest
// endpoint, keyed by stable identity strings, so each cycle only uploads
// transcripts and skills that changed since the last successful upload.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaVersion is the only ledger layout this build trusts.
const SchemaVersion = 1

// Ledger is the persisted sync state.
type Ledger struct {
	SchemaVersion int                   `json:"schemaVersion"`
	LastRunAt     *time.Time            `json:"lastRunAt"`
	Files         map[string]FileEntry  `json:"files"`
	Skills        map[string]SkillEntry `json:"skills"`
}

// FileEntry is the last successfully synced state of one transcript file.
type FileEntry struct {
	UploadedAt        time.Time `json:"uploadedAt"`
	UploadedSizeBytes int64     `json:"uploadedSizeBytes"`
	UploadedLines     int       `json:"uploadedLines"`
	ContentDigest     string    `json:"contentDigest"`
}

// SkillEntry is the last successfully synced state of one skill, including
// the availability computed at that time.
type SkillEntry struct {
	UploadedAt    time.Time `json:"uploadedAt"`
	ContentDigest string    `json:"contentDigest"`
	Available     bool      `json:"available"`
}

// New returns an empty ledger at the current schema version.
func New() *Ledger {
	return &Ledger{
		SchemaVersion: SchemaVersion,
		Files:         map[string]FileEntry{},
		Skills:        map[string]SkillEntry{},
	}
}

// Path returns the ledger file location under the host state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "sync", "ledger.json")
}

// Load reads the ledger from stateDir. A missing, unparseable, or
// wrong-version file yields an empty ledger and no error; only unexpected
// read failures are returned.
func Load(stateDir string) (*Ledger, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l, err := decode(data)
	if err != nil {
		return New(), nil
	}
	return l, nil
}

// LoadStrict is Load without the silent reset: a document that Load would
// discard is reported as an error. Diagnostics use it to explain why
// everything is about to be re-sent.
func LoadStrict(stateDir string) (*Ledger, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Ledger, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	if err := ledgerSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate ledger: %w", err)
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if l.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported ledger schema version %d", l.SchemaVersion)
	}
	if l.Files == nil {
		l.Files = map[string]FileEntry{}
	}
	if l.Skills == nil {
		l.Skills = map[string]SkillEntry{}
	}
	return &l, nil
}

// Save writes the whole ledger to stateDir. The file is written to a
// temporary sibling, synced, and renamed into place so readers never see a
// partial document.
func Save(stateDir string, l *Ledger) error {
	if l == nil {
		l = New()
	}
	out := *l
	out.SchemaVersion = SchemaVersion
	if out.Files == nil {
		out.Files = map[string]FileEntry{}
	}
	if out.Skills == nil {
		out.Skills = map[string]SkillEntry{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	data = append(data, '\n')

	path := Path(stateDir)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create ledger tmp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write ledger tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync ledger tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close ledger tmp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod ledger tmp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

// Clone returns a deep copy. Collectors get clones so the orchestrator
// stays the only writer of the live ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return New()
	}
	out := &Ledger{
		SchemaVersion: l.SchemaVersion,
		Files:         maps.Clone(l.Files),
		Skills:        maps.Clone(l.Skills),
	}
	if out.Files == nil {
		out.Files = map[string]FileEntry{}
	}
	if out.Skills == nil {
		out.Skills = map[string]SkillEntry{}
	}
	if l.LastRunAt != nil {
		t := *l.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// FileEntry returns the entry for key or nil.
func (l *Ledger) FileEntry(key string) *FileEntry {
	if l == nil {
		return nil
	}
	e, ok := l.Files[key]
	if !ok {
		return nil
	}
	return &e
}

// SkillEntry returns the entry for key or nil.
func (l *Ledger) SkillEntry(key string) *SkillEntry {
	if l == nil {
		return nil
	}
	e, ok := l.Skills[key]
	if !ok {
		return nil
	}
	return &e
}

// Stats summarizes a ledger for status output.
type Stats struct {
	Files     int        `json:"files"`
	Skills    int        `json:"skills"`
	Available int        `json:"skills_available"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

func (l *Ledger) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	s := Stats{Files: len(l.Files), Skills: len(l.Skills), LastRunAt: l.LastRunAt}
	for _, e := range l.Skills {
		if e.Available {
			s.Available++
		}
	}
	return s
}
