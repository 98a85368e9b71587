package sessions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/basket/clawsync/internal/ledger"
)

// Reason records why the filter accepted or rejected a transcript.
type Reason int

const (
	Accepted Reason = iota
	RejectedAgent
	RejectedSessionPattern
	RejectedClean
	RejectedTooSmall
	RejectedTooFewLines
)

func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedAgent:
		return "agent_scope"
	case RejectedSessionPattern:
		return "session_pattern"
	case RejectedClean:
		return "unchanged"
	case RejectedTooSmall:
		return "too_small"
	case RejectedTooFewLines:
		return "too_few_lines"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// AgentScope restricts which agents' transcripts are considered.
type AgentScope struct {
	Allow []string
	Deny  []string
}

// Permits reports whether agentID is in scope. Deny always wins; an empty
// allow list admits every agent not denied.
func (s AgentScope) Permits(agentID string) bool {
	if slices.Contains(s.Deny, agentID) {
		return false
	}
	if len(s.Allow) == 0 {
		return true
	}
	return slices.Contains(s.Allow, agentID)
}

// GlobSet matches session ids against deny patterns in which only "*" is
// special; it matches any run of characters, including none.
type GlobSet struct {
	patterns []*regexp.Regexp
}

// CompileGlobs builds a GlobSet. Blank patterns are ignored.
func CompileGlobs(patterns []string) GlobSet {
	var gs GlobSet
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.Split(p, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		gs.patterns = append(gs.patterns, regexp.MustCompile("^"+strings.Join(parts, ".*")+"$"))
	}
	return gs
}

// Matches reports whether s matches any pattern in the set.
func (g GlobSet) Matches(s string) bool {
	for _, re := range g.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (g GlobSet) Len() int { return len(g.patterns) }

// File is the metadata the filter inspects for one transcript.
type File struct {
	AgentID   string
	SessionID string
	Path      string
	Key       string
	Size      int64
	ModTime   time.Time
}

// Filter is the eligibility chain for transcripts. Checks run cheapest
// first; the line count, which reads the file, always runs last.
type Filter struct {
	Scope    AgentScope
	Sessions GlobSet
	MinBytes int64
	MinLines int
}

// Check runs the chain for f against the ledger snapshot.
func (f *Filter) Check(file File, snapshot *ledger.Ledger) (Reason, error) {
	if !f.Scope.Permits(file.AgentID) {
		return RejectedAgent, nil
	}
	if f.Sessions.Matches(file.SessionID) {
		return RejectedSessionPattern, nil
	}
	if !ledger.IsFileDirty(snapshot.FileEntry(file.Key), file.Size, file.ModTime) {
		return RejectedClean, nil
	}
	if file.Size < f.MinBytes {
		return RejectedTooSmall, nil
	}
	if f.MinLines > 0 {
		n, err := CountLines(file.Path, f.MinLines)
		if err != nil {
			return RejectedTooFewLines, err
		}
		if n < f.MinLines {
			return RejectedTooFewLines, nil
		}
	}
	return Accepted, nil
}

const countChunkSize = 32 << 10

// CountLines counts lines containing at least one non-whitespace byte. It
// stops reading once limit lines are seen; limit <= 0 counts the whole file.
// Line length is unbounded.
func CountLines(path string, limit int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, countChunkSize)
	count := 0
	hasContent := false
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\n':
				if hasContent {
					count++
					if limit > 0 && count >= limit {
						return count, nil
					}
				}
				hasContent = false
			case ' ', '\t', '\r', '\v', '\f':
			default:
				hasContent = true
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if hasContent {
		count++
	}
	return count, nil
}
