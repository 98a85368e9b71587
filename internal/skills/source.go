package skills

import (
	"fmt"
	"strings"
)

// Source identifies where a skill directory was found. The set is closed;
// its string form is part of every skill ledger key.
type Source int

const (
	SourceManaged Source = iota
	SourceBundled
	SourcePersonal
	SourceWorkspace
	SourceProject
)

var sourceNames = [...]string{
	SourceManaged:   "managed",
	SourceBundled:   "bundled",
	SourcePersonal:  "personal",
	SourceWorkspace: "workspace",
	SourceProject:   "project",
}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("source(%d)", int(s))
	}
	return sourceNames[s]
}

// Shared reports whether one directory of this source serves every agent.
func (s Source) Shared() bool {
	return s == SourceManaged || s == SourceBundled || s == SourcePersonal
}

func ParseSource(raw string) (Source, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range sourceNames {
		if name == raw {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown skill source %q", raw)
}
