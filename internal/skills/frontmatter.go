package skills

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the file that makes a directory a skill.
const DefinitionFile = "SKILL.md"

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

// Requirements are the host conditions a skill declares under
// metadata.openclaw.
type Requirements struct {
	Always     bool
	SkillKey   string
	PrimaryEnv string
	OS         []string
	Bins       []string
	AnyBins    []string
	Env        []string
	Config     []string
}

// Definition is the parsed form of one SKILL.md.
type Definition struct {
	Name        string
	Description string
	Version     string
	Author      string
	Frontmatter map[string]any
	Requires    Requirements
}

// ParseDefinition reads the frontmatter of a SKILL.md. Malformed or absent
// frontmatter is not an error: the definition falls back to an empty map
// and dirName as its name.
func ParseDefinition(data []byte, dirName string) Definition {
	fm := parseFrontmatter(data)
	meta, _ := asStringMap(fm["metadata"])

	d := Definition{
		Name:        stringField(fm, "name"),
		Description: stringField(fm, "description"),
		Version:     firstNonEmpty(stringField(fm, "version"), stringField(meta, "version")),
		Author:      firstNonEmpty(stringField(fm, "author"), stringField(meta, "author")),
		Frontmatter: fm,
		Requires:    requirementsFrom(fm, meta),
	}
	if d.Name == "" {
		d.Name = dirName
	}
	return d
}

// Key is the config entry key for the skill: the declared skillKey, else
// the name.
func (d Definition) Key() string {
	if d.Requires.SkillKey != "" {
		return d.Requires.SkillKey
	}
	return d.Name
}

func parseFrontmatter(data []byte) map[string]any {
	out := map[string]any{}
	yamlBytes, err := extractFrontmatter(data)
	if err != nil || len(yamlBytes) == 0 {
		return out
	}
	var doc map[string]any
	if err := yaml.Unmarshal(yamlBytes, &doc); err != nil || doc == nil {
		return out
	}
	// metadata is sometimes written as an inline JSON string.
	if raw, ok := doc["metadata"].(string); ok {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			doc["metadata"] = decoded
		}
	}
	return doc
}

// extractFrontmatter returns the YAML between a leading "---" line and the
// next "---" line. A document without a leading delimiter has no
// frontmatter; an unterminated block is an error.
func extractFrontmatter(data []byte) ([]byte, error) {
	s := strings.TrimPrefix(string(data), "\ufeff")
	if s == "" {
		return nil, nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	if strings.TrimSpace(strings.TrimSuffix(firstLine, "\r")) != "---" {
		return nil, nil
	}

	for i := restStart; i < len(s); {
		next := len(s)
		line := s[i:]
		if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
			line = s[i : i+nl]
			next = i + nl + 1
		}
		if strings.TrimSpace(strings.TrimSuffix(line, "\r")) == "---" {
			return []byte(s[restStart:i]), nil
		}
		i = next
	}
	return nil, fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

func requirementsFrom(fm, meta map[string]any) Requirements {
	openclaw, _ := asStringMap(meta["openclaw"])
	requires, _ := asStringMap(openclaw["requires"])

	r := Requirements{
		SkillKey:   stringField(openclaw, "skillKey"),
		PrimaryEnv: stringField(openclaw, "primaryEnv"),
		OS:         stringList(openclaw["os"]),
		Bins:       stringList(requires["bins"]),
		AnyBins:    stringList(requires["anyBins"]),
		Env:        stringList(requires["env"]),
		Config:     stringList(requires["config"]),
	}
	if b, ok := openclaw["always"].(bool); ok {
		r.Always = b
	}
	// Top-level bins is the older shorthand for requires.bins.
	for _, b := range stringList(fm["bins"]) {
		if !containsString(r.Bins, b) {
			r.Bins = append(r.Bins, b)
		}
	}
	return r
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int, int64, float64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// stringList accepts a list or a single string and drops blank items.
func stringList(v any) []string {
	var raw []string
	switch vv := v.(type) {
	case string:
		raw = []string{vv}
	case []string:
		raw = vv
	case []any:
		for _, item := range vv {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
