package config

import (
	"strconv"
	"strings"
)

// Tree is an opaque view of the host configuration document. Skill
// requirement checks address it with dot paths such as "browser.enabled".
type Tree struct {
	root map[string]any
}

func NewTree(root map[string]any) Tree {
	return Tree{root: root}
}

// ResolvePath walks a dot-separated path. Map segments match keys; list
// segments must be decimal indexes. The second result is false when any
// segment is absent.
func (t Tree) ResolvePath(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || t.root == nil {
		return nil, false
	}
	var cur any = t.root
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, false
		}
		if m, ok := asStringMap(cur); ok {
			next, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = next
			continue
		}
		if list, ok := cur.([]any); ok {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
			continue
		}
		return nil, false
	}
	return cur, true
}

// IsTruthy follows the host's notion of truth: nil, false, zero numbers and
// the empty string are false; everything else, empty maps included, is true.
func IsTruthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != ""
	case int:
		return vv != 0
	case int64:
		return vv != 0
	case uint64:
		return vv != 0
	case float64:
		return vv != 0
	case float32:
		return vv != 0
	default:
		return true
	}
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
