package state

import (
	"fmt"
	"strings"
)

// Patch paths follow JSON Pointer escaping: "~" encodes as "~0" and "/" as
// "~1", so collection names, item identities, and field names may contain
// either character.

func escapeToken(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapeToken(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

func joinPath(tokens ...string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(escapeToken(t))
	}
	return b.String()
}

// splitPath parses a patch path into its unescaped tokens. Paths address a
// collection, an item, or a single field, so one to three tokens are valid.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("path %q must start with /", path)
	}
	raw := strings.Split(path[1:], "/")
	if len(raw) > 3 {
		return nil, fmt.Errorf("path %q has %d segments, max 3", path, len(raw))
	}
	tokens := make([]string, len(raw))
	for i, t := range raw {
		if t == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
		tokens[i] = unescapeToken(t)
	}
	return tokens, nil
}
