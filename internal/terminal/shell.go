package terminal

import (
	"regexp"
	"strings"
)

// exportPattern matches a single `export NAME=VALUE`. A quoted value may
// contain spaces; an unquoted one ends at the first whitespace.
var exportPattern = regexp.MustCompile(`\bexport\s+([A-Za-z_][A-Za-z0-9_]*)=("[^"]*"|'[^']*'|\S+)`)

// parseExport returns the first assignment of an export command.
// Only one assignment per command is recognized.
func parseExport(command string) (name, value string, ok bool) {
	m := exportPattern.FindStringSubmatch(command)
	if m == nil {
		return "", "", false
	}
	return m[1], stripQuotes(strings.TrimSpace(m[2])), true
}

func stripQuotes(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// isChangeDir reports whether the command's leading token is cd.
// Compound forms such as `make && cd build` are not tracked.
func isChangeDir(command string) bool {
	fields := strings.Fields(command)
	return len(fields) > 0 && fields[0] == "cd"
}

// lastLine returns the last non-empty line of out, trimmed.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
