// Package board owns the project-board side of the supervisor: the scope
// plan cache, the dependency sanitizer with its bounded regeneration loop,
// Backlog-to-Ready promotion, and the shared orchestrator state file.
package board

import "strings"

// NormalizeScopePath canonicalizes an ownership path for comparison:
// backslashes become slashes, leading "./" and "/" and trailing "/" are
// stripped.
func NormalizeScopePath(value string) string {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return ""
	}
	normalized = strings.ReplaceAll(normalized, "\\", "/")
	for strings.HasPrefix(normalized, "./") {
		normalized = normalized[2:]
	}
	for strings.HasPrefix(normalized, "/") {
		normalized = normalized[1:]
	}
	for strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = normalized[:len(normalized)-1]
	}
	return normalized
}

// PathsOverlap reports whether two ownership paths collide: equal after
// normalization, or one is a directory prefix of the other.
func PathsOverlap(left, right string) bool {
	leftNorm := NormalizeScopePath(left)
	rightNorm := NormalizeScopePath(right)
	if leftNorm == "" || rightNorm == "" {
		return false
	}
	if leftNorm == rightNorm {
		return true
	}
	if strings.HasPrefix(leftNorm, rightNorm+"/") {
		return true
	}
	return strings.HasPrefix(rightNorm, leftNorm+"/")
}

// isDocPath reports whether a path is documentation: *.md|*.txt|*.rst or a
// docs directory.
func isDocPath(value string) bool {
	normalized := strings.ToLower(NormalizeScopePath(value))
	if normalized == "" {
		return false
	}
	if strings.HasSuffix(normalized, ".md") || strings.HasSuffix(normalized, ".txt") || strings.HasSuffix(normalized, ".rst") {
		return true
	}
	return strings.HasPrefix(normalized, "docs/") || strings.Contains(normalized, "/docs/") || strings.HasSuffix(normalized, "/docs")
}

var priorityRanks = map[string]int{"P0": 0, "P1": 1, "P2": 2}

func priorityRank(priority string) int {
	if rank, ok := priorityRanks[priority]; ok {
		return rank
	}
	return 99
}
