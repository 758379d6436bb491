package utils

import "strings"

// Match reports whether value matches pattern. A lone "*" matches
// everything, an exact (case-sensitive) equality matches, otherwise
// the pattern is applied as a case-insensitive anchored glob in which
// each '*' spans any run of characters, separators included:
// "device:*" matches "device:123" and "device:gpu:0" but not
// "devices:123".
func Match(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	return matchGlob(strings.ToLower(pattern), strings.ToLower(value))
}

// MatchAny reports whether value matches at least one pattern.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// Overlap reports whether two patterns can cover a common value. It is
// symmetric: equal patterns, a bare "*" on either side, or either
// pattern matching the other as a literal all count as overlap.
func Overlap(a, b string) bool {
	if a == b {
		return true
	}
	if a == "*" || b == "*" {
		return true
	}
	return Match(a, b) || Match(b, a)
}

// matchGlob is an iterative backtracking glob over lowercased input.
// Only '*' is special; it may match the empty string.
func matchGlob(pattern, value string) bool {
	vIdx, pIdx := 0, 0
	starIdx, backtrack := -1, 0

	for vIdx < len(value) {
		switch {
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			backtrack = vIdx
			pIdx++
		case pIdx < len(pattern) && pattern[pIdx] == value[vIdx]:
			pIdx++
			vIdx++
		case starIdx >= 0:
			// widen the last '*' by one character and retry
			pIdx = starIdx + 1
			backtrack++
			vIdx = backtrack
		default:
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}
