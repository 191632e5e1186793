// Package eventmatch decides whether a subscription's event-pattern list
// selects a given event type.
//
// Patterns are dot-segmented and case-sensitive. A "*" segment matches any
// single run of non-dot characters in that position, so "invoice.*" matches
// "invoice.paid" but not "invoice.paid.partial" (segment counts must agree).
// A bare "*" or "**" pattern matches every event type.
package eventmatch

import "strings"

// MatchAll is the pattern that selects every event type.
const MatchAll = "*"

// Matches reports whether pattern selects eventType. Pure and total:
// malformed inputs simply fail to match, they never error.
func Matches(eventType, pattern string) bool {
	if pattern == "" || eventType == "" {
		return false
	}
	if pattern == MatchAll || pattern == "**" {
		return true
	}

	eventSegs := strings.Split(eventType, ".")
	patternSegs := strings.Split(pattern, ".")

	if len(eventSegs) != len(patternSegs) {
		return false
	}

	for i, ps := range patternSegs {
		if ps == "*" {
			if eventSegs[i] == "" {
				return false
			}
			continue
		}
		if ps != eventSegs[i] {
			return false
		}
	}

	return true
}

// MatchesAny reports whether any of the patterns selects eventType.
// A subscription is triggered when at least one of its patterns matches.
func MatchesAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if Matches(eventType, p) {
			return true
		}
	}
	return false
}

// CandidatePatterns enumerates every pattern that could select eventType:
// each segment either literal or "*", plus the match-all forms. Registry
// backends use this set for indexed lookups (array-overlap against the
// stored pattern list) instead of scanning every subscription.
func CandidatePatterns(eventType string) []string {
	if eventType == "" {
		return nil
	}

	segs := strings.Split(eventType, ".")
	combos := []string{""}
	for i, seg := range segs {
		next := make([]string, 0, len(combos)*2)
		for _, prefix := range combos {
			if i > 0 {
				prefix += "."
			}
			next = append(next, prefix+seg, prefix+"*")
		}
		combos = next
	}

	return append(combos, MatchAll, "**")
}
