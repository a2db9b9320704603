// Package patternmatch implements the subscription pattern-matching rules
// shared by the Subscription Manager and Real-Time Delivery (§4.I):
// exact-target, glob, and dot-hierarchical matching with "**" and a
// terminal "*", grounded on the original source's fnmatch-based
// Subscription.matches_target plus the spec's explicit hierarchy rules.
package patternmatch

import (
	"path"
	"strings"
)

// Match reports whether target satisfies pattern under the combined rule
// set (§4.I):
//   - empty pattern: never matches via this function (callers treat no
//     pattern as an exact-target subscription instead)
//   - a lone "*": matches every target universally, dotted or not
//   - a pattern containing '*' or '?' but no '.' segments: standard glob
//     via path.Match
//   - a dot-segmented pattern: hierarchical matching where a segment "**"
//     matches any (possibly zero) run of trailing segments, and a
//     terminal "*" matches exactly one more segment
func Match(target, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == target {
		return true
	}
	if pattern == "*" {
		// The universal wildcard matches every target, dotted or not,
		// unlike a terminal "*" within a hierarchical pattern (§8.6).
		return true
	}
	if strings.Contains(pattern, ".") {
		return hierarchicalMatch(strings.Split(target, "."), strings.Split(pattern, "."))
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

// hierarchicalMatch implements: a.** matches a, a.b, a.b.c (not b.a);
// a.* matches a.b only, not a.b.c and not a.
func hierarchicalMatch(targetSegs, patternSegs []string) bool {
	for i, p := range patternSegs {
		if p == "**" {
			// "**" must be the final pattern segment; it matches any
			// (including zero) remaining target segments.
			return i <= len(targetSegs)
		}
		if i >= len(targetSegs) {
			return false
		}
		if p == "*" {
			// A terminal bare "*" consumes exactly one segment; it is
			// only valid as the pattern's last segment (§4.I: "not
			// supported mid-pattern" beyond that one-segment match).
			if i == len(patternSegs)-1 {
				return i == len(targetSegs)-1
			}
			continue
		}
		if p != targetSegs[i] {
			return false
		}
	}
	return len(patternSegs) == len(targetSegs)
}

// MatchesBroadcast reports whether pattern is one of the addressing
// shortcuts that BROADCAST mode additionally honors alongside ordinary
// pattern matching (§4.I).
func MatchesBroadcast(pattern string) bool {
	return pattern == "*" || pattern == "broadcast:*"
}
