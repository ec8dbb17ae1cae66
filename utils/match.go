package utils

import "strings"

// MatchCapability checks whether a granted capability pattern covers the
// required capability string. Capabilities are colon-separated, typically
// "resourceType:action" (e.g. "customers:create"). Patterns may include:
//   - "*" which matches everything.
//   - A trailing ":*" segment which matches any remaining segments
//     (e.g. "customers:*" covers "customers:create").
//   - "*" in any single segment position (e.g. "*:read").
func MatchCapability(pattern, capability string) bool {
	if pattern == "*" || pattern == capability {
		return true
	}
	pp := strings.Split(pattern, ":")
	cp := strings.Split(capability, ":")
	for i, seg := range pp {
		if seg == "*" {
			// trailing wildcard swallows the rest
			if i == len(pp)-1 {
				return true
			}
			if i >= len(cp) {
				return false
			}
			continue
		}
		if i >= len(cp) || cp[i] != seg {
			return false
		}
	}
	return len(pp) == len(cp)
}

// MatchAnyCapability reports whether any pattern in the granted set covers
// the required capability.
func MatchAnyCapability(patterns []string, capability string) bool {
	for _, p := range patterns {
		if MatchCapability(p, capability) {
			return true
		}
	}
	return false
}
