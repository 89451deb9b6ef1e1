package capability

import "strings"

// Patterns support four shapes: "*" matches anything, "foo*" matches by
// prefix, "*bar" matches by suffix, and anything else matches exactly.
// Domain patterns additionally treat "*.x.y" as matching x.y itself and any
// subdomain of it.

type patternKind int

const (
	kindAll patternKind = iota
	kindExact
	kindPrefix
	kindSuffix
	kindDomainWildcard
)

// compiledPattern is a parsed pattern ready for matching. Compiling once and
// caching keeps the per-check cost to a couple of string comparisons.
type compiledPattern struct {
	kind    patternKind
	literal string
}

func compilePattern(pattern string, domain bool) compiledPattern {
	switch {
	case pattern == "*":
		return compiledPattern{kind: kindAll}
	case domain && strings.HasPrefix(pattern, "*."):
		return compiledPattern{kind: kindDomainWildcard, literal: pattern[2:]}
	case strings.HasPrefix(pattern, "*"):
		return compiledPattern{kind: kindSuffix, literal: pattern[1:]}
	case strings.HasSuffix(pattern, "*"):
		return compiledPattern{kind: kindPrefix, literal: pattern[:len(pattern)-1]}
	default:
		return compiledPattern{kind: kindExact, literal: pattern}
	}
}

func (p compiledPattern) match(s string) bool {
	switch p.kind {
	case kindAll:
		return true
	case kindExact:
		return s == p.literal
	case kindPrefix:
		return strings.HasPrefix(s, p.literal)
	case kindSuffix:
		return strings.HasSuffix(s, p.literal)
	case kindDomainWildcard:
		return s == p.literal || strings.HasSuffix(s, "."+p.literal)
	default:
		return false
	}
}

// Match reports whether s matches the tool/action pattern.
func Match(pattern, s string) bool {
	return compilePattern(pattern, false).match(s)
}

// MatchDomain reports whether domain matches the domain pattern, including
// the "*.x.y" base-domain rule.
func MatchDomain(pattern, domain string) bool {
	return compilePattern(pattern, true).match(domain)
}

// MatchAny reports whether s matches any of the patterns.
func MatchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if Match(p, s) {
			return true
		}
	}
	return false
}

// MatchAnyDomain reports whether domain matches any of the domain patterns.
func MatchAnyDomain(patterns []string, domain string) bool {
	for _, p := range patterns {
		if MatchDomain(p, domain) {
			return true
		}
	}
	return false
}
