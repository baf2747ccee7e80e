package config

import (
	"fmt"
	"strings"
)

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// Matcher is a compiled `PathPrefix(/a)|PathPrefix(/b)` expression. The zero
// value matches nothing.
type Matcher struct {
	prefixes []pathPrefixMatcher
}

func (m Matcher) Match(path string) bool {
	for _, p := range m.prefixes {
		if p.Match(path) {
			return true
		}
	}
	return false
}

func (m Matcher) Empty() bool { return len(m.prefixes) == 0 }

// ParseMatch compiles expr. Only PathPrefix(...) terms joined by | are supported.
func ParseMatch(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Matcher{}, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return Matcher{}, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return Matcher{}, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return Matcher{}, fmt.Errorf("no valid matchers")
	}
	return Matcher{prefixes: out}, nil
}
