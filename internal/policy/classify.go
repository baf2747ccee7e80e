package policy

import (
	"fmt"
	"net/http"
	"strings"
)

// Strategy is how a request is satisfied.
type Strategy int

const (
	CacheFirst Strategy = iota + 1
	NetworkFirst
	StaleWhileRevalidate
	NetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case NetworkOnly:
		return "network-only"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// PathMatcher selects a namespace of request paths.
type PathMatcher interface {
	Match(path string) bool
}

// Classifier picks a strategy. Rules are evaluated in order, first match wins:
// navigations, pinned manifest assets, the dynamic namespace, the always-fresh
// namespace, then Default.
type Classifier struct {
	Dynamic PathMatcher
	Fresh   PathMatcher
	Default Strategy
}

func (c Classifier) Classify(r *http.Request, cache Cache) Strategy {
	switch {
	case IsNavigation(r):
		return NetworkFirst
	case cache != nil && pinned(cache, r.URL.Path):
		return CacheFirst
	case c.Dynamic != nil && c.Dynamic.Match(r.URL.Path):
		return StaleWhileRevalidate
	case c.Fresh != nil && c.Fresh.Match(r.URL.Path):
		return NetworkOnly
	}
	if c.Default == 0 {
		return StaleWhileRevalidate
	}
	return c.Default
}

func pinned(cache Cache, path string) bool {
	rev, ok := cache.Revision(path)
	return ok && rev != ""
}

// IsNavigation reports whether r loads a document. Fetch metadata wins when
// present; older clients are recognised by an Accept header asking for HTML.
func IsNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Key is the cache key for r: path plus raw query.
func Key(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}
