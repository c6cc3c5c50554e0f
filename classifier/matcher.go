package classifier

import (
	"strings"

	"github.com/wippyai/fibers/classfile"
)

// MethodMatcher decides whether a method reference belongs to a set.
type MethodMatcher interface {
	MatchMethod(ref classfile.MethodRef) bool
}

// splitPattern splits "owner.name(desc)" into its parts. desc is empty when
// the pattern names every overload.
func splitPattern(p string) (owner, name, desc string) {
	head := p
	if i := strings.IndexByte(p, '('); i >= 0 {
		head, desc = p[:i], p[i:]
	}
	if i := strings.LastIndexByte(head, '.'); i >= 0 {
		return head[:i], head[i+1:], desc
	}
	return "", head, desc
}

// ExactMatcher matches "owner.name(desc)" or "owner.name" patterns.
type ExactMatcher struct {
	patterns map[string]bool
}

// NewExactMatcher creates a matcher from a list of patterns.
// "owner.name" matches every overload, "owner.name(desc)" only one.
func NewExactMatcher(patterns []string) *ExactMatcher {
	m := &ExactMatcher{patterns: make(map[string]bool)}
	for _, p := range patterns {
		m.patterns[p] = true
	}
	return m
}

// MatchMethod returns true if the reference matches any pattern.
func (m *ExactMatcher) MatchMethod(ref classfile.MethodRef) bool {
	if m.patterns[ref.String()] {
		return true
	}
	return m.patterns[ref.Owner+"."+ref.Name]
}

// WildcardMatcher matches method patterns with wildcard support.
//
// Supports patterns like:
//   - "owner.name(desc)" - exact match
//   - "owner.name" - any overload
//   - "owner.*" - every method of owner
//   - "*.name" - name in any class
//   - "*" - matches everything
type WildcardMatcher struct {
	exact    *ExactMatcher
	owners   map[string]bool
	names    map[string]bool
	matchAll bool
}

// NewWildcardMatcher creates a matcher with wildcard support.
func NewWildcardMatcher(patterns []string) *WildcardMatcher {
	m := &WildcardMatcher{
		owners: make(map[string]bool),
		names:  make(map[string]bool),
	}
	var exact []string
	for _, p := range patterns {
		switch {
		case p == "*":
			m.matchAll = true
		case strings.HasSuffix(p, ".*"):
			m.owners[strings.TrimSuffix(p, ".*")] = true
		case strings.HasPrefix(p, "*."):
			m.names[strings.TrimPrefix(p, "*.")] = true
		default:
			exact = append(exact, p)
		}
	}
	m.exact = NewExactMatcher(exact)
	return m
}

// MatchMethod returns true if the reference matches any pattern.
func (m *WildcardMatcher) MatchMethod(ref classfile.MethodRef) bool {
	if m.matchAll {
		return true
	}
	if m.owners[ref.Owner] {
		return true
	}
	if m.names[ref.Name] {
		return true
	}
	return m.exact.MatchMethod(ref)
}

// PrefixMatcher matches every method of classes whose name starts with a prefix.
type PrefixMatcher struct {
	prefixes []string
}

// NewPrefixMatcher creates a matcher over class-name prefixes such as "app/io/".
func NewPrefixMatcher(prefixes []string) *PrefixMatcher {
	return &PrefixMatcher{prefixes: prefixes}
}

// MatchMethod returns true if the owner starts with any prefix.
func (m *PrefixMatcher) MatchMethod(ref classfile.MethodRef) bool {
	for _, p := range m.prefixes {
		if strings.HasPrefix(ref.Owner, p) {
			return true
		}
	}
	return false
}

// CompositeMatcher combines multiple matchers.
type CompositeMatcher struct {
	matchers []MethodMatcher
}

// NewCompositeMatcher creates a matcher that matches if any sub-matcher matches.
func NewCompositeMatcher(matchers ...MethodMatcher) *CompositeMatcher {
	return &CompositeMatcher{matchers: matchers}
}

// MatchMethod returns true if any sub-matcher matches.
func (m *CompositeMatcher) MatchMethod(ref classfile.MethodRef) bool {
	for _, matcher := range m.matchers {
		if matcher != nil && matcher.MatchMethod(ref) {
			return true
		}
	}
	return false
}
