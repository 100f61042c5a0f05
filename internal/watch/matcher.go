// Package watch compiles URL watch patterns and decides which requests the
// proxy intercepts.
package watch

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is one compiled watch specification.
type pattern struct {
	re      *regexp.Regexp
	exclude bool
}

// Matcher holds a compiled set of watch specifications. Compilation happens
// once at load time; matching is O(number of patterns) per URL.
type Matcher struct {
	patterns []pattern
}

// Compile turns wildcard specs into a matcher. A spec is a URL string where
// `*` matches any sequence of characters; a leading `!` marks an exclusion.
// Matching is case-insensitive and anchored at both ends. An invalid spec is
// a configuration-time error, never a per-request one.
func Compile(specs []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]pattern, 0, len(specs))}
	for _, spec := range specs {
		raw := strings.TrimSpace(spec)
		if raw == "" {
			continue
		}
		exclude := strings.HasPrefix(raw, "!")
		if exclude {
			raw = strings.TrimSpace(strings.TrimPrefix(raw, "!"))
			if raw == "" {
				return nil, fmt.Errorf("invalid watch pattern %q: empty exclusion", spec)
			}
		}
		re, err := compilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", spec, err)
		}
		m.patterns = append(m.patterns, pattern{re: re, exclude: exclude})
	}
	return m, nil
}

func compilePattern(spec string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(spec)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("(?i)^" + escaped + "$")
}

// Matches reports whether the URL is watched: at least one non-exclude
// pattern matches and no exclude pattern matches. Exclusions take precedence
// over includes regardless of declaration order, globally across the merged
// set.
func (m *Matcher) Matches(url string) bool {
	if m == nil {
		return false
	}
	matched := false
	for _, p := range m.patterns {
		if !p.re.MatchString(url) {
			continue
		}
		if p.exclude {
			return false
		}
		matched = true
	}
	return matched
}

// Empty reports whether the matcher has no patterns.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.patterns) == 0
}
