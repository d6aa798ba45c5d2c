package mapping

import (
	"strings"

	"github.com/tidwall/match"
)

// MatchKind distinguishes exact registrations from glob patterns
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPattern
)

func (k MatchKind) String() string {
	if k == MatchPattern {
		return "pattern"
	}
	return "exact"
}

// Matcher is either an exact object type or a glob where '*' matches any run of
// characters and '?' a single character. Matching is case-sensitive.
type Matcher struct {
	Kind MatchKind
	Key  string
}

// NewMatcher classifies a registration key
func NewMatcher(key string) Matcher {
	if strings.ContainsAny(key, "*?") {
		return Matcher{Kind: MatchPattern, Key: key}
	}
	return Matcher{Kind: MatchExact, Key: key}
}

// Matches reports whether objectType satisfies the matcher
func (m Matcher) Matches(objectType string) bool {
	if m.Kind == MatchExact {
		return m.Key == objectType
	}
	return match.Match(objectType, m.Key)
}
