// Package topic implements C3: topic canonicalization, the two-stage
// transport-prefix / application-pattern dispatch of §4.3, and the legacy
// dot-notation migration helper.
package topic

import (
	"strings"

	"github.com/cuemby/aico-slmf/pkg/ferr"
)

// ValidateCanonical reports whether t is a canonical topic: non-empty,
// lowercase, '/'-separated, no trailing slash (§3).
func ValidateCanonical(t string) error {
	if t == "" {
		return ferr.New(ferr.SchemaError, "topic.ValidateCanonical").WithReason("empty_topic")
	}
	if strings.HasSuffix(t, "/") {
		return ferr.New(ferr.SchemaError, "topic.ValidateCanonical").WithReason("trailing_slash")
	}
	if strings.ToLower(t) != t {
		return ferr.New(ferr.SchemaError, "topic.ValidateCanonical").WithReason("not_lowercase")
	}
	for _, seg := range strings.Split(t, "/") {
		if seg == "" {
			return ferr.New(ferr.SchemaError, "topic.ValidateCanonical").WithReason("empty_segment")
		}
	}
	return nil
}

// Canonicalize converts legacy dot-notation ("a.b.c") to canonical slash
// form ("a/b/c") at subscription and publish boundaries only — it is never
// applied inside the wire format. Topics that already contain "/" or have
// no "." are returned unchanged.
func Canonicalize(t string) string {
	if strings.Contains(t, "/") || !strings.Contains(t, ".") {
		return t
	}
	return strings.ReplaceAll(t, ".", "/")
}

// TransportPrefixMatch is the transport-level filter (§4.3 stage 1): every
// message whose topic starts with prefix is delivered. The empty prefix
// matches everything.
func TransportPrefixMatch(prefix, topicStr string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(topicStr, prefix)
}

// PatternKind classifies a subscription pattern for the application
// matcher (§4.3 stage 2).
type PatternKind int

const (
	KindLiteral PatternKind = iota
	KindPrefix
	KindAll
)

// Pattern is a parsed subscription pattern.
type Pattern struct {
	Kind PatternKind
	Raw  string // normalized pattern text; "" for KindAll
}

// ParsePattern classifies pat: "", "*", "**" mean "all"; a string ending
// in "/" is a prefix match; anything else is a literal.
func ParsePattern(pat string) Pattern {
	pat = Canonicalize(pat)
	switch pat {
	case "", "*", "**":
		return Pattern{Kind: KindAll}
	}
	if strings.HasSuffix(pat, "/") {
		return Pattern{Kind: KindPrefix, Raw: pat}
	}
	return Pattern{Kind: KindLiteral, Raw: pat}
}

// TransportFilter returns the byte-prefix the transport should install for
// this pattern: "" for KindAll and KindLiteral-as-prefix-root cases don't
// apply — literal patterns still use themselves as an (exact-length)
// prefix so the transport only ever forwards topics that could possibly
// match; the application matcher performs the final exact check.
func (p Pattern) TransportFilter() string {
	switch p.Kind {
	case KindAll:
		return ""
	case KindPrefix:
		return p.Raw
	default: // KindLiteral
		return p.Raw
	}
}

// Match reports whether topicStr matches pattern at the application layer
// (§4.3 stage 2, §8 property 3).
func (p Pattern) Match(topicStr string) bool {
	switch p.Kind {
	case KindAll:
		return true
	case KindPrefix:
		return strings.HasPrefix(topicStr, p.Raw)
	default:
		return topicStr == p.Raw
	}
}

// MatchPattern is a convenience one-shot form of ParsePattern(pat).Match(t).
func MatchPattern(pat, t string) bool {
	return ParsePattern(pat).Match(t)
}
