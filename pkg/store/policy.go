package store

import "strings"

// Decision is the outcome of matching a topic (and, for log records, a
// level) against the persistence policy of §4.7.
type Decision int

const (
	// DecisionNever means the envelope is never teed to the store.
	DecisionNever Decision = iota
	// DecisionConditional means it is persisted only while conditional
	// persistence is enabled (e.g. a debug/high-frequency-telemetry flag).
	DecisionConditional
	// DecisionAlways means it is always persisted.
	DecisionAlways
)

// alwaysPrefixes are topic prefixes that are always persisted: security
// events, audit events, and admin actions.
var alwaysPrefixes = []string{
	"system/security/",
	"control/admin/",
}

// neverPrefixes are transient, high-frequency topics that are never
// persisted regardless of the conditional flag.
var neverPrefixes = []string{
	"emotion/",
	"ui/typing/",
}

// Policy classifies topics against the persistence rules of §4.7.
// ConditionalEnabled mirrors config.StoreConfig.ConditionalPersistEnabled.
type Policy struct {
	ConditionalEnabled bool
}

// LogLevel mirrors the level field of a log envelope's payload (§4.8),
// used only to decide whether a logs/... record clears the WARNING bar.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogSecurity LogLevel = "SECURITY"
)

var logLevelRank = map[LogLevel]int{
	LogDebug:    0,
	LogInfo:     1,
	LogWarning:  2,
	LogError:    3,
	LogSecurity: 4,
}

// Classify decides whether topic should be persisted. level is only
// consulted for topics under "logs/"; pass "" for non-log topics.
func (p Policy) Classify(topic string, level LogLevel) Decision {
	for _, prefix := range alwaysPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return DecisionAlways
		}
	}
	for _, prefix := range neverPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return DecisionNever
		}
	}
	if strings.HasPrefix(topic, "logs/") {
		if logLevelRank[level] >= logLevelRank[LogWarning] {
			return DecisionAlways
		}
	}
	if p.ConditionalEnabled {
		return DecisionConditional
	}
	return DecisionNever
}

// ShouldPersist resolves a Classify result against the live conditional
// flag: DecisionAlways always persists, DecisionNever never does, and
// DecisionConditional persists iff ConditionalEnabled was set at Classify
// time (it already was, so this is just a readability helper for callers
// that only have the Decision, not the Policy).
func (d Decision) ShouldPersist() bool {
	return d == DecisionAlways || d == DecisionConditional
}
