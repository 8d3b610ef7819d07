// Package notify transforms engine events into user-visible notifications:
// rule matching, severity escalation, deduplication, storm batching, and
// template rendering fan out to pluggable sinks.
package notify

import (
	"path"
	"time"

	"github.com/d0labs/aof-sub004/internal/eventlog"
)

// Severity enumerates notification urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule matches an event to a severity, channel, and message template.
// EventType is matched as a path.Match glob; the pattern is evaluated on
// every Matches call and is not precompiled.
type Rule struct {
	EventType      string
	Payload        map[string]string
	Severity       Severity
	Channel        string
	DedupeWindow   time.Duration
	NeverSuppress  bool
	Template       string
}

// Matches reports whether e satisfies r's eventType glob and every
// configured payload key/value pair.
func (r Rule) Matches(e eventlog.Event, fields map[string]any) bool {
	ok, err := path.Match(r.EventType, e.Type)
	if err != nil || !ok {
		return false
	}
	for key, want := range r.Payload {
		got, found := lookup(fields, key)
		if !found {
			return false
		}
		if toString(got) != want {
			return false
		}
	}
	return true
}

// FirstMatch returns the first rule in rules whose Matches(e) is true.
func FirstMatch(rules []Rule, e eventlog.Event, fields map[string]any) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(e, fields) {
			return r, true
		}
	}
	return Rule{}, false
}
