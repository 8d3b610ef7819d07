package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/d0labs/aof-sub004/internal/eventlog"
)

// Stats tallies what a Policy has done, for health/metrics reporting.
type Stats struct {
	Matched    int
	Suppressed int
	SendFailed int
	Sent       int
}

// Policy wires the full event -> message pipeline: rule matching, severity
// escalation, dedupe, storm batching, template rendering, and delivery to
// Sink.
type Policy struct {
	rules    []Rule
	dedupe   *Deduper
	storm    *StormBatcher
	now      func() time.Time
	escalate *escalator

	mu    sync.Mutex
	stats Stats
}

// PolicyOption configures a Policy at construction time.
type PolicyOption func(*Policy)

// WithClock overrides the clock used for dedupe and escalation windows.
func WithClock(clock func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = clock }
}

// WithEscalation enables severity escalation: after threshold occurrences
// of the same (taskId, eventType) within window, the resolved severity is
// raised to critical.
func WithEscalation(window time.Duration, threshold int) PolicyOption {
	return func(p *Policy) { p.escalate = newEscalator(window, threshold) }
}

// NewPolicy constructs a Policy from an ordered rule list and a sink the
// storm batcher ultimately delivers to.
func NewPolicy(rules []Rule, sink Sink, stormWindow time.Duration, stormThreshold int, opts ...PolicyOption) *Policy {
	p := &Policy{
		rules:  rules,
		dedupe: NewDeduper(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.storm = NewStormBatcher(stormWindow, stormThreshold, countingSink{inner: sink, stats: &p.stats, mu: &p.mu})
	return p
}

// Handle runs one event through the pipeline. It never returns an error:
// failures in matching, dedupe, or delivery are counted in Stats instead.
func (p *Policy) Handle(e eventlog.Event) {
	fields := decodeFields(e)
	rule, ok := FirstMatch(p.rules, e, fields)
	if !ok {
		return
	}
	p.mu.Lock()
	p.stats.Matched++
	p.mu.Unlock()

	severity := rule.Severity
	if p.escalate != nil {
		severity = p.escalate.resolve(e.TaskID, e.Type, severity, p.now())
	}

	if !p.dedupe.Allow(e.TaskID, e.Type, p.now(), rule.DedupeWindow, rule.NeverSuppress) {
		p.mu.Lock()
		p.stats.Suppressed++
		p.mu.Unlock()
		return
	}

	msg := Message{
		TaskID:    e.TaskID,
		EventType: e.Type,
		Severity:  severity,
		Channel:   rule.Channel,
		Text:      Render(rule.Template, fields),
	}
	_ = p.storm.Submit(msg)
}

// Stats returns a snapshot of the policy's delivery counters.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func decodeFields(e eventlog.Event) map[string]any {
	fields := map[string]any{
		"taskId":    e.TaskID,
		"eventType": e.Type,
		"actor":     e.Actor,
	}
	if len(e.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			fields["payload"] = payload
		}
	}
	return fields
}

// escalator raises a rule's base severity to critical once a (taskId,
// eventType) pair has recurred threshold times within window.
type escalator struct {
	window    time.Duration
	threshold int

	mu     sync.Mutex
	counts map[string][]time.Time
}

func newEscalator(window time.Duration, threshold int) *escalator {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &escalator{window: window, threshold: threshold, counts: map[string][]time.Time{}}
}

func (e *escalator) resolve(taskID, eventType string, base Severity, now time.Time) Severity {
	if base == SeverityCritical {
		return base
	}
	key := taskID + "\x00" + eventType
	e.mu.Lock()
	defer e.mu.Unlock()
	recent := e.counts[key]
	cutoff := now.Add(-e.window)
	kept := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.counts[key] = kept
	if len(kept) >= e.threshold {
		return SeverityCritical
	}
	return base
}

// countingSink wraps a Sink to track delivery outcomes in Policy.stats.
type countingSink struct {
	inner Sink
	stats *Stats
	mu    *sync.Mutex
}

func (c countingSink) Send(msg Message) error {
	err := c.inner.Send(msg)
	c.mu.Lock()
	if err != nil {
		c.stats.SendFailed++
	} else {
		c.stats.Sent++
	}
	c.mu.Unlock()
	return err
}
