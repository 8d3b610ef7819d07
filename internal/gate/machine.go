package gate

import (
	"fmt"
	"time"

	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/gate/expr"
	"github.com/d0labs/aof-sub004/internal/task"
)

const conditionTimeout = 100 * time.Millisecond

// Outcome is what an agent reports on completing work at a gate.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeNeedsReview  Outcome = "needs_review"
	OutcomeBlocked      Outcome = "blocked"
)

// Machine drives one workflow's gate transitions against a task store.
type Machine struct {
	store *task.Store
	log   *eventlog.Log
	now   func() time.Time
}

// New builds a gate Machine. clock defaults to time.Now.
func New(store *task.Store, log *eventlog.Log, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{store: store, log: log, now: clock}
}

func conditionEnv(t task.Task) expr.Env {
	history := make([]map[string]any, len(t.GateHistory))
	for i, h := range t.GateHistory {
		history[i] = map[string]any{
			"gate":    h.Gate,
			"role":    h.Role,
			"outcome": h.Outcome,
			"summary": h.Summary,
		}
	}
	return expr.Env{Tags: t.Routing.Tags, Metadata: t.Metadata, GateHistory: history}
}

func (m *Machine) evalCondition(t task.Task) func(Gate) bool {
	env := conditionEnv(t)
	return func(g Gate) bool {
		return expr.Eval(g.When, env, conditionTimeout)
	}
}

// Enter places a freshly-dispatched task at the workflow's first active
// gate. Called when a task transitions ready -> in-progress under wf.
func (m *Machine) Enter(t task.Task, wf Workflow) (task.Task, error) {
	active, ok := wf.ActiveGate(wf.First().ID, m.evalCondition(t))
	if !ok {
		return task.Task{}, fmt.Errorf("gate: workflow %q: no active gate from entry", wf.Name)
	}
	now := m.now().UTC()
	t.Gate = &task.GateRef{Current: active.ID, Entered: now}
	if active.Role != "" {
		t.Routing.Role = active.Role
	}
	if err := m.store.WithDirectWrite(t); err != nil {
		return task.Task{}, err
	}
	m.logEvent("gate.entered", t.ID, map[string]any{"gate": active.ID, "role": active.Role})
	return t, nil
}

// Report applies an agent's outcome report at the task's current gate.
func (m *Machine) Report(t task.Task, wf Workflow, outcome Outcome, blockers []string, summary string) (task.Task, error) {
	if t.Gate == nil {
		return task.Task{}, fmt.Errorf("gate: task %s has no active gate", t.ID)
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return task.Task{}, fmt.Errorf("gate: task %s: unknown current gate %q", t.ID, t.Gate.Current)
	}
	switch outcome {
	case OutcomeComplete:
		return m.advance(t, wf, current, summary)
	case OutcomeNeedsReview:
		if !current.CanReject {
			return task.Task{}, fmt.Errorf("gate: %s: gate %q does not allow needs_review", t.ID, current.ID)
		}
		return m.reject(t, wf, current, summary)
	case OutcomeBlocked:
		return m.block(t, current, blockers, summary)
	default:
		return task.Task{}, fmt.Errorf("gate: %s: unknown outcome %q", t.ID, outcome)
	}
}

func (m *Machine) advance(t task.Task, wf Workflow, current Gate, summary string) (task.Task, error) {
	now := m.now().UTC()
	t = appendHistory(t, current, "complete", summary, now)

	finish := func(reason string) (task.Task, error) {
		if err := m.store.WithDirectWrite(t); err != nil {
			return task.Task{}, err
		}
		if t.Status == task.StatusInProgress {
			if _, err := m.store.Transition(t.ID, task.StatusReview, task.TransitionOptions{Reason: reason}); err != nil {
				return task.Task{}, err
			}
		}
		return m.store.Transition(t.ID, task.StatusDone, task.TransitionOptions{Reason: reason})
	}
	if wf.Last(current.ID) {
		t.Gate = nil
		return finish("final gate complete")
	}
	next, ok := wf.Gate(mustNextID(wf, current.ID))
	if !ok {
		return task.Task{}, fmt.Errorf("gate: %s: no next gate after %q", t.ID, current.ID)
	}
	active, ok := wf.ActiveGate(next.ID, m.evalCondition(t))
	if !ok {
		// Every remaining gate was skipped by its `when` condition; treat
		// the pipeline as complete.
		t.Gate = nil
		return finish("remaining gates skipped")
	}
	t.Gate = &task.GateRef{Current: active.ID, Entered: now}
	if active.Role != "" {
		t.Routing.Role = active.Role
	}
	if err := m.store.WithDirectWrite(t); err != nil {
		return task.Task{}, err
	}
	m.logEvent("gate.advanced", t.ID, map[string]any{"from": current.ID, "to": active.ID})
	return t, nil
}

func mustNextID(wf Workflow, currentID string) string {
	next, ok := wf.Next(currentID)
	if !ok {
		return ""
	}
	return next.ID
}

// reject routes the task back to the earliest prior gate that produced the
// work under review (origin strategy, the only one currently supported).
func (m *Machine) reject(t task.Task, wf Workflow, current Gate, reason string) (task.Task, error) {
	now := m.now().UTC()
	t = appendHistory(t, current, "needs_review", reason, now)

	origin := findOriginGate(wf, t.GateHistory)
	t.Gate = &task.GateRef{Current: origin.ID, Entered: now}
	if origin.Role != "" {
		t.Routing.Role = origin.Role
	}
	t.ReviewContext = &task.ReviewContext{FromGate: current.ID, Reason: reason}
	if err := m.store.WithDirectWrite(t); err != nil {
		return task.Task{}, err
	}
	m.logEvent("gate.rejected", t.ID, map[string]any{"from": current.ID, "to": origin.ID, "reason": reason})
	return t, nil
}

// findOriginGate scans history in order and returns the first gate id that
// appears, i.e. the earliest gate the task passed through.
func findOriginGate(wf Workflow, history []task.GateHistoryEntry) Gate {
	for _, h := range history {
		if g, ok := wf.Gate(h.Gate); ok {
			return g
		}
	}
	return wf.First()
}

func (m *Machine) block(t task.Task, current Gate, blockers []string, summary string) (task.Task, error) {
	now := m.now().UTC()
	t = appendHistory(t, current, "blocked", summary, now)
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata["blockReason"] = "gate_blocked"
	if len(blockers) > 0 {
		t.Metadata["blockers"] = joinBlockers(blockers)
	}
	if err := m.store.WithDirectWrite(t); err != nil {
		return task.Task{}, err
	}
	return m.store.Transition(t.ID, task.StatusBlocked, task.TransitionOptions{Reason: "gate reported blocked"})
}

func appendHistory(t task.Task, g Gate, outcome, summary string, now time.Time) task.Task {
	entry := task.GateHistoryEntry{
		Gate: g.ID, Role: g.Role,
		Entered: entryEnteredAt(t), Exited: now,
		Outcome: outcome, Summary: summary,
	}
	t.GateHistory = append(t.GateHistory, entry)
	return t
}

func entryEnteredAt(t task.Task) time.Time {
	if t.Gate != nil {
		return t.Gate.Entered
	}
	return t.UpdatedAt
}

func joinBlockers(blockers []string) string {
	out := ""
	for i, b := range blockers {
		if i > 0 {
			out += ","
		}
		out += b
	}
	return out
}

// CheckTimeout reports whether t's current gate has exceeded its configured
// timeout as of now.
func CheckTimeout(t task.Task, wf Workflow, now time.Time) (timedOut bool, elapsed time.Duration, g Gate) {
	if t.Gate == nil {
		return false, 0, Gate{}
	}
	current, ok := wf.Gate(t.Gate.Current)
	if !ok {
		return false, 0, Gate{}
	}
	timeout, ok := ParseTimeout(current.Timeout)
	if !ok {
		return false, 0, current
	}
	elapsed = now.Sub(t.Gate.Entered)
	return elapsed > timeout, elapsed, current
}

func (m *Machine) logEvent(eventType, taskID string, payload any) {
	if m.log == nil {
		return
	}
	_, _ = m.log.Log(eventType, "gate", taskID, payload)
}
