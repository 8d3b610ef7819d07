package gate

import (
	"fmt"
	"time"

	"github.com/d0labs/aof-sub004/internal/task"
)

// Escalate handles a timed-out gate (§4.5 Escalation). If the gate names an
// escalateTo role, routing is updated and a gateHistory entry records the
// stall; otherwise only an observational event is emitted and the task is
// left untouched. dryRun suppresses the mutation but still plans/logs the
// alert.
func (m *Machine) Escalate(t task.Task, g Gate, elapsed time.Duration, dryRun bool) (task.Task, error) {
	if g.EscalateTo == "" {
		m.logEvent("gate_timeout", t.ID, map[string]any{"gate": g.ID, "elapsed": elapsed.String()})
		return t, nil
	}
	if dryRun {
		m.logEvent("gate_timeout_escalation", t.ID, map[string]any{
			"fromRole": t.Routing.Role, "toRole": g.EscalateTo, "elapsed": elapsed.String(), "dryRun": true,
		})
		return t, nil
	}
	fromRole := t.Routing.Role
	t.Routing.Role = g.EscalateTo
	now := m.now().UTC()
	t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
		Gate: g.ID, Role: fromRole, Entered: entryEnteredAt(t), Exited: now,
		Outcome: "blocked", Summary: fmt.Sprintf("Timeout exceeded after %s", elapsed.Round(time.Second)),
	})
	if err := m.store.WithDirectWrite(t); err != nil {
		return task.Task{}, err
	}
	m.logEvent("gate_timeout_escalation", t.ID, map[string]any{
		"fromRole": fromRole, "toRole": g.EscalateTo, "elapsed": elapsed.String(),
	})
	return t, nil
}

// Context is the gate-specific payload the scheduler attaches alongside a
// task's dispatch payload (§4.5 Context injection).
type Context struct {
	Role         string            `json:"role"`
	GateID       string            `json:"gateId"`
	Expectations []string          `json:"expectations,omitempty"`
	Outcomes     map[string]string `json:"outcomes"`
	Tips         []string          `json:"tips,omitempty"`
}

// BuildContext assembles the gate context a dispatch payload should carry.
func BuildContext(g Gate) Context {
	outcomes := map[string]string{
		"complete": "Mark the gate complete and advance the task to the next stage.",
	}
	if g.CanReject {
		outcomes["needs_review"] = "Send the task back to the gate that produced the work under review."
	}
	outcomes["blocked"] = "Report blockers and pause the task pending resolution."
	var tips []string
	if g.RequireHuman {
		tips = append(tips, "This gate requires human approval before completion.")
	}
	return Context{
		Role:     g.Role,
		GateID:   g.ID,
		Outcomes: outcomes,
		Tips:     tips,
	}
}
