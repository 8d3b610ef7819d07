package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/task"
)

// Deps bundles the collaborators Apply needs to carry out one envelope's
// effect against live task state. Logbook is optional; when nil, per-task
// audit entries are skipped.
type Deps struct {
	Store     *task.Store
	Cascader  *cascade.Cascader
	Gates     *gate.Machine
	Workflows map[string]gate.Workflow
	Log       *eventlog.Log
	Logbook   *logbook.Manager
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// Outcome summarizes what Apply did, for the caller to log or respond with.
type Outcome struct {
	Event   string
	TaskID  string
	Reason  string
}

// Apply authorizes env against its target task and applies its effect. A
// handoff.request is dispatched first to applyHandoffRequest, which
// authorizes it against the parent task named by env.TaskID.
// Invalid or unauthorized envelopes never return a Go error for expected
// rejections — those are reported via Outcome.Event so the caller can log
// protocol.message.rejected without treating it as a transport failure.
func Apply(d Deps, env Envelope) (Outcome, error) {
	if env.Type == TypeHandoffRequest {
		return applyHandoffRequest(d, env)
	}

	t, err := d.Store.Get(env.TaskID)
	if err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: "task_not_found"}, nil
	}
	if err := Authorize(t, env.FromAgent); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: err.Error()}, nil
	}

	switch env.Type {
	case TypeStatusUpdate:
		return applyStatusUpdate(d, t, env)
	case TypeCompletionReport:
		return applyCompletionReport(d, t, env)
	case TypeHandoffAccepted:
		return applyHandoffAccepted(d, t, env)
	case TypeHandoffRejected:
		return applyHandoffRejected(d, t, env)
	default:
		return Outcome{Event: "protocol.message.unknown", TaskID: env.TaskID}, nil
	}
}

func applyStatusUpdate(d Deps, t task.Task, env Envelope) (Outcome, error) {
	var payload StatusUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: "invalid_payload"}, nil
	}
	if err := ValidateStatusUpdate(payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: err.Error()}, nil
	}

	if payload.Status != "" {
		target := task.Status(payload.Status)
		if target.Valid() && task.CanTransition(t.Status, target) {
			if _, err := d.Store.Transition(t.ID, target, task.TransitionOptions{Reason: "status.update", Agent: env.FromAgent}); err != nil {
				return Outcome{}, err
			}
			if target == task.StatusBlocked {
				_, _ = d.Cascader.OnBlock(t.ID)
			}
		}
		// Illegal or unrecognized targets are dropped silently as "unknown"
		// per §4.6; the progress, notes and blockers below are still
		// appended to the work log.
	}

	entries := workLogEntries(payload.Progress, "Progress", payload.Notes, "Notes", payload.Blockers, "Blockers")
	if len(entries) > 0 {
		if _, err := appendWorkLog(d, t.ID, entries); err != nil {
			return Outcome{}, err
		}
		for _, entry := range entries {
			d.note(t.ID, "status.update from %s: %s", env.FromAgent, entry)
		}
	}

	d.logEvent("protocol.message.received", t.ID, map[string]any{"type": string(env.Type)})
	return Outcome{Event: "protocol.message.received", TaskID: t.ID}, nil
}

func applyCompletionReport(d Deps, t task.Task, env Envelope) (Outcome, error) {
	var payload CompletionReportPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: "invalid_payload"}, nil
	}
	if err := ValidateCompletionReport(payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: err.Error()}, nil
	}

	cascadeNeeded := false
	switch payload.Outcome {
	case "done":
		if err := advanceToDone(d, t, payload.Summary); err != nil {
			return Outcome{}, err
		}
		cascadeNeeded = true
	case "needs_review":
		if task.CanTransition(t.Status, task.StatusReview) {
			if _, err := d.Store.Transition(t.ID, task.StatusReview, task.TransitionOptions{Reason: "completion.report needs_review", Agent: env.FromAgent}); err != nil {
				return Outcome{}, err
			}
		}
	case "blocked":
		reason := strings.Join(payload.Blockers, "; ")
		if task.CanTransition(t.Status, task.StatusBlocked) {
			if _, err := d.Store.Block(t.ID, reason); err != nil {
				return Outcome{}, err
			}
			cascadeNeeded = true
		}
	case "partial":
		// Remains in-progress; only the body gets updated below.
	default:
		return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: "unknown_outcome"}, nil
	}

	if err := appendCompletionBody(d, t.ID, payload); err != nil {
		return Outcome{}, err
	}
	if cascadeNeeded {
		if payload.Outcome == "done" {
			_, _ = d.Cascader.OnComplete(t.ID)
		} else {
			_, _ = d.Cascader.OnBlock(t.ID)
		}
	}

	d.logEvent("protocol.message.received", t.ID, map[string]any{"type": string(env.Type), "outcome": payload.Outcome})
	d.note(t.ID, "completion.report from %s: %s", env.FromAgent, payload.Outcome)
	return Outcome{Event: "protocol.message.received", TaskID: t.ID}, nil
}

// advanceToDone moves t through review -> done, using the workflow's gate
// advance when one is configured, or the plain review -> done edge
// otherwise.
func advanceToDone(d Deps, t task.Task, summary string) error {
	if t.Status == task.StatusInProgress && task.CanTransition(t.Status, task.StatusReview) {
		refreshed, err := d.Store.Transition(t.ID, task.StatusReview, task.TransitionOptions{Reason: "completion.report done"})
		if err != nil {
			return err
		}
		t = refreshed
	}
	if wf, ok := d.Workflows[t.Routing.Workflow]; ok && t.Gate != nil {
		_, err := d.Gates.Report(t, wf, gate.OutcomeComplete, nil, summary)
		return err
	}
	if task.CanTransition(t.Status, task.StatusDone) {
		_, err := d.Store.Transition(t.ID, task.StatusDone, task.TransitionOptions{Reason: "completion.report done"})
		return err
	}
	return nil
}

func appendCompletionBody(d Deps, taskID string, payload CompletionReportPayload) error {
	var lines []string
	if payload.Summary != "" {
		lines = append(lines, "## Summary", "", payload.Summary, "")
	}
	if len(payload.Deliverables) > 0 {
		lines = append(lines, "## Deliverables")
		for _, item := range payload.Deliverables {
			lines = append(lines, "- "+item)
		}
		lines = append(lines, "")
	}
	if payload.TestReport != nil {
		lines = append(lines, "## Test Report", "",
			fmt.Sprintf("- passed: %d", payload.TestReport.Passed),
			fmt.Sprintf("- failed: %d", payload.TestReport.Failed),
			fmt.Sprintf("- total: %d", payload.TestReport.Total), "")
	}
	if payload.Notes != "" {
		lines = append(lines, "## Notes", "", payload.Notes, "")
	}
	if len(lines) == 0 {
		return nil
	}
	_, err := appendBodySections(d, taskID, lines)
	return err
}

func applyHandoffRequest(d Deps, env Envelope) (Outcome, error) {
	var payload HandoffRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: "invalid_payload"}, nil
	}
	if err := ValidateHandoffRequest(payload); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: err.Error()}, nil
	}
	if env.ToAgent == "" {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: "toAgent is required"}, nil
	}

	parent, err := d.Store.Get(env.TaskID)
	if err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: "task_not_found"}, nil
	}
	if err := Authorize(parent, env.FromAgent); err != nil {
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: err.Error()}, nil
	}

	subtask := task.Task{
		ID:        "T-" + uuid.NewString(),
		Project:   parent.Project,
		Title:     payload.Title,
		Body:      payload.Body,
		Status:    task.StatusBacklog,
		ParentID:  parent.ID,
		Routing:   task.Routing{Agent: env.ToAgent},
		CreatedAt: d.now(),
	}
	if _, err := d.Store.Create(subtask); err != nil {
		return Outcome{}, err
	}

	d.logEvent("delegation.requested", subtask.ID, map[string]any{"parent": parent.ID, "toAgent": env.ToAgent})
	d.logEvent("protocol.message.received", parent.ID, map[string]any{"type": string(env.Type)})
	d.note(parent.ID, "handed off subtask %s to %s", subtask.ID, env.ToAgent)
	return Outcome{Event: "delegation.requested", TaskID: subtask.ID, Reason: parent.ID}, nil
}

func applyHandoffAccepted(d Deps, t task.Task, env Envelope) (Outcome, error) {
	patch := task.Patch{Routing: &task.Routing{Agent: env.FromAgent}}
	if _, err := d.Store.Update(t.ID, patch); err != nil {
		return Outcome{}, err
	}
	d.logEvent("delegation.accepted", t.ID, map[string]any{"agent": env.FromAgent})
	d.logEvent("protocol.message.received", t.ID, map[string]any{"type": string(env.Type)})
	d.note(t.ID, "handoff accepted by %s", env.FromAgent)
	return Outcome{Event: "delegation.accepted", TaskID: t.ID}, nil
}

func applyHandoffRejected(d Deps, t task.Task, env Envelope) (Outcome, error) {
	var payload HandoffRejectedPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: "invalid_payload"}, nil
		}
		if err := ValidateHandoffRejected(payload); err != nil {
			return Outcome{Event: "protocol.message.rejected", TaskID: t.ID, Reason: err.Error()}, nil
		}
	}
	if _, err := d.Store.Block(t.ID, "handoff rejected: "+payload.Reason); err != nil {
		return Outcome{}, err
	}
	_, _ = d.Cascader.OnBlock(t.ID)
	d.logEvent("delegation.rejected", t.ID, map[string]any{"reason": payload.Reason})
	d.logEvent("protocol.message.received", t.ID, map[string]any{"type": string(env.Type)})
	d.note(t.ID, "handoff rejected: %s", payload.Reason)
	return Outcome{Event: "delegation.rejected", TaskID: t.ID}, nil
}

func workLogEntries(progress, progressLabel, notes, notesLabel string, blockers []string, blockersLabel string) []string {
	var entries []string
	if progress != "" {
		entries = append(entries, progressLabel+": "+progress)
	}
	if notes != "" {
		entries = append(entries, notesLabel+": "+notes)
	}
	for _, b := range blockers {
		entries = append(entries, blockersLabel+": "+b)
	}
	return entries
}

func appendWorkLog(d Deps, taskID string, entries []string) (task.Task, error) {
	t, err := d.Store.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	body := t.Body
	if !strings.Contains(body, "## Work Log") {
		body = strings.TrimRight(body, "\n") + "\n\n## Work Log\n"
	}
	now := d.now().Format(time.RFC3339)
	for _, entry := range entries {
		body += fmt.Sprintf("- %s %s\n", now, entry)
	}
	return d.Store.UpdateBody(taskID, body)
}

func appendBodySections(d Deps, taskID string, lines []string) (task.Task, error) {
	t, err := d.Store.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	body := strings.TrimRight(t.Body, "\n") + "\n\n" + strings.Join(lines, "\n")
	return d.Store.UpdateBody(taskID, body)
}

func (d Deps) logEvent(eventType, taskID string, payload any) {
	if d.Log == nil {
		return
	}
	_, _ = d.Log.Log(eventType, "protocol", taskID, payload)
}

// note appends a line to taskID's audit trail. It is a no-op when no
// Logbook manager was wired in.
func (d Deps) note(taskID, format string, args ...any) {
	if d.Logbook == nil {
		return
	}
	lb, err := d.Logbook.For(taskID)
	if err != nil {
		return
	}
	lb.Info(format, args...)
}
