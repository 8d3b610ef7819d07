// Package cascade propagates task completion and blocking across the
// dependsOn graph, and detects dependency cycles (§4.4).
package cascade

import (
	"sort"

	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/task"
)

// Cascader propagates dependency effects through a task.Store.
type Cascader struct {
	store *task.Store
	log   *eventlog.Log
}

// New builds a Cascader backed by store, logging dependency.cascaded events
// to log (optional).
func New(store *task.Store, log *eventlog.Log) *Cascader {
	return &Cascader{store: store, log: log}
}

// PromoteResult summarizes one completion cascade.
type PromoteResult struct {
	Trigger  string
	Promoted []string
	Skipped  []string
}

// OnComplete propagates the completion of triggerID: every backlog/blocked
// task that depends on it and now has every dependency done is promoted to
// ready.
func (c *Cascader) OnComplete(triggerID string) (PromoteResult, error) {
	all, err := c.store.List()
	if err != nil {
		return PromoteResult{}, err
	}
	byID := indexByID(all)
	result := PromoteResult{Trigger: triggerID}
	candidates := dependentsIn(all, triggerID, task.StatusBacklog, task.StatusBlocked)
	for _, d := range candidates {
		if allDepsDone(d, byID) {
			if _, err := c.store.Transition(d.ID, task.StatusReady, task.TransitionOptions{Reason: "dependency_satisfied"}); err != nil {
				result.Skipped = append(result.Skipped, d.ID)
				continue
			}
			result.Promoted = append(result.Promoted, d.ID)
		} else {
			result.Skipped = append(result.Skipped, d.ID)
		}
	}
	sort.Strings(result.Promoted)
	sort.Strings(result.Skipped)
	c.logEvent("dependency.cascaded", triggerID, map[string]any{
		"action": "promote", "trigger": triggerID,
		"count": len(result.Promoted), "promoted": result.Promoted, "skipped": result.Skipped,
	})
	return result, nil
}

// BlockResult summarizes one blocking cascade.
type BlockResult struct {
	Trigger string
	Blocked []string
}

// OnBlock propagates the blocking of triggerID: every backlog/ready task
// that depends on it is transitioned to blocked.
func (c *Cascader) OnBlock(triggerID string) (BlockResult, error) {
	all, err := c.store.List()
	if err != nil {
		return BlockResult{}, err
	}
	result := BlockResult{Trigger: triggerID}
	candidates := dependentsIn(all, triggerID, task.StatusBacklog, task.StatusReady)
	for _, d := range candidates {
		if _, err := c.store.Block(d.ID, "upstream blocked: "+triggerID); err != nil {
			continue
		}
		result.Blocked = append(result.Blocked, d.ID)
	}
	sort.Strings(result.Blocked)
	c.logEvent("dependency.cascaded", triggerID, map[string]any{
		"action": "block", "trigger": triggerID, "count": len(result.Blocked), "blocked": result.Blocked,
	})
	return result, nil
}

func (c *Cascader) logEvent(eventType, taskID string, payload any) {
	if c.log == nil {
		return
	}
	_, _ = c.log.Log(eventType, "cascade", taskID, payload)
}

func indexByID(tasks []task.Task) map[string]task.Task {
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

func dependentsIn(tasks []task.Task, triggerID string, statuses ...task.Status) []task.Task {
	want := make(map[task.Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []task.Task
	for _, t := range tasks {
		if _, ok := want[t.Status]; !ok {
			continue
		}
		if t.HasDependency(triggerID) {
			out = append(out, t)
		}
	}
	return out
}

// allDepsDone reports whether every dependency of t resolves to a known task
// with status done. A missing dependency never resolves as done (§4.4
// "Missing dependencies").
func allDepsDone(t task.Task, byID map[string]task.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusDone {
			return false
		}
	}
	return true
}
