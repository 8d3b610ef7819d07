package scheduler

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/lease"
	"github.com/d0labs/aof-sub004/internal/orgchart"
	"github.com/d0labs/aof-sub004/internal/task"
)

// planContext carries the read-only inputs a single plan build needs beyond
// the task snapshot itself.
type planContext struct {
	now          time.Time
	chart        *orgchart.Chart
	workflows    map[string]gate.Workflow
	cfg          Config
	effectiveCap int
}

// BuildPlan scans snapshot once and proposes the ordered action list for one
// poll cycle (the spec.md §4.3 eight-step plan phase). BuildPlan never
// mutates the store; it only reads.
func BuildPlan(snapshot []task.Task, chart *orgchart.Chart, workflows map[string]gate.Workflow, cfg Config, now time.Time, effectiveCap int) Plan {
	pc := planContext{now: now, chart: chart, workflows: workflows, cfg: cfg, effectiveCap: effectiveCap}

	byStatus := bucketByStatus(snapshot)
	byID := indexTasksByID(snapshot)
	resourceInUse := resourceOccupancy(byStatus[task.StatusInProgress])

	var actions []Action

	actions = append(actions, planExpiredLeases(byStatus, pc)...)
	actions = append(actions, planPromotions(byStatus, byID, pc)...)
	actions = append(actions, planBlockedRecovery(byStatus, byID, pc)...)
	actions = append(actions, planStuckTasks(byStatus, pc)...)
	actions = append(actions, planGateTimeouts(byStatus, pc)...)
	actions = append(actions, planSLAViolations(byStatus, pc)...)
	actions = append(actions, planDispatches(byStatus, byID, pc, resourceInUse)...)

	return Plan{Snapshot: snapshot, Actions: actions}
}

func bucketByStatus(tasks []task.Task) map[task.Status][]task.Task {
	buckets := make(map[task.Status][]task.Task, len(task.Statuses))
	for _, t := range tasks {
		buckets[t.Status] = append(buckets[t.Status], t)
	}
	return buckets
}

func indexTasksByID(tasks []task.Task) map[string]task.Task {
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

func resourceOccupancy(inProgress []task.Task) map[string]string {
	occ := make(map[string]string, len(inProgress))
	for _, t := range inProgress {
		if t.Resource != "" {
			occ[t.Resource] = t.ID
		}
	}
	return occ
}

// planExpiredLeases covers step 2: in-progress or blocked tasks whose lease
// has expired.
func planExpiredLeases(byStatus map[task.Status][]task.Task, pc planContext) []Action {
	var actions []Action
	for _, status := range []task.Status{task.StatusInProgress, task.StatusBlocked} {
		for _, t := range byStatus[status] {
			if lease.Expired(t.Lease, pc.now) {
				actions = append(actions, Action{Type: ActionExpireLease, TaskID: t.ID, Reason: "lease expired"})
			}
		}
	}
	return actions
}

// planPromotions covers step 3: backlog tasks whose dependencies and
// subtasks are done, with a live routing target and no active lease.
func planPromotions(byStatus map[task.Status][]task.Task, byID map[string]task.Task, pc planContext) []Action {
	var actions []Action
	for _, t := range byStatus[task.StatusBacklog] {
		if !allResolved(t.DependsOn, byID) {
			continue
		}
		if !allSubtasksDone(t.ID, byID) {
			continue
		}
		if !t.Routing.HasTarget() {
			continue
		}
		if lease.IsActive(t.Lease, pc.now) {
			continue
		}
		actions = append(actions, Action{Type: ActionPromote, TaskID: t.ID, Reason: "dependencies satisfied"})
	}
	return actions
}

func allResolved(deps []string, byID map[string]task.Task) bool {
	for _, dep := range deps {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusDone {
			return false
		}
	}
	return true
}

func allSubtasksDone(parentID string, byID map[string]task.Task) bool {
	for _, t := range byID {
		if t.ParentID == parentID && t.Status != task.StatusDone {
			return false
		}
	}
	return true
}

// planBlockedRecovery covers step 4: branch on metadata.blockReason.
func planBlockedRecovery(byStatus map[task.Status][]task.Task, byID map[string]task.Task, pc planContext) []Action {
	var actions []Action
	guard := newRetryGuard(pc.cfg, nil)
	for _, t := range byStatus[task.StatusBlocked] {
		reason := t.MetadataValue("blockReason")
		if strings.Contains(reason, "spawn_failed") {
			errorClass := t.MetadataValue("errorClass")
			retryCount := parseIntMeta(t.MetadataValue("retryCount"))
			elapsed := pc.now.Sub(parseTimeMeta(t.MetadataValue("lastBlockedAt"), t.LastTransitionAt))
			switch guard.Evaluate(errorClass, retryCount, elapsed) {
			case DecisionRequeue:
				actions = append(actions, Action{Type: ActionRequeue, TaskID: t.ID, Reason: "retry backoff elapsed"})
			case DecisionDeadletter:
				actions = append(actions, Action{Type: ActionDeadletter, TaskID: t.ID, Reason: "retries exhausted"})
			}
			continue
		}
		if allResolved(t.DependsOn, byID) && allSubtasksDone(t.ID, byID) {
			actions = append(actions, Action{Type: ActionRequeue, TaskID: t.ID, Reason: "dependencies resolved"})
		}
	}
	return actions
}

// planStuckTasks covers step 5: ready tasks older than the stuck threshold.
func planStuckTasks(byStatus map[task.Status][]task.Task, pc planContext) []Action {
	var actions []Action
	for _, t := range byStatus[task.StatusReady] {
		age := pc.now.Sub(t.LastTransitionAt)
		if age <= pc.cfg.StuckTaskThreshold {
			continue
		}
		if pc.cfg.AutoBlockStuckTasks {
			actions = append(actions, Action{Type: ActionBlock, TaskID: t.ID, Reason: "stuck in ready past threshold"})
		} else {
			actions = append(actions, Action{Type: ActionAlert, TaskID: t.ID, Reason: "stuck in ready past threshold"})
		}
	}
	return actions
}

// planGateTimeouts covers step 6: in-progress tasks with an active gate
// whose elapsed time exceeds the gate's parsed timeout.
func planGateTimeouts(byStatus map[task.Status][]task.Task, pc planContext) []Action {
	var actions []Action
	for _, t := range byStatus[task.StatusInProgress] {
		if t.Gate == nil {
			continue
		}
		wf, ok := pc.workflows[t.Routing.Workflow]
		if !ok {
			continue
		}
		timedOut, _, _ := gate.CheckTimeout(t, wf, pc.now)
		if timedOut {
			actions = append(actions, Action{Type: ActionAlert, TaskID: t.ID, Reason: "gate timeout exceeded"})
		}
	}
	return actions
}

// planSLAViolations covers step 7: in-progress tasks past their resolved
// maxInProgressMs.
func planSLAViolations(byStatus map[task.Status][]task.Task, pc planContext) []Action {
	var actions []Action
	for _, t := range byStatus[task.StatusInProgress] {
		if t.SLA.MaxInProgressMs <= 0 {
			continue
		}
		elapsed := pc.now.Sub(t.LastTransitionAt)
		if elapsed > time.Duration(t.SLA.MaxInProgressMs)*time.Millisecond {
			actions = append(actions, Action{Type: ActionSLAViolation, TaskID: t.ID, Reason: "sla exceeded"})
		}
	}
	return actions
}

// planDispatches covers step 8: ready tasks with a live routing target,
// free resource, and no dependency block, ordered by priority then
// createdAt, up to the effective concurrency cap.
func planDispatches(byStatus map[task.Status][]task.Task, byID map[string]task.Task, pc planContext, resourceInUse map[string]string) []Action {
	if pc.chart == nil {
		return nil
	}
	candidates := append([]task.Task(nil), byStatus[task.StatusReady]...)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var actions []Action
	limit := pc.effectiveCap
	if pc.cfg.MaxDispatchesPerPoll > 0 && pc.cfg.MaxDispatchesPerPoll < limit {
		limit = pc.cfg.MaxDispatchesPerPoll
	}
	dispatched := 0
	for _, t := range candidates {
		if dispatched >= limit {
			break
		}
		if !allResolved(t.DependsOn, byID) {
			continue
		}
		agent, ok := pc.chart.ResolveRouting(t.Routing)
		if !ok {
			continue
		}
		if t.Resource != "" {
			if _, busy := resourceInUse[t.Resource]; busy {
				continue
			}
		}
		actions = append(actions, Action{Type: ActionAssign, TaskID: t.ID, Agent: agent.ID, Reason: "dispatch"})
		if t.Resource != "" {
			resourceInUse[t.Resource] = t.ID
		}
		dispatched++
	}
	return actions
}

func parseIntMeta(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func parseTimeMeta(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}
