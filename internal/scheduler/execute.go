package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/lease"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/orgchart"
	"github.com/d0labs/aof-sub004/internal/task"
)

// execContext bundles the collaborators Execute needs to apply a Plan's
// actions against live state.
type execContext struct {
	store     *task.Store
	leases    *lease.Manager
	log       *eventlog.Log
	cascader  *cascade.Cascader
	gates     *gate.Machine
	chart     *orgchart.Chart
	workflows map[string]gate.Workflow
	executor  Executor
	breaker   *platformLimitBreaker
	cfg       Config
	metrics   *Metrics
	logbook   *logbook.Manager
	now       func() time.Time
}

// ExecuteResult tallies what happened while applying one Plan.
type ExecuteResult struct {
	Applied      int
	Failed       int
	CircuitOpen  bool
	EffectiveCap int
}

// Execute applies plan's actions in order against ec's collaborators.
// Failures on one action never prevent later actions from being attempted.
// In dry-run mode, Execute performs no store writes, no executor calls, and
// emits only a synthetic scheduler.poll marker.
func Execute(ctx context.Context, ec execContext, plan Plan) ExecuteResult {
	result := ExecuteResult{EffectiveCap: ec.cfg.MaxConcurrentDispatches}
	if ec.cfg.DryRun {
		ec.logEvent("scheduler.poll", "", map[string]any{"dryRun": true, "plannedActions": len(plan.Actions)})
		return result
	}
	for _, action := range plan.Actions {
		ec.logEvent("action.started", action.TaskID, map[string]any{"type": string(action.Type), "reason": action.Reason})
		err := ec.apply(ctx, action, &result)
		if err != nil {
			result.Failed++
			ec.metrics.observeAction(action.Type, "failed")
			ec.logEvent("action.failed", action.TaskID, map[string]any{"type": string(action.Type), "error": err.Error()})
			continue
		}
		result.Applied++
		ec.metrics.observeAction(action.Type, "completed")
		ec.logEvent("action.completed", action.TaskID, map[string]any{"type": string(action.Type)})
		if result.CircuitOpen {
			break
		}
	}
	return result
}

func (ec execContext) apply(ctx context.Context, action Action, result *ExecuteResult) error {
	switch action.Type {
	case ActionExpireLease:
		return ec.applyExpireLease(action)
	case ActionPromote:
		return ec.applyPromote(action)
	case ActionRequeue:
		return ec.applyRequeue(action)
	case ActionDeadletter:
		return ec.applyDeadletter(action)
	case ActionBlock:
		return ec.applyBlock(action)
	case ActionUnblock:
		return ec.applyUnblock(action)
	case ActionAlert:
		return ec.applyAlert(action)
	case ActionSLAViolation:
		return ec.applySLAViolation(action)
	case ActionAssign:
		return ec.applyAssign(ctx, action, result)
	default:
		return nil
	}
}

func (ec execContext) applyExpireLease(action Action) error {
	t, err := ec.store.Get(action.TaskID)
	if err != nil {
		return err
	}
	priorAgent := ""
	if t.Lease != nil {
		priorAgent = t.Lease.Agent
	}
	if t.Status == task.StatusInProgress {
		_, err = ec.store.Transition(t.ID, task.StatusReady, task.TransitionOptions{Reason: "lease expired"})
		if err != nil {
			return err
		}
		ec.logEvent("lease.expired", t.ID, map[string]any{"agent": priorAgent})
		ec.note(t.ID, "lease expired for agent %s, requeued to ready", priorAgent)
		return nil
	}
	t.Lease = nil
	if err := ec.store.WithDirectWrite(t); err != nil {
		return err
	}
	ec.logEvent("lease.expired", t.ID, map[string]any{"agent": priorAgent})
	ec.note(t.ID, "lease expired for agent %s while blocked", priorAgent)
	return nil
}

func (ec execContext) applyPromote(action Action) error {
	_, err := ec.store.Transition(action.TaskID, task.StatusReady, task.TransitionOptions{Reason: action.Reason})
	return err
}

func (ec execContext) applyRequeue(action Action) error {
	t, err := ec.store.Get(action.TaskID)
	if err != nil {
		return err
	}
	_, err = ec.store.Transition(t.ID, task.StatusReady, task.TransitionOptions{Reason: action.Reason})
	return err
}

func (ec execContext) applyDeadletter(action Action) error {
	t, err := ec.store.Get(action.TaskID)
	if err != nil {
		return err
	}
	_, err = ec.store.Transition(t.ID, task.StatusDeadletter, task.TransitionOptions{Reason: action.Reason})
	if err == nil {
		ec.note(t.ID, "deadlettered: %s", action.Reason)
	}
	return err
}

func (ec execContext) applyBlock(action Action) error {
	_, err := ec.store.Block(action.TaskID, action.Reason)
	if err == nil {
		_, _ = ec.cascader.OnBlock(action.TaskID)
		ec.note(action.TaskID, "blocked: %s", action.Reason)
	}
	return err
}

func (ec execContext) applyUnblock(action Action) error {
	_, err := ec.store.Unblock(action.TaskID)
	if err == nil {
		ec.note(action.TaskID, "unblocked")
	}
	return err
}

func (ec execContext) applyAlert(action Action) error {
	ec.logEvent("scheduler.alert", action.TaskID, map[string]any{"reason": action.Reason})
	ec.note(action.TaskID, "alert: %s", action.Reason)
	return nil
}

func (ec execContext) applySLAViolation(action Action) error {
	t, err := ec.store.Get(action.TaskID)
	if err != nil {
		return err
	}
	if t.SLA.OnViolation == task.SLAOnViolationAlert || t.SLA.OnViolation == "" {
		ec.logEvent("sla.violation", action.TaskID, map[string]any{"reason": action.Reason})
		ec.note(action.TaskID, "SLA violation: %s", action.Reason)
		return nil
	}
	return nil
}

// applyAssign spawns the resolved agent's work and, on success, acquires
// the lease and transitions ready -> in-progress (§4.3 Assignment
// execution). On failure it classifies the error and branches per the
// taxonomy table.
func (ec execContext) applyAssign(ctx context.Context, action Action, result *ExecuteResult) error {
	if ec.breaker != nil && !ec.breaker.Allow() {
		result.CircuitOpen = true
		return nil
	}
	t, err := ec.store.Get(action.TaskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusReady {
		return nil // precondition no longer holds; another actor already moved it
	}
	ec.logEvent("dispatch.matched", t.ID, map[string]any{"agent": action.Agent})
	tc := TaskContext{
		TaskID:      t.ID,
		Agent:       action.Agent,
		Priority:    t.Priority,
		Routing:     t.Routing,
		ProjectID:   t.Project,
		Thinking:    t.MetadataValue("thinking"),
	}
	spawnRes, spawnErr := ec.executor.Spawn(ctx, tc)
	if spawnErr == nil && spawnRes.Success {
		if ec.breaker != nil {
			ec.breaker.RecordSuccess()
		}
		if _, err := ec.leases.Acquire(t.ID, action.Agent, ec.cfg.DefaultLeaseTTL); err != nil {
			return err
		}
		ec.logEvent("task.assigned", t.ID, map[string]any{"agent": action.Agent})
		ec.logEvent("task.transitioned", t.ID, map[string]any{"from": string(task.StatusReady), "to": string(task.StatusInProgress)})
		ec.note(t.ID, "assigned to %s, session %s", action.Agent, spawnRes.SessionID)
		if wf, ok := ec.workflows[t.Routing.Workflow]; ok {
			refreshed, err := ec.store.Get(t.ID)
			if err == nil {
				_, _ = ec.gates.Enter(refreshed, wf)
			}
		}
		return nil
	}
	message := spawnRes.Error
	if message == "" && spawnErr != nil {
		message = spawnErr.Error()
	}
	class, platformLimit := Classify(message, spawnRes.PlatformLimit)
	return ec.handleAssignFailure(t, class, platformLimit, message, result)
}

func (ec execContext) handleAssignFailure(t task.Task, class ErrorClass, platformLimit int, message string, result *ExecuteResult) error {
	switch class {
	case ClassPermanent:
		deadlettered, err := ec.store.Transition(t.ID, task.StatusDeadletter, task.TransitionOptions{Reason: message})
		if err != nil {
			return err
		}
		deadlettered.Metadata = withMeta(deadlettered.Metadata, "errorClass", string(ClassPermanent))
		if err := ec.store.WithDirectWrite(deadlettered); err != nil {
			return err
		}
		ec.note(t.ID, "dispatch failed permanently: %s", message)
		return nil
	case ClassRateLimited:
		_, err := ec.store.Block(t.ID, "spawn_failed: "+message)
		if err == nil {
			ec.bumpRetryMetadata(t.ID, string(ClassRateLimited))
			ec.note(t.ID, "dispatch rate limited: %s", message)
		}
		return err
	case ClassPlatformLimit:
		if ec.breaker != nil {
			ec.breaker.RecordPlatformLimit()
		}
		previousCap := result.EffectiveCap
		if platformLimit > 0 && platformLimit < result.EffectiveCap {
			result.EffectiveCap = platformLimit
		}
		result.CircuitOpen = true
		ec.logEvent("concurrency.platformLimit", t.ID, map[string]any{
			"detectedLimit": platformLimit,
			"effectiveCap":  result.EffectiveCap,
			"previousCap":   previousCap,
		})
		return nil
	default:
		_, err := ec.store.Block(t.ID, "spawn_failed: "+message)
		if err == nil {
			ec.bumpRetryMetadata(t.ID, string(ClassTransient))
			ec.note(t.ID, "dispatch failed transiently: %s", message)
		}
		return err
	}
}

func (ec execContext) bumpRetryMetadata(taskID, errorClass string) {
	t, err := ec.store.Get(taskID)
	if err != nil {
		return
	}
	retryCount := parseIntMeta(t.MetadataValue("retryCount")) + 1
	t.Metadata = withMeta(t.Metadata, "retryCount", strconv.Itoa(retryCount))
	t.Metadata = withMeta(t.Metadata, "errorClass", errorClass)
	t.Metadata = withMeta(t.Metadata, "lastBlockedAt", ec.now().UTC().Format(time.RFC3339))
	t.Metadata = withMeta(t.Metadata, "blockReason", "spawn_failed")
	_ = ec.store.WithDirectWrite(t)
}

func withMeta(m map[string]string, key, value string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[key] = value
	return m
}

func (ec execContext) logEvent(eventType, taskID string, payload any) {
	if ec.log == nil {
		return
	}
	_, _ = ec.log.Log(eventType, "scheduler", taskID, payload)
}

// note appends a line to taskID's audit trail. It is a no-op when no
// Logbook manager was wired in.
func (ec execContext) note(taskID, format string, args ...any) {
	if ec.logbook == nil {
		return
	}
	lb, err := ec.logbook.For(taskID)
	if err != nil {
		return
	}
	lb.Info(format, args...)
}
