package scheduler

import (
	"context"
	"time"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/lease"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/orgchart"
	"github.com/d0labs/aof-sub004/internal/task"
)

// Scheduler ties the task store, lease manager, event log, dependency
// cascader, gate machine, org chart, and executor into one poll loop
// (§4.3). It holds the effective concurrency cap and the platform-limit
// circuit breaker across polls within a process lifetime.
type Scheduler struct {
	store     *task.Store
	leases    *lease.Manager
	log       *eventlog.Log
	cascader  *cascade.Cascader
	gates     *gate.Machine
	chart     *orgchart.Chart
	workflows map[string]gate.Workflow
	executor  Executor
	breaker   *platformLimitBreaker
	metrics   *Metrics
	logbook   *logbook.Manager
	cfg       Config
	now       func() time.Time

	effectiveCap int
}

// Deps bundles every collaborator New needs. Chart and Workflows may be nil
// / empty for a store with no routing targets configured yet. Logbook is
// optional; when nil, per-task audit entries are skipped.
type Deps struct {
	Store     *task.Store
	Leases    *lease.Manager
	Log       *eventlog.Log
	Cascader  *cascade.Cascader
	Gates     *gate.Machine
	Chart     *orgchart.Chart
	Workflows map[string]gate.Workflow
	Executor  Executor
	Metrics   *Metrics
	Logbook   *logbook.Manager
	Clock     func() time.Time
}

// New builds a Scheduler. cfg is defaulted via Config.withDefaults.
func New(deps Deps, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	workflows := deps.Workflows
	if workflows == nil {
		workflows = map[string]gate.Workflow{}
	}
	return &Scheduler{
		store:        deps.Store,
		leases:       deps.Leases,
		log:          deps.Log,
		cascader:     deps.Cascader,
		gates:        deps.Gates,
		chart:        deps.Chart,
		workflows:    workflows,
		executor:     deps.Executor,
		breaker:      newPlatformLimitBreaker(cfg.CircuitBreaker),
		metrics:      deps.Metrics,
		logbook:      deps.Logbook,
		cfg:          cfg,
		now:          clock,
		effectiveCap: cfg.MaxConcurrentDispatches,
	}
}

// PollResult is what one Poll call reports back to the caller (§4.3
// Outputs).
type PollResult struct {
	ScannedAt  time.Time
	DurationMs int64
	DryRun     bool
	Actions    []Action
	Stats      map[task.Status]int
}

// Poll runs exactly one plan-then-execute cycle: load a consistent task
// snapshot, build a plan against it, then apply the plan's actions in
// order. Poll is idempotent and safe to call on a fixed interval or
// coalesced on message arrival (§4.9).
func (s *Scheduler) Poll(ctx context.Context) (PollResult, error) {
	start := s.now().UTC()

	snapshot, err := s.store.List()
	if err != nil {
		return PollResult{}, err
	}
	stats, err := s.store.CountByStatus()
	if err != nil {
		return PollResult{}, err
	}

	plan := BuildPlan(snapshot, s.chart, s.workflows, s.cfg, start, s.effectiveCap)

	ec := execContext{
		store:     s.store,
		leases:    s.leases,
		log:       s.log,
		cascader:  s.cascader,
		gates:     s.gates,
		chart:     s.chart,
		workflows: s.workflows,
		executor:  s.executor,
		breaker:   s.breaker,
		cfg:       s.cfg,
		metrics:   s.metrics,
		logbook:   s.logbook,
		now:       s.now,
	}
	execResult := Execute(ctx, ec, plan)
	if execResult.EffectiveCap > 0 && execResult.EffectiveCap < s.effectiveCap {
		s.effectiveCap = execResult.EffectiveCap
	}
	s.metrics.setEffectiveCap(s.effectiveCap)

	duration := s.now().UTC().Sub(start)
	s.metrics.observePollDuration(float64(duration.Milliseconds()))

	return PollResult{
		ScannedAt:  start,
		DurationMs: duration.Milliseconds(),
		DryRun:     s.cfg.DryRun,
		Actions:    plan.Actions,
		Stats:      stats,
	}, nil
}
