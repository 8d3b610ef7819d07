// Command orchestratord runs the task engine as a long-lived service: it
// loads (or initializes) the engine config for a project directory, wires
// the store, scheduler, protocol router, notification policy, and HTTP
// intake server together, then ticks until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/config"
	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/executor/subprocess"
	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/lease"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/logging"
	"github.com/d0labs/aof-sub004/internal/notify"
	"github.com/d0labs/aof-sub004/internal/orchestrator"
	"github.com/d0labs/aof-sub004/internal/orgchart"
	"github.com/d0labs/aof-sub004/internal/protocol"
	"github.com/d0labs/aof-sub004/internal/scheduler"
	"github.com/d0labs/aof-sub004/internal/task"
)

func main() {
	projectDir := flag.String("project", "", "project directory (defaults to cwd)")
	orgChartPath := flag.String("orgchart", "", "path to orgchart.yaml (defaults to <project>/orgchart.yaml if present)")
	agentCommand := flag.String("agent-command", "", "executable invoked to dispatch a task to an agent")
	pretty := flag.Bool("pretty", false, "mirror logs to stderr as human-readable console output")
	flag.Parse()

	dir := *projectDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		die("resolve project dir: %v", err)
	}

	if err := config.InitEngineDir(absDir); err != nil {
		die("init .aof directory: %v", err)
	}
	cfg, err := config.NewConfig(absDir)
	if err != nil {
		die("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg, *pretty)
	if err != nil {
		die("init logging: %v", err)
	}
	logger.Info().Str("projectId", cfg.Engine.ProjectID).Str("dataDir", cfg.DataDir()).Msg("starting orchestrator")

	store, err := task.NewStore(cfg.DataDir(), task.WithLockDir(cfg.LockDir()))
	if err != nil {
		die("open task store: %v", err)
	}
	eventLog, err := eventlog.Open(filepath.Join(cfg.DataDir(), "events"))
	if err != nil {
		die("open event log: %v", err)
	}
	leases := lease.New(store, time.Now)
	cascader := cascade.New(store, eventLog)
	gates := gate.New(store, eventLog, time.Now)
	audit := logbook.NewManager(filepath.Join(cfg.DataDir(), "audit"))

	var chart *orgchart.Chart
	chartPath := *orgChartPath
	if chartPath == "" {
		candidate := filepath.Join(absDir, "orgchart.yaml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			chartPath = candidate
		}
	}
	if chartPath != "" {
		chart, err = orgchart.Load(chartPath)
		if err != nil {
			die("load orgchart: %v", err)
		}
	}

	var exec scheduler.Executor
	if *agentCommand != "" {
		exec = subprocess.New(subprocess.Config{Command: *agentCommand}, logger)
	}

	sched := scheduler.New(scheduler.Deps{
		Store:    store,
		Leases:   leases,
		Log:      eventLog,
		Cascader: cascader,
		Gates:    gates,
		Chart:    chart,
		Executor: exec,
		Logbook:  audit,
	}, schedulerConfigFrom(cfg))

	protoDeps := protocol.Deps{
		Store:    store,
		Cascader: cascader,
		Gates:    gates,
		Log:      eventLog,
		Logbook:  audit,
	}
	router := protocol.NewRouter(protoDeps, logger)

	policy := notify.NewPolicy(defaultNotifyRules(), consoleSink{logger: logger},
		time.Duration(cfg.Engine.Notify.StormBatcher.WindowMs)*time.Millisecond,
		cfg.Engine.Notify.StormBatcher.Threshold,
	)

	svc := orchestrator.New(orchestrator.Deps{
		Scheduler: sched,
		Log:       eventLog,
		Router:    router,
		Policy:    policy,
	}, orchestrator.Config{PollInterval: cfg.PollInterval()}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var intake *protocol.Server
	if cfg.IntakeEnabled() {
		intake = protocol.NewServer(cfg, router, logger)
		if err := intake.Start(ctx); err != nil {
			die("start intake server: %v", err)
		}
		logger.Info().Str("addr", intake.Addr()).Msg("intake server listening")
	}

	if err := svc.Start(ctx); err != nil {
		die("start orchestrator: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	svc.Stop()
	if intake != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := intake.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("intake server shutdown error")
		}
	}
}

func schedulerConfigFrom(cfg *config.Config) scheduler.Config {
	sc := cfg.Engine.Scheduler
	return scheduler.Config{
		DryRun:                  cfg.Engine.Poll.DryRun,
		DefaultLeaseTTL:         cfg.LeaseTTL(),
		MaxConcurrentDispatches: sc.MaxConcurrentDispatches,
		MinDispatchInterval:     time.Duration(sc.MinDispatchIntervalMs) * time.Millisecond,
		MaxDispatchesPerPoll:    sc.MaxDispatchesPerPoll,
		StuckTaskThreshold:      time.Duration(sc.StuckTaskThresholdMs) * time.Millisecond,
		AutoBlockStuckTasks:     sc.AutoBlockStuckTasks,
		MaxRetries:              sc.MaxRetries,
		RetryBaseDelay:          time.Duration(sc.RetryBaseDelayMs) * time.Millisecond,
		RetryCeiling:            time.Duration(sc.RetryCeilingMs) * time.Millisecond,
		RetryJitter:             sc.RetryJitter,
		CircuitBreaker: scheduler.CircuitBreakerConfig{
			FailureThreshold: uint32(sc.CircuitBreaker.FailureThreshold),
			OpenTimeout:      time.Duration(sc.CircuitBreaker.OpenTimeoutMs) * time.Millisecond,
		},
	}
}

// defaultNotifyRules is the built-in rule set: SLA violations and
// deadletters go to the ops channel as critical (sent at once), blocks and
// gate escalations go to ops as warnings, and everything else goes to the
// log channel as info; non-critical messages pass through storm batching.
func defaultNotifyRules() []notify.Rule {
	return []notify.Rule{
		{EventType: "sla.violation", Severity: notify.SeverityCritical, Channel: "ops", NeverSuppress: true, Template: "SLA violation on {taskId}"},
		{EventType: "task.deadletter", Severity: notify.SeverityCritical, Channel: "ops", NeverSuppress: true, Template: "{taskId} deadlettered: {payload.reason}"},
		{EventType: "task.blocked", Severity: notify.SeverityWarning, Channel: "ops", Template: "{taskId} blocked: {payload.reason}"},
		{EventType: "gate_timeout_escalation", Severity: notify.SeverityWarning, Channel: "ops", Template: "{taskId} gate escalated {payload.fromRole} -> {payload.toRole}"},
		{EventType: "*", Severity: notify.SeverityInfo, Channel: "log", Template: "{eventType} ({taskId})"},
	}
}

// consoleSink delivers notifications to the structured logger; production
// deployments wire a real NotificationAdapter (webhook, chat, paging) in
// its place.
type consoleSink struct {
	logger zerolog.Logger
}

func (s consoleSink) Send(msg notify.Message) error {
	s.logger.Info().
		Str("taskId", msg.TaskID).
		Str("eventType", msg.EventType).
		Str("severity", string(msg.Severity)).
		Str("channel", msg.Channel).
		Msg(msg.Text)
	return nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
