package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/gate"
	"github.com/d0labs/aof-sub004/internal/lease"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/orgchart"
	"github.com/d0labs/aof-sub004/internal/task"
)

var fixedNow = time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newTestScheduler(t *testing.T, exec Executor, cfg Config) (*Scheduler, *task.Store, *eventlog.Log) {
	t.Helper()
	dir := t.TempDir()
	store, err := task.NewStore(dir, task.WithClock(fixedClock))
	require.NoError(t, err)
	log, err := eventlog.Open(t.TempDir(), eventlog.WithClock(fixedClock))
	require.NoError(t, err)
	leases := lease.New(store, fixedClock)
	cascader := cascade.New(store, log)
	gates := gate.New(store, log, fixedClock)
	chart, err := orgchart.Parse([]byte(`
version: 1
agents:
  - id: agent-a
    role: builder
`))
	require.NoError(t, err)

	sched := New(Deps{
		Store:    store,
		Leases:   leases,
		Log:      log,
		Cascader: cascader,
		Gates:    gates,
		Chart:    chart,
		Executor: exec,
		Metrics:  nil,
		Clock:    fixedClock,
	}, cfg)
	return sched, store, log
}

type fakeExecutor struct {
	result Result
	err    error
	calls  int
}

func (f *fakeExecutor) Spawn(ctx context.Context, tc TaskContext) (Result, error) {
	f.calls++
	return f.result, f.err
}

func TestPollPromotesEligibleBacklogTask(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	sched, store, _ := newTestScheduler(t, exec, Config{})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusBacklog,
		Routing: task.Routing{Role: "builder"},
	})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.Actions)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, refreshed.Status)
}

func TestPollDispatchesReadyTaskAndAcquiresLease(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true, SessionID: "s-1"}}
	sched, store, _ := newTestScheduler(t, exec, Config{})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exec.calls)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, refreshed.Status)
	require.NotNil(t, refreshed.Lease)
	assert.Equal(t, "agent-a", refreshed.Lease.Agent)
}

func TestPollClassifiesPermanentFailureAsDeadletter(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: false, Error: "agent not found"}}
	sched, store, _ := newTestScheduler(t, exec, Config{})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadletter, refreshed.Status)
	assert.Equal(t, "permanent", refreshed.Metadata["errorClass"])
}

func TestPollClassifiesTransientFailureAsBlockedWithRetryMetadata(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: false, Error: "connection reset"}}
	sched, store, _ := newTestScheduler(t, exec, Config{})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, refreshed.Status)
	assert.Equal(t, "1", refreshed.Metadata["retryCount"])
	assert.Equal(t, "transient", refreshed.Metadata["errorClass"])
}

func TestPollExpiresStaleLease(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	sched, store, log := newTestScheduler(t, exec, Config{})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Role: "builder"},
		Lease: &task.Lease{
			Agent: "agent-a", AcquiredAt: fixedNow.Add(-time.Hour), ExpiresAt: fixedNow.Add(-time.Minute),
		},
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, refreshed.Status)
	assert.Nil(t, refreshed.Lease)

	events, err := log.QueryEvents(eventlog.Query{Type: "lease.expired", TaskID: "T-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPollDispatchWritesLogbookEntry(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true, SessionID: "s-1"}}
	dir := t.TempDir()
	store, err := task.NewStore(dir, task.WithClock(fixedClock))
	require.NoError(t, err)
	log, err := eventlog.Open(t.TempDir(), eventlog.WithClock(fixedClock))
	require.NoError(t, err)
	leases := lease.New(store, fixedClock)
	cascader := cascade.New(store, log)
	gates := gate.New(store, log, fixedClock)
	chart, err := orgchart.Parse([]byte(`
version: 1
agents:
  - id: agent-a
    role: builder
`))
	require.NoError(t, err)
	audit := logbook.NewManager(t.TempDir(), logbook.WithClock(fixedClock))

	sched := New(Deps{
		Store: store, Leases: leases, Log: log, Cascader: cascader, Gates: gates,
		Chart: chart, Executor: exec, Logbook: audit, Clock: fixedClock,
	}, Config{})

	_, err = store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)

	lb, err := audit.For("T-1")
	require.NoError(t, err)
	lines := lb.Tail(10)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "assigned to agent-a")
}

func TestDryRunPollMakesNoMutations(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	sched, store, _ := newTestScheduler(t, exec, Config{DryRun: true})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Zero(t, exec.calls)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, refreshed.Status)
}

func TestPollPlatformLimitOpensCircuitAndLowersEffectiveCap(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: false, Error: "max active children (2/3)"}}
	sched, store, _ := newTestScheduler(t, exec, Config{MaxConcurrentDispatches: 5})

	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady,
		Routing: task.Routing{Role: "builder"}, CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sched.effectiveCap, "effective cap must decay to the detected platform limit")

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, refreshed.Status, "platform_limit must not transition the task")
}
