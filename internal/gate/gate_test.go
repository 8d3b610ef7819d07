package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/task"
)

func testWorkflow() Workflow {
	return Workflow{
		Name:              "review-pipeline",
		RejectionStrategy: OriginStrategy,
		Gates: []Gate{
			{ID: "draft", Role: "author", Timeout: "30m", EscalateTo: "lead"},
			{ID: "review", Role: "reviewer", CanReject: true, EscalateTo: "lead"},
			{ID: "approve", Role: "approver", RequireHuman: true},
		},
	}
}

func newTestMachine(t *testing.T) (*task.Store, *Machine, func(time.Time)) {
	t.Helper()
	dir := t.TempDir()
	current := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store, err := task.NewStore(dir, task.WithClock(clock))
	require.NoError(t, err)
	log, err := eventlog.Open(t.TempDir(), eventlog.WithClock(clock))
	require.NoError(t, err)
	m := New(store, log, clock)
	return store, m, func(v time.Time) { current = v }
}

func TestParseTimeout(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
		d   time.Duration
	}{
		{"30m", true, 30 * time.Minute},
		{"2h", true, 2 * time.Hour},
		{"0m", false, 0},
		{"1.5h", false, 0},
		{"-5m", false, 0},
		{"90s", false, 0},
		{"", false, 0},
		{"garbage", false, 0},
	}
	for _, c := range cases {
		d, ok := ParseTimeout(c.raw)
		assert.Equal(t, c.ok, ok, "raw=%q", c.raw)
		if c.ok {
			assert.Equal(t, c.d, d, "raw=%q", c.raw)
		}
	}
}

func TestEnterPlacesTaskAtFirstGate(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)

	entered, err := m.Enter(created, testWorkflow())
	require.NoError(t, err)
	require.NotNil(t, entered.Gate)
	assert.Equal(t, "draft", entered.Gate.Current)
	assert.Equal(t, "author", entered.Routing.Role)
}

func TestReportCompleteAdvancesGate(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)

	advanced, err := m.Report(entered, wf, OutcomeComplete, nil, "draft done")
	require.NoError(t, err)
	require.NotNil(t, advanced.Gate)
	assert.Equal(t, "review", advanced.Gate.Current)
	assert.Equal(t, "reviewer", advanced.Routing.Role)
	require.Len(t, advanced.GateHistory, 1)
	assert.Equal(t, "complete", advanced.GateHistory[0].Outcome)
}

func TestReportCompleteOnFinalGateFinishesTask(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)

	entered.Gate = &task.GateRef{Current: "approve", Entered: time.Now()}
	require.NoError(t, store.WithDirectWrite(entered))

	done, err := m.Report(entered, wf, OutcomeComplete, nil, "approved")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, done.Status)
	assert.Nil(t, done.Gate)
}

func TestReportNeedsReviewRequiresCanReject(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)

	_, err = m.Report(entered, wf, OutcomeNeedsReview, nil, "cannot reject here")
	assert.Error(t, err, "draft gate does not allow needs_review")
}

func TestReportNeedsReviewRoutesToOrigin(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)
	advanced, err := m.Report(entered, wf, OutcomeComplete, nil, "draft done")
	require.NoError(t, err)

	rejected, err := m.Report(advanced, wf, OutcomeNeedsReview, nil, "needs more work")
	require.NoError(t, err)
	require.NotNil(t, rejected.Gate)
	assert.Equal(t, "draft", rejected.Gate.Current, "origin strategy returns to the gate that produced the work")
	require.NotNil(t, rejected.ReviewContext)
	assert.Equal(t, "review", rejected.ReviewContext.FromGate)
}

func TestReportBlockedTransitionsToBlocked(t *testing.T) {
	store, m, _ := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)

	blocked, err := m.Report(entered, wf, OutcomeBlocked, []string{"waiting on design"}, "stuck")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, blocked.Status)
	assert.Equal(t, "gate_blocked", blocked.Metadata["blockReason"])
}

func TestCheckTimeoutAndEscalate(t *testing.T) {
	store, m, setNow := newTestMachine(t)
	created, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Lease: &task.Lease{Agent: "x", ExpiresAt: time.Now().Add(2 * time.Hour)}})
	require.NoError(t, err)
	wf := testWorkflow()
	entered, err := m.Enter(created, wf)
	require.NoError(t, err)

	base := entered.Gate.Entered
	setNow(base.Add(45 * time.Minute))
	timedOut, elapsed, g := CheckTimeout(entered, wf, base.Add(45*time.Minute))
	require.True(t, timedOut)
	assert.Equal(t, "draft", g.ID)
	assert.Equal(t, 45*time.Minute, elapsed)

	escalated, err := m.Escalate(entered, g, elapsed, false)
	require.NoError(t, err)
	assert.Equal(t, "author", escalated.GateHistory[len(escalated.GateHistory)-1].Role)
}

func TestConditionalGateSkippedWhenFalse(t *testing.T) {
	wf := Workflow{
		Name: "conditional",
		Gates: []Gate{
			{ID: "a", Role: "author"},
			{ID: "b", Role: "optional-reviewer", When: `"needs-review" in tags`},
			{ID: "c", Role: "approver"},
		},
	}
	env := func(g Gate) bool { return g.When == "" || g.ID == "b" && false }
	active, ok := wf.ActiveGate("b", env)
	require.True(t, ok)
	assert.Equal(t, "c", active.ID, "gate b's false condition must be skipped")
}
