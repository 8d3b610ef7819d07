package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/cascade"
	"github.com/d0labs/aof-sub004/internal/logbook"
	"github.com/d0labs/aof-sub004/internal/task"
)

var fixedNow = time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *task.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := task.NewStore(dir, task.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return store
}

func newTestDeps(t *testing.T, store *task.Store) Deps {
	t.Helper()
	return Deps{
		Store:    store,
		Cascader: cascade.New(store, nil),
		Now:      func() time.Time { return fixedNow },
	}
}

func TestParseAcceptsSnakeCaseProjectID(t *testing.T) {
	raw := map[string]any{
		"protocol":  "aof",
		"version":   1,
		"project_id": "p",
		"taskId":    "T-1",
		"fromAgent": "agent-a",
		"type":      "status.update",
		"payload":   map[string]any{"status": "in-progress"},
	}
	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "p", env.ProjectID)
}

func TestParseExtractsFromMessageField(t *testing.T) {
	inner := `{"protocol":"aof","version":1,"projectId":"p","taskId":"T-1","fromAgent":"agent-a","type":"status.update","payload":{"status":"in-progress"}}`
	raw := map[string]any{"message": "AOF/1 " + inner}
	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeStatusUpdate, env.Type)
}

func TestParseRejectsUnknownType(t *testing.T) {
	raw := map[string]any{
		"protocol": "aof", "version": 1, "projectId": "p",
		"taskId": "T-1", "fromAgent": "agent-a", "type": "bogus.type",
	}
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestAuthorizeRejectsUnassignedTask(t *testing.T) {
	err := Authorize(task.Task{ID: "T-1"}, "agent-a")
	assert.ErrorIs(t, err, ErrUnassignedTask)
}

func TestAuthorizePrefersLeaseOverRouting(t *testing.T) {
	tk := task.Task{
		ID:      "T-1",
		Routing: task.Routing{Agent: "agent-b"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	}
	assert.NoError(t, Authorize(tk, "agent-a"))
	assert.ErrorIs(t, Authorize(tk, "agent-b"), ErrUnauthorizedAgent)
}

func TestApplyStatusUpdateAppendsWorkLog(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(StatusUpdatePayload{Progress: "halfway done"})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-a", Type: TypeStatusUpdate, Payload: payload,
	}
	outcome, err := Apply(newTestDeps(t, store), env)
	require.NoError(t, err)
	assert.Equal(t, "protocol.message.received", outcome.Event)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Contains(t, refreshed.Body, "## Work Log")
	assert.Contains(t, refreshed.Body, "Progress: halfway done")
}

func TestApplyStatusUpdateWritesLogbookEntry(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	deps := newTestDeps(t, store)
	deps.Logbook = logbook.NewManager(t.TempDir(), logbook.WithClock(func() time.Time { return fixedNow }))

	payload, _ := json.Marshal(StatusUpdatePayload{Progress: "halfway done"})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-a", Type: TypeStatusUpdate, Payload: payload,
	}
	_, err = Apply(deps, env)
	require.NoError(t, err)

	lb, err := deps.Logbook.For("T-1")
	require.NoError(t, err)
	lines := lb.Tail(10)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "halfway done")
}

func TestApplyRejectsUnauthorizedSender(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(StatusUpdatePayload{Progress: "snooping"})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-mallory", Type: TypeStatusUpdate, Payload: payload,
	}
	outcome, err := Apply(newTestDeps(t, store), env)
	require.NoError(t, err)
	assert.Equal(t, "protocol.message.rejected", outcome.Event)
	assert.Equal(t, "unauthorized_agent", outcome.Reason)

	refreshed, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, refreshed.Status, "unauthorized message must not mutate the task")
}

func TestApplyCompletionReportDoneCascades(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)
	_, err = store.Create(task.Task{
		ID: "T-2", Project: "p", Title: "b", Status: task.StatusBacklog,
		DependsOn: []string{"T-1"},
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(CompletionReportPayload{
		Outcome: "done", Summary: "shipped it",
		TestReport: &TestReport{Passed: 3, Failed: 0, Total: 3},
	})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-a", Type: TypeCompletionReport, Payload: payload,
	}
	outcome, err := Apply(newTestDeps(t, store), env)
	require.NoError(t, err)
	assert.Equal(t, "protocol.message.received", outcome.Event)

	t1, err := store.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, t1.Status)
	assert.Contains(t, t1.Body, "## Summary")
	assert.Contains(t, t1.Body, "shipped it")

	t2, err := store.Get("T-2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, t2.Status, "completing T-1 must cascade-promote its dependent")
}

func TestApplyCompletionReportRejectsInconsistentTestReport(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(CompletionReportPayload{
		Outcome:    "done",
		TestReport: &TestReport{Passed: 5, Failed: 5, Total: 3},
	})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-a", Type: TypeCompletionReport, Payload: payload,
	}
	outcome, err := Apply(newTestDeps(t, store), env)
	require.NoError(t, err)
	assert.Equal(t, "protocol.message.rejected", outcome.Event)
}

func TestApplyHandoffRequestCreatesSubtask(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(task.Task{
		ID: "T-1", Project: "p", Title: "a", Status: task.StatusInProgress,
		Routing: task.Routing{Agent: "agent-a"},
		Lease:   &task.Lease{Agent: "agent-a", ExpiresAt: fixedNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(HandoffRequestPayload{Title: "review the diff"})
	env := Envelope{
		Protocol: ProtocolName, Version: CurrentVersion, ProjectID: "p",
		TaskID: "T-1", FromAgent: "agent-a", ToAgent: "agent-b",
		Type: TypeHandoffRequest, Payload: payload,
	}
	outcome, err := Apply(newTestDeps(t, store), env)
	require.NoError(t, err)
	assert.Equal(t, "delegation.requested", outcome.Event)
	require.NotEmpty(t, outcome.TaskID)

	sub, err := store.Get(outcome.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "T-1", sub.ParentID)
	assert.Equal(t, "agent-b", sub.Routing.Agent)
	assert.Equal(t, "review the diff", sub.Title)
}
