package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/task"
)

func newTestManager(t *testing.T) (*task.Store, *Manager, func(time.Time)) {
	t.Helper()
	dir := t.TempDir()
	current := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store, err := task.NewStore(dir, task.WithClock(clock))
	require.NoError(t, err)
	mgr := New(store, clock)
	setNow := func(v time.Time) { current = v }
	return store, mgr, setNow
}

func TestAcquireTransitionsToInProgress(t *testing.T) {
	store, mgr, _ := newTestManager(t)
	_, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady})
	require.NoError(t, err)

	got, err := mgr.Acquire("T-1", "agent-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "agent-a", got.Lease.Agent)
}

func TestAcquireRejectsNonReady(t *testing.T) {
	store, mgr, _ := newTestManager(t)
	_, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusBacklog})
	require.NoError(t, err)

	_, err = mgr.Acquire("T-1", "agent-a", time.Hour)
	assert.ErrorIs(t, err, ErrWrongStatus)
}

func TestAcquireRejectsAlreadyLeased(t *testing.T) {
	store, mgr, _ := newTestManager(t)
	_, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady})
	require.NoError(t, err)

	_, err = mgr.Acquire("T-1", "agent-a", time.Hour)
	require.NoError(t, err)

	// A second agent contending for the same task finds it already
	// in-progress and is refused.
	_, err = mgr.Acquire("T-1", "agent-b", time.Hour)
	assert.Error(t, err)
}

func TestRenewRequiresHolder(t *testing.T) {
	store, mgr, _ := newTestManager(t)
	_, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady})
	require.NoError(t, err)
	_, err = mgr.Acquire("T-1", "agent-a", time.Hour)
	require.NoError(t, err)

	_, err = mgr.Renew("T-1", "agent-b", time.Hour)
	assert.ErrorIs(t, err, ErrNotHolder)

	renewed, err := mgr.Renew("T-1", "agent-a", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.Lease.RenewCount)
}

func TestReleaseReturnsTaskToReady(t *testing.T) {
	store, mgr, _ := newTestManager(t)
	_, err := store.Create(task.Task{ID: "T-1", Project: "p", Title: "a", Status: task.StatusReady})
	require.NoError(t, err)
	_, err = mgr.Acquire("T-1", "agent-a", time.Hour)
	require.NoError(t, err)

	released, err := mgr.Release("T-1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, released.Status)
	assert.Nil(t, released.Lease)
}

func TestIsActiveBoundary(t *testing.T) {
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	l := &task.Lease{Agent: "a", AcquiredAt: now.Add(-time.Hour), ExpiresAt: now}
	assert.False(t, IsActive(l, now), "expiresAt == now must be expired")
	assert.True(t, Expired(l, now))
	assert.True(t, IsActive(l, now.Add(-time.Nanosecond)))
}
