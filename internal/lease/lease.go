// Package lease grants, renews, and releases exclusive agent ownership of a
// task. Expiry detection is exposed here but reclamation is the scheduler's
// job (§4.3): the manager never transitions a task on behalf of a clock.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/d0labs/aof-sub004/internal/task"
)

// ErrNotHolder is returned when a caller attempts to renew or release a lease
// it does not currently hold.
var ErrNotHolder = errors.New("lease: caller is not the current holder")

// ErrAlreadyLeased is returned when acquireLease finds a live lease already
// in place.
var ErrAlreadyLeased = errors.New("lease: task already has a live lease")

// ErrWrongStatus is returned when acquireLease is attempted on a task that is
// not in ready.
var ErrWrongStatus = errors.New("lease: task is not ready")

// Manager wraps a task.Store with the §4.2 lease contracts.
type Manager struct {
	store *task.Store
	now   func() time.Time
}

// New builds a lease Manager backed by store. clock defaults to time.Now.
func New(store *task.Store, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{store: store, now: clock}
}

// Acquire grants agent exclusive ownership of taskId for ttl, transitioning
// the task from ready to in-progress. Fails if the task is not ready or
// already carries a live lease.
func (m *Manager) Acquire(taskID, agent string, ttl time.Duration) (task.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.StatusReady {
		return task.Task{}, fmt.Errorf("%w: %s is %s", ErrWrongStatus, taskID, t.Status)
	}
	if IsActive(t.Lease, m.now()) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrAlreadyLeased, taskID)
	}
	now := m.now().UTC()
	t.Lease = &task.Lease{
		Agent:      agent,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return m.store.Transition(taskID, task.StatusInProgress, task.TransitionOptions{Agent: agent, Reason: "lease acquired"})
}

// Renew extends a live lease's expiry by ttl from now. Fails if agent is not
// the current holder or the lease has already expired.
func (m *Manager) Renew(taskID, agent string, ttl time.Duration) (task.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotHolder, taskID)
	}
	if !IsActive(t.Lease, m.now()) {
		return task.Task{}, fmt.Errorf("lease: cannot renew expired lease on %s", taskID)
	}
	renewed := *t.Lease
	renewed.ExpiresAt = m.now().UTC().Add(ttl)
	renewed.RenewCount++
	if err := m.rewriteLease(taskID, &renewed); err != nil {
		return task.Task{}, err
	}
	return m.store.Get(taskID)
}

// Release clears the lease held by agent and, if the task is still
// in-progress, transitions it back to ready.
func (m *Manager) Release(taskID, agent string) (task.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotHolder, taskID)
	}
	if t.Status == task.StatusInProgress {
		return m.store.Transition(taskID, task.StatusReady, task.TransitionOptions{Agent: agent, Reason: "lease released"})
	}
	if err := m.rewriteLease(taskID, nil); err != nil {
		return task.Task{}, err
	}
	return m.store.Get(taskID)
}

// rewriteLease directly patches the lease field without moving the task
// between status directories, used for renew (no status change) and for
// clearing a lease on a non in-progress task (e.g. blocked).
func (m *Manager) rewriteLease(taskID string, l *task.Lease) error {
	t, err := m.store.Get(taskID)
	if err != nil {
		return err
	}
	t.Lease = l
	t.UpdatedAt = m.now().UTC()
	return m.store.WithDirectWrite(t)
}

// IsActive reports whether l is non-nil and not yet expired as of now
// (lease.expiresAt is an exclusive bound: now == expiresAt is expired).
func IsActive(l *task.Lease, now time.Time) bool {
	return l.Active(now)
}

// Expired reports the inverse of IsActive for a non-nil lease; a nil lease is
// neither active nor expired in the reclamation sense, so it reports false.
func Expired(l *task.Lease, now time.Time) bool {
	if l == nil {
		return false
	}
	return !IsActive(l, now)
}
