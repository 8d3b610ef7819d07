package protocol

import (
	"errors"

	"github.com/d0labs/aof-sub004/internal/task"
)

// ErrUnassignedTask is returned when a task has neither an active lease nor
// a routing target to authorize any sender against.
var ErrUnassignedTask = errors.New("unassigned_task")

// ErrUnauthorizedAgent is returned when fromAgent does not match the
// task's authorized sender.
var ErrUnauthorizedAgent = errors.New("unauthorized_agent")

// Authorize enforces that fromAgent is the task's lease holder (preferred)
// or its routed agent (fallback). A task with neither is rejected
// unconditionally (§4.6 Authorization).
func Authorize(t task.Task, fromAgent string) error {
	authorized := authorizedAgent(t)
	if authorized == "" {
		return ErrUnassignedTask
	}
	if fromAgent != authorized {
		return ErrUnauthorizedAgent
	}
	return nil
}

func authorizedAgent(t task.Task) string {
	if t.Lease != nil && t.Lease.Agent != "" {
		return t.Lease.Agent
	}
	return t.Routing.Agent
}
