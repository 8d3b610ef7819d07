// Package scheduler plans and executes one poll cycle: a read-only scan that
// proposes actions, followed by execution of those actions against the task
// store, lease manager, gate machine, and dependency cascader (§4.3).
package scheduler

import (
	"context"

	"github.com/d0labs/aof-sub004/internal/task"
)

// TaskContext is the payload handed to Executor.Spawn for one dispatch.
type TaskContext struct {
	TaskID      string
	TaskPath    string
	Agent       string
	Priority    task.Priority
	Routing     task.Routing
	ProjectID   string
	ProjectRoot string
	TaskRelpath string
	Thinking    string
	GateContext any
}

// Result is what Executor.Spawn reports back.
type Result struct {
	Success       bool
	SessionID     string
	Error         string
	PlatformLimit int // numeric cap hint parsed from the error message, 0 if absent
}

// Executor is the only collaborator the scheduler depends on for actually
// reaching an agent; how spawn gets there is opaque to the scheduler.
type Executor interface {
	Spawn(ctx context.Context, tc TaskContext) (Result, error)
}
