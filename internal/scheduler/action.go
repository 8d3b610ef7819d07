package scheduler

import "github.com/d0labs/aof-sub004/internal/task"

// ActionType enumerates the kinds of action a plan phase can propose
// (§4.3 Action types).
type ActionType string

const (
	ActionPromote     ActionType = "promote"
	ActionAssign      ActionType = "assign"
	ActionExpireLease ActionType = "expire_lease"
	ActionRequeue     ActionType = "requeue"
	ActionDeadletter  ActionType = "deadletter"
	ActionAlert       ActionType = "alert"
	ActionBlock       ActionType = "block"
	ActionUnblock     ActionType = "unblock"
	ActionSLAViolation ActionType = "sla_violation"
)

// Action is one planned step. Reason documents why it was proposed, for
// observability and for dry-run reporting.
type Action struct {
	Type   ActionType
	TaskID string
	Agent  string
	Reason string
}

// Plan is the full output of a poll's plan phase: a deterministic,
// read-only snapshot of what the execute phase should attempt.
type Plan struct {
	Snapshot []task.Task
	Actions  []Action
}
