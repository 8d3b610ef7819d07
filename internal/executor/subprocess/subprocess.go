// Package subprocess implements the default scheduler.Executor: a
// fire-and-forget dispatch that hands a task to an external agent command
// via os/exec, the same way the reference orchestrator shells out to its
// project tooling.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/d0labs/aof-sub004/internal/scheduler"
)

// DefaultSpawnTimeout bounds how long Spawn waits for an early exit before
// reporting the launch as successful. A process still running at the
// timeout is not killed; it keeps running in the background.
const DefaultSpawnTimeout = 60 * time.Second

// Config names the command template used to dispatch a task and the
// timeout applied to each spawn.
type Config struct {
	// Command is the executable invoked for every dispatch, e.g. the path
	// to an agent-runner script. Args are appended after Command's own
	// fixed arguments; the task context is passed as JSON on stdin and via
	// environment variables.
	Command      string
	Args         []string
	SpawnTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	return c
}

// Executor implements scheduler.Executor by spawning an external process
// per task and returning immediately once it has started; agents report
// progress back asynchronously via the protocol router, not through the
// process's own stdout/exit code beyond the initial launch outcome.
type Executor struct {
	cfg Config
	log zerolog.Logger
}

// New constructs an Executor. cfg.Command must name an executable on PATH
// or an absolute path; it is never interpreted through a shell.
func New(cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{cfg: cfg.withDefaults(), log: logger.With().Str("component", "executor").Logger()}
}

var _ scheduler.Executor = (*Executor)(nil)

// spawnRequest is the JSON payload written to the child process's stdin.
type spawnRequest struct {
	TaskID      string `json:"taskId"`
	TaskPath    string `json:"taskPath"`
	Agent       string `json:"agent"`
	Priority    string `json:"priority"`
	ProjectID   string `json:"projectId"`
	ProjectRoot string `json:"projectRoot"`
	TaskRelpath string `json:"taskRelpath"`
	Thinking    string `json:"thinking,omitempty"`
	SessionID   string `json:"sessionId"`
}

// Spawn launches the configured command for tc and returns when the
// process fails to start, exits, or has run for SpawnTimeout, whichever
// comes first. It does not wait for the agent to finish its work.
func (e *Executor) Spawn(ctx context.Context, tc scheduler.TaskContext) (scheduler.Result, error) {
	if strings.TrimSpace(e.cfg.Command) == "" {
		return scheduler.Result{}, fmt.Errorf("subprocess executor: no command configured")
	}

	if err := ctx.Err(); err != nil {
		return scheduler.Result{}, err
	}

	sessionID := uuid.NewString()
	req := spawnRequest{
		TaskID:      tc.TaskID,
		TaskPath:    tc.TaskPath,
		Agent:       tc.Agent,
		Priority:    string(tc.Priority),
		ProjectID:   tc.ProjectID,
		ProjectRoot: tc.ProjectRoot,
		TaskRelpath: tc.TaskRelpath,
		Thinking:    tc.Thinking,
		SessionID:   sessionID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("marshal spawn request: %w", err)
	}

	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Dir = tc.ProjectRoot
	cmd.Env = append(cmd.Environ(),
		"AOF_TASK_ID="+tc.TaskID,
		"AOF_TASK_PATH="+tc.TaskPath,
		"AOF_AGENT="+tc.Agent,
		"AOF_PROJECT_ID="+tc.ProjectID,
		"AOF_SESSION_ID="+sessionID,
	)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug().Str("taskId", tc.TaskID).Str("agent", tc.Agent).Str("command", e.cfg.Command).Msg("spawning agent process")

	if err := cmd.Start(); err != nil {
		return scheduler.Result{Success: false, Error: err.Error()}, nil
	}

	// Dispatch is fire-and-forget: the agent may run far longer than any
	// reasonable spawn timeout. We only wait up to SpawnTimeout to catch a
	// process that fails immediately (bad agent binary, auth rejection,
	// platform limit reported on launch) so the scheduler can classify it
	// this same poll; anything still running past the timeout is assumed
	// launched successfully and left to report back via the protocol
	// router.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		if waitErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			return scheduler.Result{Success: false, Error: msg}, nil
		}
		return scheduler.Result{Success: true, SessionID: sessionID}, nil
	case <-time.After(e.cfg.SpawnTimeout):
		go func() {
			if waitErr := <-done; waitErr != nil {
				e.log.Warn().
					Str("taskId", tc.TaskID).
					Str("stderr", strings.TrimSpace(stderr.String())).
					Err(waitErr).
					Msg("agent process exited with error after spawn")
			}
		}()
		return scheduler.Result{Success: true, SessionID: sessionID}, nil
	}
}
