// Package logbook is the durable, greppable per-task audit trail: one
// plain-text file per task, appended to whenever the orchestration
// service, scheduler, or protocol router takes an action worth a human
// being able to `tail -f` or `grep` after the fact. It sits underneath
// the engine's structured zerolog output (internal/logging) rather than
// replacing it — zerolog covers operational logs, logbook covers the
// task-scoped narrative that workflow gate history and status reports
// reference.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook persists a single task's audit trail to a plain text file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// Option configures a Logbook or Manager at construction time.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the clock used to stamp entries; tests use this for
// deterministic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func resolveOptions(opts []Option) options {
	o := options{clock: func() time.Time { return time.Now().UTC() }}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	return &Logbook{path: path, clock: o.clock}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.clock().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent log entries.
func (l *Logbook) Tail(maxLines int) []string {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		return nil
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Manager hands out one Logbook per task ID, all rooted under a single
// audit directory, and caches the handles so repeated calls for the same
// task reuse one file handle's worth of bookkeeping.
type Manager struct {
	dir string
	opt []Option

	mu    sync.Mutex
	cache map[string]*Logbook
}

// NewManager creates a Manager rooted at dir (typically
// <dataDir>/audit).
func NewManager(dir string, opts ...Option) *Manager {
	return &Manager{dir: dir, opt: opts, cache: map[string]*Logbook{}}
}

// For returns the logbook for taskID, creating its backing file on first
// use.
func (m *Manager) For(taskID string) (*Logbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lb, ok := m.cache[taskID]; ok {
		return lb, nil
	}
	lb, err := New(filepath.Join(m.dir, taskID+".log"), m.opt...)
	if err != nil {
		return nil, err
	}
	m.cache[taskID] = lb
	return lb, nil
}
