package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// projectLock is a process-wide, OS-advisory file lock that serializes
// mutations to one project root across cooperating processes (§4.1
// Concurrency, §5 Shared resources). Within a process it is additionally
// guarded by an in-memory mutex since flock(2) is not reentrant-safe across
// goroutines sharing one file descriptor.
type projectLock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func newProjectLock(lockDir string) (*projectLock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("task: create lock dir: %w", err)
	}
	return &projectLock{path: filepath.Join(lockDir, "store.lock")}, nil
}

// Lock acquires the in-process mutex and the OS advisory lock, blocking until
// both are available. Unlock releases both in reverse order.
func (l *projectLock) Lock() error {
	l.mu.Lock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("task: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("task: acquire advisory lock: %w", err)
	}
	l.file = f
	return nil
}

func (l *projectLock) Unlock() {
	if l.file != nil {
		unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}
