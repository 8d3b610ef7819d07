package logbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "T-1.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines := book.Tail(3)
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestAppendUsesInjectedClock(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	book, err := New(filepath.Join(dir, "T-2.log"), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Warn("lease expired")
	lines := book.Tail(1)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], fixed.Format(time.RFC3339)) {
		t.Fatalf("expected line stamped with injected clock, got %q", lines[0])
	}
}

func TestManagerCachesLogbooksPerTask(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)

	a, err := mgr.For("T-1")
	if err != nil {
		t.Fatalf("For(T-1): %v", err)
	}
	a.Info("assigned to agent-a")

	again, err := mgr.For("T-1")
	if err != nil {
		t.Fatalf("For(T-1) again: %v", err)
	}
	if again != a {
		t.Fatal("expected Manager to cache the same logbook for a repeated task id")
	}

	b, err := mgr.For("T-2")
	if err != nil {
		t.Fatalf("For(T-2): %v", err)
	}
	if b.Path() == a.Path() {
		t.Fatal("expected distinct tasks to get distinct logbook files")
	}
	if _, err := filepath.Rel(dir, a.Path()); err != nil {
		t.Fatalf("expected T-1 logbook rooted under manager dir: %v", err)
	}
}
