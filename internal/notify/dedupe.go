package notify

import (
	"sync"
	"time"
)

// DefaultDedupeWindow is used when a rule leaves DedupeWindow unset.
const DefaultDedupeWindow = 5 * time.Minute

// Deduper suppresses repeated (taskId, eventType) notifications routed
// within a rolling window.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper constructs an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: map[string]time.Time{}}
}

// Allow reports whether a notification for (taskID, eventType) may be sent
// at now, given window. neverSuppress bypasses the check entirely but still
// records the timestamp, so a later non-critical rule for the same key
// dedupes against it.
func (d *Deduper) Allow(taskID, eventType string, now time.Time, window time.Duration, neverSuppress bool) bool {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	key := taskID + "\x00" + eventType
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[key]
	if !ok || neverSuppress || now.Sub(last) >= window {
		d.seen[key] = now
		return true
	}
	return false
}
