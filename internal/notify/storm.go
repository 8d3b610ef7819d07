package notify

import (
	"fmt"
	"sync"
	"time"
)

// DefaultStormWindow and DefaultStormThreshold are used when a Policy
// leaves the storm batcher unconfigured.
const (
	DefaultStormWindow    = 10 * time.Second
	DefaultStormThreshold = 5
)

// Message is one rendered, ready-to-send notification.
type Message struct {
	TaskID    string
	EventType string
	Severity  Severity
	Channel   string
	Text      string
}

// Sink delivers a Message to its final destination (console, webhook,
// etc.). Send errors are counted by the caller and never propagated.
type Sink interface {
	Send(Message) error
}

type stormBucket struct {
	messages []Message
	timer    *time.Timer
}

// StormBatcher accumulates non-critical messages of the same event type
// into a rolling window, the same time.AfterFunc-driven shape the engine
// uses for its other debounced timers. Critical messages bypass batching
// entirely and are sent immediately.
type StormBatcher struct {
	window    time.Duration
	threshold int
	sink      Sink
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	buckets map[string]*stormBucket
}

// NewStormBatcher constructs a StormBatcher with the given window and
// threshold, defaulting either when non-positive.
func NewStormBatcher(window time.Duration, threshold int, sink Sink) *StormBatcher {
	if window <= 0 {
		window = DefaultStormWindow
	}
	if threshold <= 0 {
		threshold = DefaultStormThreshold
	}
	return &StormBatcher{
		window:    window,
		threshold: threshold,
		sink:      sink,
		afterFunc: time.AfterFunc,
		buckets:   map[string]*stormBucket{},
	}
}

// Submit hands msg to the batcher. Critical messages send immediately;
// everything else accumulates under msg.EventType until the window elapses.
func (b *StormBatcher) Submit(msg Message) error {
	if msg.Severity == SeverityCritical {
		return b.sink.Send(msg)
	}
	b.mu.Lock()
	bk, ok := b.buckets[msg.EventType]
	if !ok {
		bk = &stormBucket{}
		eventType := msg.EventType
		bk.timer = b.afterFunc(b.window, func() { b.Flush(eventType) })
		b.buckets[eventType] = bk
	}
	bk.messages = append(bk.messages, msg)
	b.mu.Unlock()
	return nil
}

// Flush closes out the window for eventType: if its accumulated count
// exceeds the threshold, one aggregated message is sent; otherwise every
// held message is sent individually.
func (b *StormBatcher) Flush(eventType string) {
	b.mu.Lock()
	bk := b.buckets[eventType]
	delete(b.buckets, eventType)
	b.mu.Unlock()
	if bk == nil || len(bk.messages) == 0 {
		return
	}
	if len(bk.messages) > b.threshold {
		agg := bk.messages[0]
		agg.Text = fmt.Sprintf("%s storm: %d events", eventType, len(bk.messages))
		_ = b.sink.Send(agg)
		return
	}
	for _, m := range bk.messages {
		_ = b.sink.Send(m)
	}
}
