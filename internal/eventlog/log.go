package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Log is an append-only, date-rotated JSONL event journal with synchronous
// subscriber fan-out (§4.7).
type Log struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	counter int64

	subMu sync.RWMutex
	subs  map[*channelSubscriber]struct{}
	hooks []Subscriber
}

// Option customizes Log construction.
type Option func(*Log)

// WithClock overrides the clock used for event timestamps and file rotation.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLogger attaches a zerolog.Logger used for subscriber-drop diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Open seeds the in-memory counter from the highest eventId found in any
// existing journal file under dir and returns a ready Log.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{
		dir:  dir,
		now:  time.Now,
		subs: map[*channelSubscriber]struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	seed, err := highestEventID(dir)
	if err != nil {
		return nil, err
	}
	l.counter = seed
	return l, nil
}

// Subscribe registers a hook invoked synchronously for every future event, in
// append order. Subscriber panics and errors never propagate to the caller.
func (l *Log) Subscribe(sub Subscriber) (cancel func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.hooks = append(l.hooks, sub)
	idx := len(l.hooks) - 1
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if idx < len(l.hooks) {
			l.hooks[idx] = nil
		}
	}
}

// SubscribeChannel returns a bounded channel fed with every future event.
// Capacity <= 0 uses the default. Call Close on the returned Subscription
// when done to stop receiving and release the channel.
func (l *Log) SubscribeChannel(capacity int) Subscription {
	sub := newChannelSubscriber(capacity, l.logger)
	l.subMu.Lock()
	l.subs[sub] = struct{}{}
	l.subMu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() {
			l.subMu.Lock()
			delete(l.subs, sub)
			l.subMu.Unlock()
			sub.close()
		},
	}
}

// Log constructs an event, assigns the next eventId, appends it, and fans it
// out to every subscriber. Subscriber failures are caught and logged; they
// never fail the write.
func (l *Log) Log(eventType, actor, taskID string, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: encode payload: %w", err)
	}
	l.mu.Lock()
	l.counter++
	event := Event{
		EventID:   l.counter,
		Type:      eventType,
		Actor:     actor,
		TaskID:    taskID,
		Timestamp: l.now().UTC(),
		Payload:   raw,
	}
	appendErr := l.append(event)
	l.mu.Unlock()
	if appendErr != nil {
		return Event{}, appendErr
	}
	l.dispatch(event)
	return event, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// dispatch invokes every registered hook and channel subscriber in order,
// recovering from panics so one misbehaving subscriber cannot take down the
// caller (§4.7 "tolerant of subscriber failure").
func (l *Log) dispatch(event Event) {
	l.subMu.RLock()
	hooks := append([]Subscriber(nil), l.hooks...)
	chans := make([]*channelSubscriber, 0, len(l.subs))
	for sub := range l.subs {
		chans = append(chans, sub)
	}
	l.subMu.RUnlock()
	for _, hook := range hooks {
		l.invokeSafely(hook, event)
	}
	for _, sub := range chans {
		sub.OnEvent(event)
	}
}

func (l *Log) invokeSafely(sub Subscriber, event Event) {
	if sub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("eventType", event.Type).Msg("eventlog: subscriber panicked")
		}
	}()
	sub.OnEvent(event)
}

// append writes event as one JSON line to the day's journal file under a
// process-wide advisory lock so concurrent producers interleave safely
// (§5 Shared resources).
func (l *Log) append(event Event) error {
	path := l.journalPath(event.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open journal: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("eventlog: lock journal: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

func (l *Log) journalPath(at time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("events.%s.jsonl", at.Format("2006-01-02")))
}

// Query describes a filter for Log.Query.
type Query struct {
	Type   string
	Since  time.Time
	Actor  string
	TaskID string
	Limit  int
}

// QueryEvents scans the journal files in order and returns events matching q.
func (l *Log) QueryEvents(q Query) ([]Event, error) {
	files, err := journalFiles(l.dir)
	if err != nil {
		return nil, err
	}
	var matches []Event
	for _, path := range files {
		events, err := readJournal(path)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if !matchesQuery(e, q) {
				continue
			}
			matches = append(matches, e)
			if q.Limit > 0 && len(matches) >= q.Limit {
				return matches, nil
			}
		}
	}
	return matches, nil
}

func matchesQuery(e Event, q Query) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

func journalFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: read dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".jsonl" {
			names = append(names, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

func readJournal(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("eventlog: decode %s: %w", path, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return events, nil
}

// highestEventID scans every journal file under dir and returns the largest
// eventId observed, or 0 if none exist (startup seeding, §4.7).
func highestEventID(dir string) (int64, error) {
	files, err := journalFiles(dir)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, path := range files {
		events, err := readJournal(path)
		if err != nil {
			return 0, err
		}
		for _, e := range events {
			if e.EventID > max {
				max = e.EventID
			}
		}
	}
	return max, nil
}
