package eventlog

import (
	"sync"

	"github.com/rs/zerolog"
)

const defaultChannelCapacity = 256

// Subscription is a live channel subscription to the log's event stream.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and releases its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// channelSubscriber fans events out onto a bounded channel without blocking
// the logger (§4.7 "tolerant of subscriber failure"). When the channel is
// full it takes the oldest queued event and either evicts it or, if it is
// critical and the incoming event is not, drops the incoming event and
// re-queues the oldest at the back of the channel.
type channelSubscriber struct {
	ch      chan Event
	logger  zerolog.Logger
	mu      sync.Mutex
	closed  bool
}

func newChannelSubscriber(capacity int, logger zerolog.Logger) *channelSubscriber {
	if capacity <= 0 {
		capacity = defaultChannelCapacity
	}
	return &channelSubscriber{ch: make(chan Event, capacity), logger: logger}
}

func (s *channelSubscriber) OnEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	oldest := <-s.ch
	if shouldEvictOldest(oldest, event) {
		s.logger.Warn().Str("droppedType", oldest.Type).Int64("droppedId", oldest.EventID).Msg("eventlog: subscriber backlog full, dropping oldest")
		s.ch <- event
		return
	}
	s.logger.Warn().Str("droppedType", event.Type).Int64("droppedId", event.EventID).Msg("eventlog: subscriber backlog full, dropping incoming")
	s.ch <- oldest
}

func (s *channelSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// shouldEvictOldest prefers to keep critical events in the channel over
// non-critical ones, falling back to age (evict the oldest) when both or
// neither side is critical.
func shouldEvictOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	if oldestCritical && !incomingCritical {
		return false
	}
	return true
}
