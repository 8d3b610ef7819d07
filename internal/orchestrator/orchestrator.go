// Package orchestrator drives the scheduler on a periodic tick plus
// message-arrival events, owns process startup/shutdown, and wires the
// task store, protocol router, and notification policy into one running
// service.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/d0labs/aof-sub004/internal/eventlog"
	"github.com/d0labs/aof-sub004/internal/notify"
	"github.com/d0labs/aof-sub004/internal/protocol"
	"github.com/d0labs/aof-sub004/internal/scheduler"
)

// Deps bundles every collaborator the service ticks. Router and Policy are
// optional: a service with neither still runs the scheduler on its own.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Log       *eventlog.Log
	Router    *protocol.Router
	Policy    *notify.Policy
	Clock     func() time.Time
}

// Config tunes the tick loop.
type Config struct {
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Service runs the poll loop described above. The zero value is not
// usable; construct with New.
type Service struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	ticker   *time.Ticker
	cancel   context.CancelFunc
	group    *errgroup.Group
	pollNow  chan struct{}
	polling  int32
	stopped  bool
	lastErr  error
	eventSub eventlog.Subscription
}

// New builds a Service from deps and cfg. cfg is defaulted.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		log:     logger.With().Str("component", "orchestrator").Logger(),
		now:     clock,
		pollNow: make(chan struct{}, 1),
	}
}

// Start appends system.startup, runs one immediate poll, then schedules
// polls every cfg.PollInterval. It also subscribes to the event log so
// that protocol messages received out-of-band trigger a coalesced
// immediate poll via handleEvent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.cfg.PollInterval)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group
	s.mu.Unlock()

	if s.deps.Log != nil {
		if _, err := s.deps.Log.Log("system.startup", "orchestrator", "", nil); err != nil {
			s.log.Warn().Err(err).Msg("failed to append system.startup")
		}
		s.eventSub = s.deps.Log.SubscribeChannel(32)
		group.Go(func() error {
			s.watchEvents(groupCtx)
			return nil
		})
	}

	group.Go(func() error {
		s.run(groupCtx)
		return nil
	})

	s.requestPoll()
	return nil
}

// Stop cancels the timer, lets any in-flight poll complete, and appends
// system.shutdown. It does not flush the notification policy; messages
// still held in its storm batcher are not delivered.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	ticker := s.ticker
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}
	s.eventSub.Close()
	if s.group != nil {
		_ = s.group.Wait()
	}

	if s.deps.Log != nil {
		if _, err := s.deps.Log.Log("system.shutdown", "orchestrator", "", nil); err != nil {
			s.log.Warn().Err(err).Msg("failed to append system.shutdown")
		}
	}
}

// LastPollError returns the error from the most recent poll, if any.
func (s *Service) LastPollError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Service) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.poll(ctx)
		case <-s.pollNow:
			s.poll(ctx)
		}
	}
}

// requestPoll coalesces: if a poll is already queued, this is a no-op.
// Requests made while a poll is running collapse into one follow-up poll.
func (s *Service) requestPoll() {
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
}

func (s *Service) poll(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.polling, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.polling, 0)

	result, err := s.deps.Scheduler.Poll(ctx)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("poll failed")
		return
	}
	s.log.Debug().
		Int("actions", len(result.Actions)).
		Int64("durationMs", result.DurationMs).
		Msg("poll completed")
}

// watchEvents drains the event log subscription, routes any that look like
// inbound protocol messages, feeds the notification policy, and requests an
// immediate poll for anything that might change scheduler state.
func (s *Service) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.eventSub.Events:
			if !ok {
				return
			}
			s.handleEvent(e)
		}
	}
}

func (s *Service) handleEvent(e eventlog.Event) {
	if s.deps.Policy != nil {
		s.deps.Policy.Handle(e)
	}
	switch e.Type {
	case "protocol.message.received", "task.transitioned", "dependency.cascaded",
		"lease.expired", "concurrency.platformLimit":
		s.requestPoll()
	}
}

// HandleMessageReceived routes a raw inbound protocol message (from a
// transport outside the HTTP intake server, e.g. a CLI or message queue
// adapter) and requests an immediate poll, coalesced with any poll already
// queued.
func (s *Service) HandleMessageReceived(raw map[string]any) protocol.Outcome {
	var outcome protocol.Outcome
	if s.deps.Router != nil {
		outcome = s.deps.Router.HandleRaw(raw)
	}
	s.requestPoll()
	return outcome
}
