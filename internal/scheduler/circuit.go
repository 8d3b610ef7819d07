package scheduler

import (
	"errors"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the platform-limit circuit is open and a
// dispatch is attempted anyway; the caller should stop dispatching for the
// remainder of the poll (§4.3 "Circuit-breaker seed").
var ErrCircuitOpen = errors.New("scheduler: platform-limit circuit is open")

// platformLimitBreaker wraps a consecutive run of platform_limit dispatch
// failures in a gobreaker circuit: once FailureThreshold consecutive
// platform-limit hits occur, the breaker opens and further dispatch()
// calls short-circuit until OpenTimeout elapses.
type platformLimitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newPlatformLimitBreaker(cfg CircuitBreakerConfig) *platformLimitBreaker {
	settings := gobreaker.Settings{
		Name:        "scheduler.platform_limit",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &platformLimitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Allow reports whether a dispatch may proceed right now without recording
// an attempt; applyAssign checks it before each dispatch and stops
// assigning further tasks this poll when it reports false.
func (b *platformLimitBreaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// RecordPlatformLimit reports a platform_limit dispatch failure to the
// breaker.
func (b *platformLimitBreaker) RecordPlatformLimit() {
	_, _ = b.cb.Execute(func() (any, error) {
		return nil, errPlatformLimitSentinel
	})
}

// RecordSuccess reports a successful dispatch, resetting the consecutive
// failure count.
func (b *platformLimitBreaker) RecordSuccess() {
	_, _ = b.cb.Execute(func() (any, error) {
		return nil, nil
	})
}

var errPlatformLimitSentinel = errors.New("scheduler: platform limit hit")
