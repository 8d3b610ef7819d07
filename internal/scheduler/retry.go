package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// retryGuard implements the spawn-failed recovery policy (§4.3 Retry
// guard). Its RNG is pluggable so jitter is deterministic under test,
// mirroring the teacher's WithClock option pattern applied to randomness
// instead of time.
type retryGuard struct {
	cfg Config
	rng func() float64 // returns a value in [0, 1)
}

func newRetryGuard(cfg Config, rng func() float64) *retryGuard {
	if rng == nil {
		rng = defaultRNG
	}
	return &retryGuard{cfg: cfg, rng: rng}
}

// Decision is what the retry guard recommends for a blocked, spawn-failed
// task.
type Decision int

const (
	DecisionHold Decision = iota
	DecisionRequeue
	DecisionDeadletter
)

// Evaluate decides what to do with a blocked task given its retry count,
// error class, and time since last blocked.
func (g *retryGuard) Evaluate(errorClass string, retryCount int, elapsedSinceBlocked time.Duration) Decision {
	if errorClass == string(ClassPermanent) {
		return DecisionDeadletter
	}
	if retryCount >= g.cfg.MaxRetries {
		return DecisionDeadletter
	}
	backoff := g.backoff(retryCount)
	if elapsedSinceBlocked >= backoff {
		return DecisionRequeue
	}
	return DecisionHold
}

// backoff computes min(base * 3^retryCount, ceiling) ± jitterFactor*delay.
func (g *retryGuard) backoff(retryCount int) time.Duration {
	base := float64(g.cfg.RetryBaseDelay)
	grown := base * math.Pow(3, float64(retryCount))
	ceiling := float64(g.cfg.RetryCeiling)
	delay := math.Min(grown, ceiling)
	jitterRange := delay * g.cfg.RetryJitter
	// rng() in [0,1) maps to [-jitterRange, +jitterRange).
	jitter := (g.rng()*2 - 1) * jitterRange
	result := delay + jitter
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

func defaultRNG() float64 {
	return rand.Float64()
}
