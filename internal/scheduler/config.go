package scheduler

import "time"

// Config parameterizes one Scheduler instance (§4.3 Inputs).
type Config struct {
	DryRun                  bool
	DefaultLeaseTTL         time.Duration
	MaxConcurrentDispatches int
	MinDispatchInterval     time.Duration
	MaxDispatchesPerPoll    int
	StuckTaskThreshold      time.Duration
	AutoBlockStuckTasks     bool

	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryCeiling     time.Duration
	RetryJitter      float64
	CircuitBreaker   CircuitBreakerConfig
}

// CircuitBreakerConfig tunes the gobreaker-backed platform-limit circuit.
type CircuitBreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// withDefaults fills zero-valued fields with §4.3's documented defaults.
func (c Config) withDefaults() Config {
	if c.DefaultLeaseTTL <= 0 {
		c.DefaultLeaseTTL = 10 * time.Minute
	}
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = 5
	}
	if c.MaxDispatchesPerPoll <= 0 {
		c.MaxDispatchesPerPoll = c.MaxConcurrentDispatches
	}
	if c.StuckTaskThreshold <= 0 {
		c.StuckTaskThreshold = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 60 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.25
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.OpenTimeout <= 0 {
		c.CircuitBreaker.OpenTimeout = 30 * time.Second
	}
	return c
}
