package reconcile

import "time"

// Config holds the tunables of the reconciliation core.
type Config struct {
	// PollInterval is the cadence between ticks while a scope is polling.
	PollInterval time.Duration

	// ForcedRefreshDelay is how long after a successful command the forced
	// fetch fires, giving the backend time to reflect the change.
	ForcedRefreshDelay time.Duration

	// CallTimeout bounds every fetcher and dispatcher call so a hung
	// backend can never wedge a scope.
	CallTimeout time.Duration

	// RateLimitRPS caps backend calls per scope across ticks, manual
	// refreshes and forced refreshes.
	RateLimitRPS float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ForcedRefreshDelay < 0 {
		c.ForcedRefreshDelay = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 10.0
	}
	return c
}
