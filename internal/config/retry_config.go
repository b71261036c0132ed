// Package config defines connection autorecovery configuration.
package config

import (
	"time"
)

// PingBackoffConfig holds the ping/RPC retry backoff parameters handed to
// github.com/cenkalti/backoff/v4 by internal/connection's autorecovery loop.
type PingBackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RateLimitPerSec int
}

// GetPingBackoff returns the ping backoff configuration, shortened
// automatically in test environments.
func (c Config) GetPingBackoff() PingBackoffConfig {
	initial, max, mult := c.GetPingBackoffConfig()
	return PingBackoffConfig{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      mult,
		RateLimitPerSec: c.PingRateLimitPerSecond,
	}
}
