package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryConfig struct {
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	Multiplier     float64       `json:"multiplier"`
	Jitter         float64       `json:"jitter"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.3,
	}
}

// newBackOff builds the jittered exponential backoff used between step
// attempts. One instance per step dispatch; NextBackOff advances it.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}
