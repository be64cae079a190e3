package quickpulse

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// jitteredDelay adds up to 10% randomized wobble around base without
// changing its expected value's order of magnitude. It exists so that a
// fleet of SDK instances that all start failing at the same moment (e.g. a
// Live Metrics endpoint outage) do not all retry in lockstep; the fixed
// intervals and thresholds in state.go remain the source of truth for what
// base is.
func jitteredDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = base
	b.Multiplier = 1
	b.RandomizationFactor = 0.1
	b.Reset()
	return b.NextBackOff()
}
