package quickpulse

import (
	"context"
	"fmt"
	"time"

	"github.com/alexbrt/opentelemetry-application-insights/telemetry/health"
)

const (
	healthProbeName = "quickpulse.control_loop"

	// degradedAfterFailures is the number of consecutive failed sends at
	// which the probe reports unhealthy; from one failure up to one fewer
	// than this it reports degraded. It is below
	// maxPingWaitTime/maxPostWaitTime deliberately, so an embedder's health
	// endpoint flags trouble before the control loop itself falls back.
	degradedAfterFailures = 3
)

// HealthProbe reports the control loop's connectivity as a health.Probe an
// embedder can register with its own health.Evaluator. It never blocks: both
// fields it reads are updated by the control loop goroutine via atomics.
func (p *Processor) HealthProbe() health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		failures := p.consecutiveFailures.Load()
		lastSuccess := time.Unix(0, p.lastSuccessUnixNano.Load())
		since := time.Since(lastSuccess)

		switch {
		case failures == 0:
			return health.Healthy(healthProbeName)
		case failures < degradedAfterFailures:
			return health.Degraded(healthProbeName, fmt.Sprintf("%d consecutive send failures, last success %s ago", failures, since.Round(time.Second)))
		default:
			return health.Unhealthy(healthProbeName, fmt.Sprintf("%d consecutive send failures, last success %s ago", failures, since.Round(time.Second)))
		}
	})
}
