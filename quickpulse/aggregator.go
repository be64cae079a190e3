package quickpulse

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const eventNameException = "exception"

// RequestSuccessFunc classifies a Server/Consumer span as a successful
// request. The mapping from span status/attributes to "successful request" is
// owned by the enclosing tracer-to-telemetry layer and is out of scope here;
// the aggregator only consumes it as a pure function.
type RequestSuccessFunc func(oteltrace.ReadOnlySpan) bool

// DependencySuccessFunc classifies a Client/Producer/Internal span. It is
// tri-valued: ok reports whether a verdict could be reached at all, and
// success is only meaningful when ok is true. An "unknown" verdict never
// counts as a failure, per spec.
type DependencySuccessFunc func(span oteltrace.ReadOnlySpan) (ok, success bool)

func defaultRequestSuccess(span oteltrace.ReadOnlySpan) bool {
	return span.Status().Code != codes.Error
}

func defaultDependencySuccess(span oteltrace.ReadOnlySpan) (ok, success bool) {
	status := span.Status()
	switch status.Code {
	case codes.Error:
		return true, false
	case codes.Ok:
		return true, true
	default:
		return false, false
	}
}

// metricsAggregator holds the running request/dependency/exception counters
// fed by spans on the hot path and drained by the control loop. All mutation
// happens under mu; it is never held across I/O.
type metricsAggregator struct {
	mu sync.Mutex

	requestCount        int64
	requestFailedCount  int64
	requestDurationMS   float64
	dependencyCount       int64
	dependencyFailedCount int64
	dependencyDurationMS  float64
	exceptionCount        int64
	lastCollectionTime    time.Time

	requestSuccess    RequestSuccessFunc
	dependencySuccess DependencySuccessFunc
	sampler           systemSampler
}

func newMetricsAggregator(reqFn RequestSuccessFunc, depFn DependencySuccessFunc) *metricsAggregator {
	if reqFn == nil {
		reqFn = defaultRequestSuccess
	}
	if depFn == nil {
		depFn = defaultDependencySuccess
	}
	return &metricsAggregator{
		requestSuccess:     reqFn,
		dependencySuccess:  depFn,
		sampler:            newSystemSampler(),
		lastCollectionTime: time.Now(),
	}
}

// countSpan classifies a completed span and updates the running counters.
// Must only be called while is_collecting is true (enforced by the caller,
// Processor.OnEnd).
func (a *metricsAggregator) countSpan(span oteltrace.ReadOnlySpan) {
	duration := span.EndTime().Sub(span.StartTime())
	durationMS := float64(duration.Microseconds()) / 1000.0

	a.mu.Lock()
	switch span.SpanKind() {
	case trace.SpanKindServer, trace.SpanKindConsumer:
		a.requestCount++
		if !a.requestSuccess(span) {
			a.requestFailedCount++
		}
		a.requestDurationMS += durationMS
	case trace.SpanKindClient, trace.SpanKindProducer, trace.SpanKindInternal:
		a.dependencyCount++
		if ok, success := a.dependencySuccess(span); ok && !success {
			a.dependencyFailedCount++
		}
		a.dependencyDurationMS += durationMS
	default:
		a.dependencyCount++
		a.dependencyDurationMS += durationMS
	}

	for _, ev := range span.Events() {
		if ev.Name == eventNameException {
			a.exceptionCount++
		}
	}
	a.mu.Unlock()
}

// reset zeros all counters and restarts the collection window, without
// emitting metrics. Used on the false->true is_collecting transition so the
// next drain's rates only cover the collecting window.
func (a *metricsAggregator) reset() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
}

func (a *metricsAggregator) resetLocked() {
	a.requestCount = 0
	a.requestFailedCount = 0
	a.requestDurationMS = 0
	a.dependencyCount = 0
	a.dependencyFailedCount = 0
	a.dependencyDurationMS = 0
	a.exceptionCount = 0
	a.lastCollectionTime = time.Now()
}

// collectAndReset refreshes the CPU/memory samples, emits the metric vector
// in the stable order the spec defines, then zeros the counters.
func (a *metricsAggregator) collectAndReset() []Metric {
	cpuPct, usedMem := a.sampler.Sample()

	a.mu.Lock()
	defer a.mu.Unlock()

	metrics := make([]Metric, 0, 9)
	metrics = append(metrics,
		Metric{Name: metricProcessorTime, Value: cpuPct, Weight: 1},
		Metric{Name: metricCommittedBytes, Value: usedMem, Weight: 1},
	)

	elapsed := time.Since(a.lastCollectionTime).Seconds()
	elapsedSeconds := int64(elapsed)
	if elapsedSeconds == 0 {
		a.resetLocked()
		return metrics
	}

	requestCount := float64(a.requestCount)
	dependencyCount := float64(a.dependencyCount)

	metrics = append(metrics,
		Metric{Name: metricRequestRate, Value: requestCount / float64(elapsedSeconds), Weight: 1},
		Metric{Name: metricRequestFailureRate, Value: float64(a.requestFailedCount) / float64(elapsedSeconds), Weight: 1},
	)
	if a.requestCount > 0 {
		metrics = append(metrics, Metric{Name: metricRequestDuration, Value: a.requestDurationMS / requestCount, Weight: 1})
	}

	metrics = append(metrics,
		Metric{Name: metricDependencyRate, Value: dependencyCount / float64(elapsedSeconds), Weight: 1},
		Metric{Name: metricDependencyFailRate, Value: float64(a.dependencyFailedCount) / float64(elapsedSeconds), Weight: 1},
	)
	if a.dependencyCount > 0 {
		metrics = append(metrics, Metric{Name: metricDependencyDuration, Value: a.dependencyDurationMS / dependencyCount, Weight: 1})
	}

	metrics = append(metrics, Metric{Name: metricExceptionRate, Value: float64(a.exceptionCount) / float64(elapsedSeconds), Weight: 1})

	a.resetLocked()
	return metrics
}
