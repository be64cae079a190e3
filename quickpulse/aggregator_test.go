package quickpulse

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ReadOnlySpan is a sealed interface (it carries an unexported method), so
// tests cannot hand-roll one; instead a throwaway TracerProvider produces
// genuine spans and a capturing SpanProcessor hands them back.
type spanCapturer struct{ span sdktrace.ReadOnlySpan }

func (c *spanCapturer) OnStart(context.Context, sdktrace.ReadWriteSpan) {}
func (c *spanCapturer) OnEnd(s sdktrace.ReadOnlySpan)                   { c.span = s }
func (c *spanCapturer) Shutdown(context.Context) error                  { return nil }
func (c *spanCapturer) ForceFlush(context.Context) error                { return nil }

func captureSpan(t *testing.T, kind trace.SpanKind, statusCode codes.Code, duration time.Duration, exception bool) sdktrace.ReadOnlySpan {
	t.Helper()
	capturer := &spanCapturer{}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(capturer))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tr := tp.Tracer("quickpulse_test")
	start := time.Now()
	_, span := tr.Start(context.Background(), "op", trace.WithSpanKind(kind), trace.WithTimestamp(start))
	if exception {
		span.AddEvent(eventNameException)
	}
	if statusCode != codes.Unset {
		span.SetStatus(statusCode, "")
	}
	span.End(trace.WithTimestamp(start.Add(duration)))
	return capturer.span
}

func serverSpan(t *testing.T, success bool, duration time.Duration) sdktrace.ReadOnlySpan {
	code := codes.Ok
	if !success {
		code = codes.Error
	}
	return captureSpan(t, trace.SpanKindServer, code, duration, false)
}

func clientSpan(t *testing.T, success bool, duration time.Duration, exception bool) sdktrace.ReadOnlySpan {
	code := codes.Ok
	if !success {
		code = codes.Error
	}
	return captureSpan(t, trace.SpanKindClient, code, duration, exception)
}

func TestDefaultRequestSuccess(t *testing.T) {
	ok := serverSpan(t, true, time.Millisecond)
	failed := serverSpan(t, false, time.Millisecond)
	if !defaultRequestSuccess(ok) {
		t.Fatalf("expected ok span to be a success")
	}
	if defaultRequestSuccess(failed) {
		t.Fatalf("expected error-status span to be a failure")
	}
}

func TestDefaultDependencySuccessUnsetIsUnknown(t *testing.T) {
	unset := captureSpan(t, trace.SpanKindClient, codes.Unset, time.Millisecond, false)
	if ok, _ := defaultDependencySuccess(unset); ok {
		t.Fatalf("expected Unset status to be an indeterminate verdict")
	}
}

func TestAggregatorCountSpanClassifiesByKind(t *testing.T) {
	a := newMetricsAggregator(nil, nil)

	a.countSpan(serverSpan(t, true, 100*time.Millisecond))
	a.countSpan(serverSpan(t, false, 50*time.Millisecond))
	a.countSpan(clientSpan(t, true, 10*time.Millisecond, false))
	a.countSpan(clientSpan(t, false, 10*time.Millisecond, true))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requestCount != 2 || a.requestFailedCount != 1 {
		t.Fatalf("unexpected request counters: count=%d failed=%d", a.requestCount, a.requestFailedCount)
	}
	if a.dependencyCount != 2 || a.dependencyFailedCount != 1 {
		t.Fatalf("unexpected dependency counters: count=%d failed=%d", a.dependencyCount, a.dependencyFailedCount)
	}
	if a.exceptionCount != 1 {
		t.Fatalf("expected 1 exception, got %d", a.exceptionCount)
	}
}

func TestAggregatorCollectAndResetOrderAndClearing(t *testing.T) {
	a := newMetricsAggregator(nil, nil)
	a.lastCollectionTime = time.Now().Add(-2 * time.Second)
	a.countSpan(serverSpan(t, true, 100*time.Millisecond))
	a.countSpan(clientSpan(t, true, 20*time.Millisecond, false))

	metrics := a.collectAndReset()
	wantOrder := []string{
		metricProcessorTime,
		metricCommittedBytes,
		metricRequestRate,
		metricRequestFailureRate,
		metricRequestDuration,
		metricDependencyRate,
		metricDependencyFailRate,
		metricDependencyDuration,
		metricExceptionRate,
	}
	if len(metrics) != len(wantOrder) {
		t.Fatalf("expected %d metrics, got %d: %+v", len(wantOrder), len(metrics), metrics)
	}
	for i, name := range wantOrder {
		if metrics[i].Name != name {
			t.Fatalf("metric %d: expected %q, got %q", i, name, metrics[i].Name)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requestCount != 0 || a.dependencyCount != 0 || a.exceptionCount != 0 {
		t.Fatalf("expected counters reset after collect, got %+v", a)
	}
}

func TestAggregatorCollectAndResetZeroElapsedOmitsRateMetrics(t *testing.T) {
	a := newMetricsAggregator(nil, nil)
	a.lastCollectionTime = time.Now()
	a.countSpan(serverSpan(t, true, time.Millisecond))

	metrics := a.collectAndReset()
	if len(metrics) != 2 {
		t.Fatalf("expected only CPU+memory metrics on zero elapsed window, got %+v", metrics)
	}
}

func TestAggregatorResetIsIdempotent(t *testing.T) {
	a := newMetricsAggregator(nil, nil)
	a.countSpan(serverSpan(t, true, time.Millisecond))
	a.reset()
	a.reset()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requestCount != 0 {
		t.Fatalf("expected reset to zero counters, got %d", a.requestCount)
	}
}
