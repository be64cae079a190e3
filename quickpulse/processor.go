package quickpulse

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/sdk/resource"
	oteltrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alexbrt/opentelemetry-application-insights/telemetry/events"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/logging"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/metrics"
)

// message is sent on the control loop's single command channel. msgSend is
// reserved for a future explicit "send now" trigger (e.g. from ForceFlush);
// nothing enqueues it yet, so the loop only ever observes msgStop.
type message int

const (
	msgSend message = iota
	msgStop
)

// clock lets tests replace wall-clock waiting with a fake, without changing
// the control loop's shape.
type clock interface {
	Now() time.Time
	NewTimer(d time.Duration) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time                       { return time.Now() }
func (realClock) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

type metricsInstruments struct {
	pings     metrics.Counter
	posts     metrics.Counter
	failures  metrics.Counter
	redirects metrics.Counter
}

func newMetricsInstruments(p metrics.Provider) metricsInstruments {
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	return metricsInstruments{
		pings: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "livemetrics", Subsystem: "control_loop", Name: "pings_total", Help: "Total ping requests sent",
		}}),
		posts: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "livemetrics", Subsystem: "control_loop", Name: "posts_total", Help: "Total post requests sent",
		}}),
		failures: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "livemetrics", Subsystem: "control_loop", Name: "failures_total", Help: "Total failed send attempts", Labels: []string{"mode"},
		}}),
		redirects: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "livemetrics", Subsystem: "control_loop", Name: "redirects_total", Help: "Total endpoint redirects applied",
		}}),
	}
}

// Processor is an OpenTelemetry SpanProcessor that aggregates ended spans into
// Application Insights Live Metrics and drives the ping/post control loop
// against the Live Metrics backend. It is safe for concurrent use: the hot
// path (OnEnd) only ever touches an atomic bool and a mutex-guarded counter
// bump, never I/O.
type Processor struct {
	isCollecting atomic.Bool

	// lastSuccessUnixNano and consecutiveFailures back HealthProbe. They are
	// only ever written by the control loop goroutine in tick, and read by
	// whatever goroutine evaluates health, so both are plain atomics rather
	// than guarded by mu.
	lastSuccessUnixNano atomic.Int64
	consecutiveFailures atomic.Int64

	mu           sync.Mutex
	resourceData ResourceData
	aggregator   *metricsAggregator

	messages chan message
	wg       sync.WaitGroup

	streamID     string
	pingEndpoint *url.URL
	postEndpoint *url.URL
	up           *uploader
	clk          clock

	logger logging.Logger
	bus    events.Bus
	instr  metricsInstruments
}

// NewProcessor builds a Processor and starts its control loop goroutine.
// Callers must eventually call Shutdown to stop the loop.
func NewProcessor(res *resource.Resource, opts Options) (*Processor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	p := &Processor{
		resourceData: newResourceData(res),
		aggregator:   newMetricsAggregator(opts.RequestSuccess, opts.DependencySuccess),
		messages:     make(chan message, 1),
		streamID:     newStreamID(),
		pingEndpoint: opts.PingEndpoint,
		postEndpoint: opts.PostEndpoint,
		up:           newUploader(opts.HTTPClient),
		clk:          opts.clk,
		logger:       opts.Logger,
		bus:          opts.EventBus,
		instr:        newMetricsInstruments(opts.MetricsProvider),
	}

	p.lastSuccessUnixNano.Store(time.Now().UnixNano())

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// SetResource updates the identity fields written into every envelope. It is
// separate from NewProcessor because the SDK TracerProvider's resource is
// often only known once the provider itself is constructed.
func (p *Processor) SetResource(res *resource.Resource) {
	data := newResourceData(res)
	p.mu.Lock()
	p.resourceData = data
	p.mu.Unlock()
}

// OnStart implements sdktrace.SpanProcessor. Live Metrics only cares about
// completed spans, so there is nothing to do here.
func (p *Processor) OnStart(context.Context, oteltrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor. This is the hot path: it must stay
// cheap when Live Metrics is not actively being viewed in the portal.
func (p *Processor) OnEnd(s oteltrace.ReadOnlySpan) {
	if !p.isCollecting.Load() {
		return
	}
	p.aggregator.countSpan(s)
}

// ForceFlush implements sdktrace.SpanProcessor. The aggregator has no
// buffered-but-unsent spans to flush: every OnEnd call is already folded into
// the running counters, and the next control loop tick picks them up on its
// own schedule. There is nothing additional to do synchronously here.
func (p *Processor) ForceFlush(context.Context) error { return nil }

// Shutdown implements sdktrace.SpanProcessor. It signals the control loop to
// stop and waits for it to exit, bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	select {
	case p.messages <- msgStop:
	case <-ctx.Done():
		return &ShutdownFailedError{Reason: "stop signal could not be delivered before context deadline"}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &ShutdownFailedError{Reason: "control loop did not exit before context deadline"}
	}
}

// run is the single control loop goroutine. It owns mode, the current
// endpoint, and the last-success clock outright; nothing else touches them,
// so no lock is needed here.
func (p *Processor) run() {
	defer p.wg.Done()

	mode := ModePing
	endpoint := p.pingEndpoint
	lastSuccess := p.clk.Now()
	var pollingHint *time.Duration

	timer := p.clk.NewTimer(0)
	defer timer.Stop()

	for {
		// A pending stop is always honored ahead of a ready timer tick.
		select {
		case msg := <-p.messages:
			if msg == msgStop {
				return
			}
		default:
		}

		select {
		case msg := <-p.messages:
			if msg == msgStop {
				return
			}
		case <-timer.C:
			var delay time.Duration
			mode, endpoint, lastSuccess, pollingHint, delay = p.tick(mode, endpoint, lastSuccess, pollingHint)
			timer.Reset(delay)
		}
	}
}

// tick performs one send and returns the next mode/endpoint/delay along with
// updated success bookkeeping. It is a method only so it can reach the
// aggregator and uploader; it mutates no shared state except through the
// atomics (is_collecting and the health fields), the aggregator's reset
// (under the aggregator's own lock) and (on redirect) the endpoint fields,
// all of which are safe because only this goroutine writes them.
func (p *Processor) tick(mode Mode, endpoint *url.URL, lastSuccess time.Time, pollingHint *time.Duration) (nextMode Mode, nextEndpoint *url.URL, nextLastSuccess time.Time, nextPollingHint *time.Duration, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout(mode, lastSuccess))
	defer cancel()

	envelope := p.buildEnvelope(mode)
	if mode == ModePost {
		p.instr.posts.Inc(1)
	} else {
		p.instr.pings.Inc(1)
	}

	result, err := p.up.send(ctx, endpoint, mode, envelope)

	now := p.clk.Now()
	success := err == nil
	if !success {
		p.instr.failures.Inc(1, mode.String())
		p.logEvent("send_failed", map[string]any{"mode": mode.String(), "error": err.Error()})
	}

	nextLastSuccess = lastSuccess
	timeSinceLastSuccess := time.Duration(0)
	if success {
		nextLastSuccess = now
		p.lastSuccessUnixNano.Store(now.UnixNano())
		p.consecutiveFailures.Store(0)
		nextPollingHint = pollingHint
		if result.pollingIntervalHint != nil {
			nextPollingHint = result.pollingIntervalHint
		}
		if pingURL, postURL, redirected := p.applyRedirect(result.redirectedAuthority); redirected {
			p.pingEndpoint, p.postEndpoint = pingURL, postURL
			p.instr.redirects.Inc(1)
			p.logEvent("redirect_applied", map[string]any{"host": result.redirectedAuthority.Host})
		}
	} else {
		nextPollingHint = pollingHint
		timeSinceLastSuccess = clampNegativeDuration(now.Sub(lastSuccess))
		p.consecutiveFailures.Add(1)
	}

	out := computeTransition(transitionInput{
		mode:                 mode,
		success:              success,
		serverShouldPost:     success && result.shouldPost,
		timeSinceLastSuccess: timeSinceLastSuccess,
		pollingIntervalHint:  nextPollingHint,
	})

	wasCollecting := p.isCollecting.Load()
	if out.nextIsCollecting != wasCollecting {
		p.isCollecting.Store(out.nextIsCollecting)
		if out.nextIsCollecting {
			p.aggregator.reset()
			p.logEvent("collecting_started", nil)
		} else {
			p.logEvent("collecting_stopped", nil)
		}
	}

	nextMode = ModePing
	nextEndpoint = p.pingEndpoint
	if out.nextIsCollecting {
		nextMode = ModePost
		nextEndpoint = p.postEndpoint
	}

	delay = out.nextDelay
	if !success {
		// Jitter only the post-failure wait, so a fleet of clients that all
		// started failing at once does not retry in lockstep against the
		// portal. The fixed thresholds and base delays above are untouched.
		delay = jitteredDelay(delay)
	}

	return nextMode, nextEndpoint, nextLastSuccess, nextPollingHint, delay
}

func sendTimeout(mode Mode, lastSuccess time.Time) time.Duration {
	if mode == ModePost {
		return maxPostWaitTime
	}
	return maxPingWaitTime
}

// applyRedirect returns the updated ping/post endpoints when the backend
// sent a redirect directive, and whether one was applied.
func (p *Processor) applyRedirect(redirect *url.URL) (ping, post *url.URL, applied bool) {
	if redirect == nil {
		return p.pingEndpoint, p.postEndpoint, false
	}
	return replaceAuthority(p.pingEndpoint, redirect), replaceAuthority(p.postEndpoint, redirect), true
}

func (p *Processor) buildEnvelope(mode Mode) Envelope {
	p.mu.Lock()
	resData := p.resourceData
	p.mu.Unlock()

	var collected []Metric
	if mode == ModePost {
		collected = p.aggregator.collectAndReset()
	}
	return buildEnvelope(p.streamID, resData, collected, p.clk.Now())
}

func (p *Processor) logEvent(eventType string, fields map[string]any) {
	if p.bus != nil {
		_ = p.bus.Publish(events.Event{Category: events.CategoryLiveMetrics, Type: eventType, Fields: fields})
	}
	if p.logger != nil {
		p.logger.InfoCtx(context.Background(), "live metrics: "+eventType)
	}
}
