package quickpulse

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/alexbrt/opentelemetry-application-insights/telemetry/events"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/logging"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/metrics"
)

// Options configures a Processor. PingEndpoint and PostEndpoint are the only
// required fields; everything else degrades to a sensible no-op default.
type Options struct {
	// HTTPClient sends the ping/post requests. Defaults to http.DefaultClient.
	HTTPClient HTTPDoer

	// PingEndpoint and PostEndpoint are the Live Metrics ping and post URLs,
	// typically derived from the connection string's LiveEndpoint and an
	// instrumentation key/app id pair. Both are required.
	PingEndpoint *url.URL
	PostEndpoint *url.URL

	// RequestSuccess and DependencySuccess override the default span status
	// based success classification. Nil keeps the default.
	RequestSuccess    RequestSuccessFunc
	DependencySuccess DependencySuccessFunc

	// MetricsProvider receives self-observability counters for the control
	// loop (pings/posts/failures/redirects). Defaults to a no-op provider.
	MetricsProvider metrics.Provider

	// EventBus receives lifecycle events (collecting_started, send_failed,
	// redirect_applied, ...). Nil disables event publication.
	EventBus events.Bus

	// Logger receives a correlated info line alongside every published
	// lifecycle event. Nil disables logging.
	Logger logging.Logger

	clk clock
}

var errMissingEndpoint = errors.New("quickpulse: PingEndpoint and PostEndpoint are required")

func (o *Options) validate() error {
	if o.PingEndpoint == nil || o.PostEndpoint == nil {
		return errMissingEndpoint
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.clk == nil {
		o.clk = realClock{}
	}
}

// ShutdownTimeout is the advisory bound callers should apply to the ctx
// passed to Processor.Shutdown, matching the SDK TracerProvider's own
// default shutdown budget.
const ShutdownTimeout = 5 * time.Second
