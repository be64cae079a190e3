// Command livemetrics-demo wires a TracerProvider with the live metrics span
// processor attached and emits one span per second, for manual
// smoke-testing against a real or mocked Live Metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/alexbrt/opentelemetry-application-insights/config"
	"github.com/alexbrt/opentelemetry-application-insights/quickpulse"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/events"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/health"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/logging"
	"github.com/alexbrt/opentelemetry-application-insights/telemetry/metrics"
)

func main() {
	var (
		pingURL     string
		postURL     string
		configPath  string
		metricsAddr string
		healthAddr  string
		roleName    string
	)
	flag.StringVar(&pingURL, "ping-endpoint", "http://localhost:8081/QuickPulseService.svc/ping", "Live Metrics ping URL")
	flag.StringVar(&postURL, "post-endpoint", "http://localhost:8081/QuickPulseService.svc/post", "Live Metrics post URL")
	flag.StringVar(&configPath, "config", "", "Optional YAML config file (cardinality limit, log level, HTTP timeout)")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose self-observability metrics on address (e.g. :9090)")
	flag.StringVar(&healthAddr, "health", "", "Expose control loop health on address (e.g. :9091)")
	flag.StringVar(&roleName, "role-name", "livemetrics-demo", "cloud role name reported in every envelope")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	metricsProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{CardinalityLimit: cfg.CardinalityLimit})
	bus := events.NewBus(metricsProvider)

	ping, err := url.Parse(pingURL)
	if err != nil {
		log.Fatalf("parse ping endpoint: %v", err)
	}
	post, err := url.Parse(postURL)
	if err != nil {
		log.Fatalf("parse post endpoint: %v", err)
	}

	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(
			attribute.String("service.name", roleName),
			attribute.String("ai.cloud.role", roleName),
			attribute.String("service.instance.id", hostnameOrUnknown()),
		),
	)
	if err != nil {
		log.Fatalf("build resource: %v", err)
	}

	processor, err := quickpulse.NewProcessor(res, quickpulse.Options{
		HTTPClient:      &http.Client{Timeout: cfg.HTTPTimeout},
		PingEndpoint:    ping,
		PostEndpoint:    post,
		MetricsProvider: metricsProvider,
		EventBus:        bus,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("create processor: %v", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(tp)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metricsProvider)
	}

	if healthAddr != "" {
		evaluator := health.NewEvaluator(2*time.Second, processor.HealthProbe())
		go serveHealth(healthAddr, evaluator)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received; shutting down")
		cancel()
	}()

	emitDemoSpans(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), quickpulse.ShutdownTimeout)
	defer shutdownCancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracer provider shutdown: %v", err)
	}
}

func emitDemoSpans(ctx context.Context) {
	tracer := otel.Tracer("livemetrics-demo")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, span := tracer.Start(ctx, "demo-request", oteltrace.WithSpanKind(oteltrace.SpanKindServer))
			if i%7 == 0 {
				span.SetStatus(codes.Error, "simulated failure")
			}
			span.End()
		}
	}
}

func serveMetrics(addr string, p *metrics.PrometheusProvider) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.MetricsHandler())
	log.Printf("self-observability metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server: %v", err)
	}
}

func serveHealth(addr string, evaluator *health.Evaluator) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := evaluator.Evaluate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	log.Printf("health listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("health server: %v", err)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
