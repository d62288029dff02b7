// Package tracing wires OpenTelemetry spans around the gateway's HTTP
// surface. Spans are exported over OTLP when an endpoint is configured;
// otherwise the provider samples and drops locally.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Options controls tracing initialization.
type Options struct {
	Enabled     bool
	Endpoint    string  // OTLP collector endpoint (host:port or URL)
	Protocol    string  // "grpc" (default) or "http"
	SampleRatio float64 // 0.0 - 1.0
	ServiceName string  // default "polystore"
}

// Init installs the global tracer provider and W3C propagators and returns a
// shutdown function for graceful drain. With Enabled false the globals are
// reset to no-ops and the returned shutdown does nothing.
func Init(ctx context.Context, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !opt.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(newResource(ctx, opt.ServiceName)),
		sdktrace.WithSampler(samplerFor(opt.SampleRatio)),
	}
	if exp := newExporter(ctx, opt); exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, service string) *resource.Resource {
	if strings.TrimSpace(service) == "" {
		service = "polystore"
	}
	res, err := resource.New(ctx,
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", service)),
	)
	if err != nil {
		slog.Warn("tracing: resource init failed", slog.String("error", err.Error()))
		return resource.Empty()
	}
	return res
}

// newExporter builds the OTLP exporter named by Options.Protocol, or nil when
// no endpoint is configured or the exporter cannot be constructed. A nil
// exporter leaves tracing sampled but unexported.
func newExporter(ctx context.Context, opt Options) sdktrace.SpanExporter {
	endpoint := strings.TrimSpace(opt.Endpoint)
	if endpoint == "" {
		slog.Info("tracing: enabled without endpoint; spans will not be exported")
		return nil
	}
	host := endpointHost(endpoint)

	switch strings.ToLower(strings.TrimSpace(opt.Protocol)) {
	case "http", "otlphttp", "otlp-http":
		hopts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		if insecureEndpoint(endpoint) {
			hopts = append(hopts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, hopts...)
		if err != nil {
			slog.Error("tracing: otlp http exporter init failed", slog.String("error", err.Error()))
			return nil
		}
		return exp
	default: // grpc
		gopts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(host)}
		if insecureEndpoint(endpoint) {
			gopts = append(gopts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, gopts...)
		if err != nil {
			slog.Error("tracing: otlp grpc exporter init failed", slog.String("error", err.Error()))
			return nil
		}
		return exp
	}
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Middleware opens a server span per request. Probe and metrics paths are
// skipped so scrape traffic does not drown out object operations.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/livez", "/readyz", "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		tracer := otel.Tracer("polystore/http")
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.EscapedPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.RequestURI()),
				attribute.String("net.peer.ip", peerAddr(r)),
				attribute.String("user_agent.original", r.UserAgent()),
			),
		)
		defer span.End()

		sw := &spanWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(
			attribute.Int("http.status_code", sw.status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type spanWriter struct {
	http.ResponseWriter
	status int
}

func (sw *spanWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// insecureEndpoint reports whether the endpoint should skip TLS: explicit
// http:// schemes and loopback targets.
func insecureEndpoint(endpoint string) bool {
	ep := strings.ToLower(strings.TrimSpace(endpoint))
	if strings.HasPrefix(ep, "http://") {
		return true
	}
	return strings.Contains(ep, "localhost") || strings.Contains(ep, "127.0.0.1")
}

// endpointHost strips an http(s) scheme; the OTLP clients want bare host:port.
func endpointHost(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(strings.ToLower(e), "http://"):
		return e[len("http://"):]
	case strings.HasPrefix(strings.ToLower(e), "https://"):
		return e[len("https://"):]
	}
	return e
}

func peerAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
