// Package telemetry wires the process-wide tracer provider. Spans are
// exported over OTLP HTTP; when the collector is unreachable they fall
// back to a condensed stderr dump so session traces are never silently
// lost.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "flume"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither config nor environment name one.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"))
	if certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

type settings struct {
	endpoint       string
	serviceVersion string
}

// Option adjusts telemetry initialisation.
type Option func(*settings)

// WithEndpoint routes span export to the given OTLP HTTP endpoint. The
// caller normally feeds this from the loaded config; an empty value is
// ignored so unset config fields can be passed through verbatim.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) {
		s.endpoint = strings.TrimSpace(endpoint)
	}
}

// WithServiceVersion stamps exported spans with the build version.
func WithServiceVersion(version string) Option {
	return func(s *settings) {
		s.serviceVersion = strings.TrimSpace(version)
	}
}

// Init configures the global tracer provider and returns an idempotent
// shutdown function that flushes pending spans.
func Init(ctx context.Context, opts ...Option) (func(), error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	endpoint := resolveEndpoint(cfg.endpoint)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(
			os.Stderr,
			"warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n",
			endpoint,
			err,
		)
		exporter = &stderrSpanExporter{out: os.Stderr}
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", serviceVersionOrDev(cfg.serviceVersion)),
			attribute.String("environment", resolveEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}

	return shutdown, nil
}

// resolveEndpoint prefers the configured endpoint, then the standard
// OTEL environment variable, then the local-collector default.
func resolveEndpoint(configured string) string {
	if configured != "" {
		return configured
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"FLUME_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func serviceVersionOrDev(version string) string {
	if version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- certificate path is explicitly provided by OTEL_EXPORTER_OTLP_CERTIFICATE configuration.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// stderrSpanExporter is the offline fallback. It prints one line per
// span, carrying the attributes this codebase puts on its spans so a
// session's lifecycle stays legible without a collector.
type stderrSpanExporter struct {
	out io.Writer
}

// spanContextAttributes are surfaced on the [SPAN] line when present.
var spanContextAttributes = []attribute.Key{"session_key", "tool_name", "invariant_name"}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		line := fmt.Sprintf("[SPAN] %s %s %v", span.Name(), duration, span.Status().Code)
		for _, key := range spanContextAttributes {
			if value, ok := spanAttribute(span, key); ok {
				line += fmt.Sprintf(" %s=%s", key, value)
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [EVENT] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func spanAttribute(span sdktrace.ReadOnlySpan, key attribute.Key) (string, bool) {
	for _, attr := range span.Attributes() {
		if attr.Key == key {
			return attr.Value.Emit(), true
		}
	}
	return "", false
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}
