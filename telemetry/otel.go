// Package telemetry wires OpenTelemetry logs and traces to an OTLP/HTTP
// collector.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const exportTimeout = 10 * time.Second

type Config struct {
	Endpoint    string
	Token       string
	ServiceName string
	Version     string
}

type ShutdownFunc func()

// New installs a global tracer provider and returns base stacked on an otel
// logger. An empty endpoint leaves base and the global providers untouched.
func New(ctx context.Context, cfg Config, base logger.Logger) (logger.Logger, ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return base, func() {}, nil
	}
	oltpURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error parsing oltpServerURL")
	}
	if oltpURL.Scheme == "" || oltpURL.Host == "" {
		return nil, nil, errors.Newf("error parsing oltpServerURL: %q is not absolute", cfg.Endpoint)
	}
	oltpURL.Path = "/v1/logs"
	logURL := oltpURL.String()
	oltpURL.Path = "/v1/traces"
	traceURL := oltpURL.String()
	insecure := oltpURL.Scheme == "http"

	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		if base != nil {
			base.Warn("partial telemetry resource: %s", err)
		}
	} else if err != nil {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}

	logExporterOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	traceExporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		logExporterOpts = append(logExporterOpts, otlploghttp.WithInsecure())
		traceExporterOpts = append(traceExporterOpts, otlptracehttp.WithInsecure())
	}

	logExporter, err := otlploghttp.New(ctx, logExporterOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	traceExporter, err := otlptracehttp.New(ctx, traceExporterOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log := logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), logger.LevelTrace)
	if base != nil {
		log = base.Stack(log)
	}

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		var result error
		if err := traceProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := logProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if result != nil && base != nil {
			base.Warn("telemetry shutdown: %s", result)
		}
	}, nil
}

// StartSpan starts a span and returns a logger tagged with its trace id.
func StartSpan(ctx context.Context, log logger.Logger, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, logger.Logger, trace.Span) {
	ctx, span := tracer.Start(ctx, name, opts...)
	if sc := span.SpanContext(); sc.HasTraceID() {
		log = log.With(map[string]interface{}{"trace_id": sc.TraceID().String()})
	}
	return ctx, log.WithContext(ctx), span
}
