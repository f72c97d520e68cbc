package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/demeterr/demeterr/internal/config"
)

// captureScope names the meter for recorder metrics observed by the runtime.
const captureScope = "github.com/demeterr/demeterr/internal/capture"

// telemetry owns the trace and meter providers installed as otel globals.
// metrics is nil when Prometheus is disabled.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	metrics http.Handler
}

// pipelineResource describes this daemon: which backends a session will
// reach is part of its identity when comparing traces.
func pipelineResource(cfg config.Config, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("demeterr.capture.device", cfg.Capture.Device),
		attribute.String("demeterr.stt.mode", cfg.STT.Mode),
		attribute.String("demeterr.analysis.mode", cfg.Analysis.Mode),
		attribute.String("demeterr.store.retention", cfg.Store.RetentionMode),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if cfg.STT.Mode == "openai" {
		attrs = append(attrs, attribute.String("demeterr.stt.model", cfg.STT.Model))
	}
	if cfg.Analysis.Mode == "openai" {
		attrs = append(attrs, attribute.String("demeterr.analysis.model", cfg.Analysis.Model))
	}
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

func setupTelemetry(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*telemetry, error) {
	res, err := pipelineResource(cfg, version)
	if err != nil {
		return nil, err
	}

	exporter, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	t := &telemetry{traces: sdktrace.NewTracerProvider(traceOpts...)}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Telemetry.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reader, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			logger.Warn("prometheus exporter unavailable, metrics are not served", slog.String("error", err.Error()))
		} else {
			meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
			t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		}
	}
	t.meters = sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.meters)

	logger.Info("telemetry initialized",
		slog.String("traces", traceTarget(cfg.Telemetry)),
		slog.Bool("prometheus", t.metrics != nil),
	)
	return t, nil
}

// spanExporter prefers OTLP, falls back to stdout, and returns nil when
// spans are only kept in-process.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	if cfg.StdoutTraces {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, nil
}

func traceTarget(cfg config.TelemetryConfig) string {
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		return "otlp"
	case cfg.StdoutTraces:
		return "stdout"
	default:
		return "none"
	}
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
