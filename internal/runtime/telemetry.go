package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-mail/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/loqalabs/loqa-mail/internal/runtime"

// telemetry owns the daemon's tracer and meter providers. scrape serves the
// Prometheus registry behind /metrics.
type telemetry struct {
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	scrape http.Handler
	reg    metric.Registration
}

// newTelemetry installs global providers. Spans go to OTLP when an endpoint
// is configured, to stdout when trace_stdout is set, and nowhere otherwise.
func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	t := &telemetry{}
	if t.traces, err = traceProvider(ctx, cfg.Telemetry, res, logger); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.traces)

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("prometheus exporter unavailable, /metrics disabled", slogError(err))
		t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
		t.scrape = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	otel.SetMeterProvider(t.meters)
	return t, nil
}

func traceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case cfg.TraceStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing enabled", slog.String("exporter", "stdout"))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// observeClients reports the number of connected websocket clients.
func (t *telemetry) observeClients(h *hub) error {
	meter := t.meters.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("loqa.ws.clients",
		metric.WithDescription("Connected websocket clients"))
	if err != nil {
		return err
	}
	t.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(h.count()))
		return nil
	}, gauge)
	return err
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.reg != nil {
		errs = append(errs, t.reg.Unregister())
	}
	errs = append(errs, t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
	return errors.Join(errs...)
}
