// Package telemetry wires OpenTelemetry metrics and log records for the
// relay and the renderer.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otellog "go.opentelemetry.io/otel/log"
	nooplog "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scope = "github.com/manamana32321/betternotify"

// Telemetry bundles the instruments every component records into.
type Telemetry struct {
	logger   otellog.Logger
	shutdown []func(context.Context) error

	NotificationsRelayed metric.Int64Counter
	NotificationsShown   metric.Int64Counter
	ActionsDispatched    metric.Int64Counter
	ProtocolErrors       metric.Int64Counter
	AvatarCacheHits      metric.Int64Counter
	AvatarCacheMisses    metric.Int64Counter
	AvatarFetchFailures  metric.Int64Counter
	AvatarFetchDuration  metric.Float64Histogram
}

// Nop records nothing.
func Nop() *Telemetry {
	t, _ := New(noopmetric.NewMeterProvider(), nooplog.NewLoggerProvider())
	return t
}

// New builds the instruments on the given providers.
func New(mp metric.MeterProvider, lp otellog.LoggerProvider) (*Telemetry, error) {
	meter := mp.Meter(scope)
	t := &Telemetry{logger: lp.Logger(scope)}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.NotificationsRelayed, "betternotify.notifications.relayed", "Notifications handed to the renderer connection"},
		{&t.NotificationsShown, "betternotify.notifications.shown", "Notifications displayed by the renderer"},
		{&t.ActionsDispatched, "betternotify.actions.dispatched", "User actions applied to the chat client"},
		{&t.ProtocolErrors, "betternotify.protocol.errors", "Malformed frames dropped"},
		{&t.AvatarCacheHits, "betternotify.avatar.cache.hits", "Avatar lookups served from disk"},
		{&t.AvatarCacheMisses, "betternotify.avatar.cache.misses", "Avatar lookups that needed a download"},
		{&t.AvatarFetchFailures, "betternotify.avatar.fetch.failures", "Avatar downloads that failed"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}
	t.AvatarFetchDuration, err = meter.Float64Histogram("betternotify.avatar.fetch.duration",
		metric.WithDescription("Avatar download time"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	return t, nil
}

// Setup exports over OTLP gRPC, configured by the standard OTEL_* env vars.
func Setup(ctx context.Context, serviceName string, interval time.Duration) (*Telemetry, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithInsecure())
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	t, err := New(meterProvider, loggerProvider)
	if err != nil {
		return nil, err
	}
	t.shutdown = []func(context.Context) error{meterProvider.Shutdown, loggerProvider.Shutdown}
	return t, nil
}

// Shutdown flushes exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Emit sends one structured log record.
func (t *Telemetry) Emit(ctx context.Context, event string, attrs ...otellog.KeyValue) {
	var r otellog.Record
	r.SetTimestamp(time.Now())
	r.SetBody(otellog.StringValue(event))
	r.AddAttributes(attrs...)
	t.logger.Emit(ctx, r)
}
