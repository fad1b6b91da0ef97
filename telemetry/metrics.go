// Package telemetry provides OpenTelemetry metric instruments for sync
// operations. Export is optional: without an OTLP endpoint the instruments
// are created against the global (no-op) meter provider, so recording is
// always safe.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	robosync "github.com/wolfeidau/robosync"
)

const meterName = "github.com/wolfeidau/robosync"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, export is disabled and all instruments are no-ops.
	OTLPEndpoint string

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the metric instruments recorded during synchronization.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	syncsTotal         metric.Int64Counter
	syncDuration       metric.Float64Histogram
	cacheLookupsTotal  metric.Int64Counter
	transferBytesTotal metric.Int64Counter

	provider *sdkmetric.MeterProvider
}

// New creates the metric instruments, wiring up OTLP export when an
// endpoint is configured.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	m := &Metrics{}

	meterProvider := otel.GetMeterProvider()
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}

		interval := cfg.FlushInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}

		res := resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		)
		m.provider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval))),
		)
		meterProvider = m.provider
	}

	meter := meterProvider.Meter(meterName)

	var err error
	if m.syncsTotal, err = meter.Int64Counter("robosync.syncs",
		metric.WithDescription("Sync operations by operation and outcome")); err != nil {
		return nil, fmt.Errorf("creating syncs counter: %w", err)
	}
	if m.syncDuration, err = meter.Float64Histogram("robosync.sync.duration",
		metric.WithDescription("Sync operation duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating sync duration histogram: %w", err)
	}
	if m.cacheLookupsTotal, err = meter.Int64Counter("robosync.cache.lookups",
		metric.WithDescription("Cache lookups by result")); err != nil {
		return nil, fmt.Errorf("creating cache lookups counter: %w", err)
	}
	if m.transferBytesTotal, err = meter.Int64Counter("robosync.transfer.bytes",
		metric.WithDescription("Payload bytes transferred by direction"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("creating transfer bytes counter: %w", err)
	}

	return m, nil
}

// Shutdown flushes and stops the exporter, if one was configured.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordSync records one completed sync operation.
func (m *Metrics) RecordSync(ctx context.Context, op string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	m.syncsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome(err)),
	))
	m.syncDuration.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
	))
}

// AddCacheLookup records a cache lookup result.
func (m *Metrics) AddCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// AddTransferBytes records payload bytes moved in the given direction
// ("download" or "upload").
func (m *Metrics) AddTransferBytes(ctx context.Context, direction string, n int64) {
	if m == nil {
		return
	}
	m.transferBytesTotal.Add(ctx, n, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// outcome maps an error to its taxonomy label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, robosync.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, robosync.ErrAuth):
		return "auth"
	case errors.Is(err, robosync.ErrNotFound):
		return "not_found"
	case errors.Is(err, robosync.ErrIntegrity):
		return "integrity"
	case errors.Is(err, robosync.ErrConflict):
		return "conflict"
	case errors.Is(err, robosync.ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
