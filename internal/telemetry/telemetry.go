// Package telemetry exports delivery metrics over OpenTelemetry. It is off
// unless an exporter is configured; every recording call is a no-op until
// Init has run.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	mu           sync.RWMutex
	sendsTotal   metric.Int64Counter
	sendFailures metric.Int64Counter
	sweepQueued  metric.Int64Counter
)

// Init configures metric export. exporter is "stdout", "otlp", or "" to stay
// off. The returned shutdown flushes pending metrics; it is non-nil even when
// telemetry is off.
func Init(ctx context.Context, exporter string) (func(context.Context) error, error) {
	if exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	var reader sdkmetric.Reader
	switch exporter {
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	case "otlp":
		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", exporter)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "candled"),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/candleworks/candle")
	sends, err := meter.Int64Counter("candle.sends",
		metric.WithDescription("Messages accepted by the email API"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("candle.send_failures",
		metric.WithDescription("Delivery attempts that did not result in a send"))
	if err != nil {
		return nil, err
	}
	queued, err := meter.Int64Counter("candle.sweep_queued",
		metric.WithDescription("Jobs queued by sweep passes"))
	if err != nil {
		return nil, err
	}

	mu.Lock()
	sendsTotal, sendFailures, sweepQueued = sends, failures, queued
	mu.Unlock()

	return provider.Shutdown, nil
}

// RecordSend counts one delivery outcome. kind is "permanent" or "transient"
// for failures and ignored on success.
func RecordSend(ctx context.Context, ok bool, kind string) {
	mu.RLock()
	s, f := sendsTotal, sendFailures
	mu.RUnlock()
	if ok {
		if s != nil {
			s.Add(ctx, 1)
		}
		return
	}
	if f != nil {
		f.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordSweepQueued counts jobs queued by one sweep.
func RecordSweepQueued(ctx context.Context, n int) {
	mu.RLock()
	q := sweepQueued
	mu.RUnlock()
	if q != nil && n > 0 {
		q.Add(ctx, int64(n))
	}
}
