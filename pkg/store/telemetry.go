package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("composable/store")
	meter  = otel.Meter("composable/store")
)

var (
	actionsTotal    metric.Int64Counter
	actionsDropped  metric.Int64Counter
	effectsInFlight metric.Int64UpDownCounter
	logicErrors     metric.Int64Counter
	reduceDuration  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		actionsTotal, err = meter.Int64Counter("composable_store_actions_total",
			metric.WithDescription("Actions processed by stores"))
		if err != nil {
			metricsErr = err
			return
		}
		actionsDropped, err = meter.Int64Counter("composable_store_actions_dropped_total",
			metric.WithDescription("Actions dropped before reaching the reducer"))
		if err != nil {
			metricsErr = err
			return
		}
		effectsInFlight, err = meter.Int64UpDownCounter("composable_store_effects_in_flight",
			metric.WithDescription("Effects subscribed and not yet finished"))
		if err != nil {
			metricsErr = err
			return
		}
		logicErrors, err = meter.Int64Counter("composable_store_logic_errors_total",
			metric.WithDescription("Logic errors raised by stores, reported or not"))
		if err != nil {
			metricsErr = err
			return
		}
		reduceDuration, err = meter.Float64Histogram("composable_store_reduce_duration_seconds",
			metric.WithDescription("Time spent in the reducer per action"),
			metric.WithUnit("s"))
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startReduceSpan(ctx context.Context, store, action string, origin Origin) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store.Reduce", trace.WithAttributes(
		attribute.String("store.name", store),
		attribute.String("action.type", action),
		attribute.String("action.origin", origin.String()),
	))
}

func recordAction(ctx context.Context, store string, origin Origin, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("origin", origin.String()),
	)
	actionsTotal.Add(ctx, 1, attrs)
	reduceDuration.Record(ctx, d.Seconds(), attrs)
}

func recordDropped(ctx context.Context, store, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	actionsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("reason", reason),
	))
}

func recordInFlight(ctx context.Context, store string, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	effectsInFlight.Add(ctx, delta, metric.WithAttributes(attribute.String("store", store)))
}

func recordLogicError(ctx context.Context, store, code string) {
	if err := initMetrics(); err != nil {
		return
	}
	logicErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("code", code),
	))
}
