package observability

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProvider installs a stdout-exporting TracerProvider as the global
// provider, so every otel.Tracer(...) call in the core (the correlator
// stage's request/response spans) starts emitting. Returns a shutdown func
// to flush and close on daemon exit.
func NewTracerProvider(w io.Writer) (shutdown func(context.Context) error, err error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewMeterProvider installs a stdout-exporting MeterProvider as the global
// provider. This is a diagnostic companion to the Prometheus gauges/
// counters in Metrics, not a replacement: Prometheus backs scraping,
// this backs periodic stdout snapshots during local debugging sessions.
func NewMeterProvider(w io.Writer) (shutdown func(context.Context) error, err error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
