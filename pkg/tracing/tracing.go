// Package tracing sets up the OpenTelemetry tracer provider for a worker process.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("tracing")

// Init installs a global tracer provider that writes finished spans as JSON to traceFile.
// If traceFile is empty the global no-op provider is left in place.
// The returned function flushes outstanding spans and closes the file.
func Init(traceFile, service, instance string) (func(context.Context) error, error) {
	if traceFile == "" {
		return func(context.Context) error { return nil }, nil
	}
	f, err := os.OpenFile(traceFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	tp, err := newProvider(f, service, instance)
	if err != nil {
		f.Close()
		return nil, err
	}
	otel.SetTracerProvider(tp)
	log.Debug("Writing traces to %s", traceFile)
	return func(ctx context.Context) error {
		defer f.Close()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("flushing traces: %w", err)
		}
		return nil
	}, nil
}

func newProvider(w io.Writer, service, instance string) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.instance.id", instance),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}
