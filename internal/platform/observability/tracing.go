package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerProvider owns the process-wide OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	conn     *grpc.ClientConn
	name     string
}

// TracingOptions configures span export
type TracingOptions struct {
	ServiceName string
	Endpoint    string
	Enabled     bool
	// SampleRatio in [0,1]; 1 samples everything
	SampleRatio float64
}

// NewTracerProvider creates a tracer provider exporting over OTLP/gRPC. When
// disabled it installs nothing and Tracer returns a no-op tracer.
func NewTracerProvider(ctx context.Context, opts TracingOptions) (*TracerProvider, error) {
	if !opts.Enabled {
		return &TracerProvider{name: opts.ServiceName}, nil
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	conn, err := grpc.NewClient(
		opts.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, conn: conn, name: opts.ServiceName}, nil
}

// Tracer returns the application Tracer for this provider
func (tp *TracerProvider) Tracer() Tracer {
	if tp.provider == nil {
		return NewNoopTracer()
	}
	return NewTracer(tp.name)
}

// Shutdown flushes pending spans and closes the exporter connection
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := tp.provider.Shutdown(shutdownCtx)
	if cerr := tp.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
