package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Span attribute keys used by lease, batch and step spans
const (
	LeaseIDKey      = attribute.Key("lease.id")
	LeaseNameKey    = attribute.Key("lease.name")
	LeaseTypeKey    = attribute.Key("lease.type")
	LeaseOutcomeKey = attribute.Key("lease.outcome")
	JobIDKey        = attribute.Key("job.id")
	JobNameKey      = attribute.Key("job.name")
	BatchIDKey      = attribute.Key("batch.id")
	StepIDKey       = attribute.Key("step.id")
	StepNameKey     = attribute.Key("step.name")
	StepOutcomeKey  = attribute.Key("step.outcome")
	LogIDKey        = attribute.Key("log.id")

	grpcStatusKey = attribute.Key("rpc.grpc.status_code")
)

// TracerConfig holds configuration for distributed tracing
type TracerConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// AgentName identifies this machine in exported traces
	AgentName      string
	SampleRate     float64
	Insecure       bool
}

// TracerProvider owns the SDK provider so it can be flushed on exit
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// NewTracerProvider installs the global tracer provider. When tracing is
// disabled the provider records nothing and exports nothing.
func NewTracerProvider(cfg TracerConfig, logger *zap.Logger) (*TracerProvider, error) {
	if !cfg.Enabled {
		logger.Info("Tracing is disabled")
		return &TracerProvider{
			provider: sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())),
			logger:   logger,
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.AgentName != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.AgentName))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Exporting traces",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return &TracerProvider{provider: provider, logger: logger}, nil
}

func newExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// samplerFor follows the parent's decision and samples root spans (one per
// lease) at rate
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes buffered spans
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	tp.logger.Debug("Tracer provider stopped")
	return nil
}

// StartSpan starts a span on the named tracer of the global provider
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, sets its status and ends it. Cancellation
// is not treated as a span error.
func EndSpan(span trace.Span, err error, cancelled bool) {
	switch {
	case cancelled:
		span.SetStatus(codes.Unset, "cancelled")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// endClientSpan classifies a coordinator RPC result. A cancelled call is
// the agent shutting down, not a failure.
func endClientSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(grpcStatusKey.Int(int(code)))
	EndSpan(span, err, code == grpccodes.Canceled)
}

// InstrumentGRPCClient returns client interceptors that trace coordinator
// calls. Streams are long-lived so only their establishment is traced.
func InstrumentGRPCClient() (grpc.UnaryClientInterceptor, grpc.StreamClientInterceptor) {
	unary := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := startClientSpan(ctx, method)
		err := invoker(ctx, method, req, reply, cc, opts...)
		endClientSpan(span, err)
		return err
	}

	stream := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, span := startClientSpan(ctx, method)
		cs, err := streamer(ctx, desc, cc, method, opts...)
		endClientSpan(span, err)
		return cs, err
	}

	return unary, stream
}

func startClientSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if leaseID := GetLeaseID(ctx); leaseID != "" {
		attrs = append(attrs, LeaseIDKey.String(leaseID))
	}
	return otel.Tracer("grpc.client").Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}
