package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Context keys for correlation
type contextKey string

// The correlation id spans every request made on behalf of one lease
const (
	requestIDCtxKey     contextKey = "request-id"
	correlationIDCtxKey contextKey = "correlation-id"
	sessionIDCtxKey     contextKey = "session-id"
	leaseIDCtxKey       contextKey = "lease-id"
	jobIDCtxKey         contextKey = "job-id"
	stepIDCtxKey        contextKey = "step-id"
)

// Metadata keys for gRPC propagation
const (
	RequestIDMetadataKey     = "x-request-id"
	CorrelationIDMetadataKey = "x-correlation-id"
	LeaseIDMetadataKey       = "x-lease-id"
)

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDCtxKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return getValue(ctx, requestIDCtxKey)
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withValue(ctx, correlationIDCtxKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	return getValue(ctx, correlationIDCtxKey)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, sessionIDCtxKey, sessionID)
}

func GetSessionID(ctx context.Context) string {
	return getValue(ctx, sessionIDCtxKey)
}

// WithLeaseID tags the context with a lease. The lease ID doubles as the
// correlation ID for every RPC the lease makes.
func WithLeaseID(ctx context.Context, leaseID string) context.Context {
	ctx = withValue(ctx, leaseIDCtxKey, leaseID)
	return WithCorrelationID(ctx, leaseID)
}

func GetLeaseID(ctx context.Context) string {
	return getValue(ctx, leaseIDCtxKey)
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return withValue(ctx, jobIDCtxKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return getValue(ctx, jobIDCtxKey)
}

func WithStepID(ctx context.Context, stepID string) context.Context {
	return withValue(ctx, stepIDCtxKey, stepID)
}

func GetStepID(ctx context.Context) string {
	return getValue(ctx, stepIDCtxKey)
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation IDs from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if leaseID := GetLeaseID(ctx); leaseID != "" {
		fields = append(fields, zap.String("lease_id", leaseID))
	} else if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if jobID := GetJobID(ctx); jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	if stepID := GetStepID(ctx); stepID != "" {
		fields = append(fields, zap.String("step_id", stepID))
	}

	// Add trace ID if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}

// outgoingContext attaches correlation metadata to an outgoing call. Every
// call gets a fresh request ID unless the caller already set one.
func outgoingContext(ctx context.Context) context.Context {
	requestID := GetRequestID(ctx)
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	pairs := []string{RequestIDMetadataKey, requestID}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		pairs = append(pairs, CorrelationIDMetadataKey, correlationID)
	}
	if leaseID := GetLeaseID(ctx); leaseID != "" {
		pairs = append(pairs, LeaseIDMetadataKey, leaseID)
	}

	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// UnaryClientInterceptorWithCorrelation creates a gRPC client interceptor that propagates correlation IDs
func UnaryClientInterceptorWithCorrelation() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(outgoingContext(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptorWithCorrelation creates a gRPC stream client interceptor that propagates correlation IDs
func StreamClientInterceptorWithCorrelation() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(outgoingContext(ctx), desc, cc, method, opts...)
	}
}
