package observability

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetLeaseID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithLeaseID(ctx, "lease-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "lease-1", GetLeaseID(ctx))
	assert.Equal(t, "lease-1", GetCorrelationID(ctx))
	assert.Equal(t, "job-1", GetJobID(ctx))
	assert.Equal(t, "step-1", GetStepID(ctx))
}

func TestContextIDs_MatchSpanAttributes(t *testing.T) {
	ctx := WithLeaseID(context.Background(), "lease-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithStepID(ctx, "step-1")

	// Context values are not keyed by the span attribute keys
	assert.Nil(t, ctx.Value(LeaseIDKey))
	assert.Nil(t, ctx.Value(JobIDKey))
	assert.Nil(t, ctx.Value(StepIDKey))

	assert.Equal(t, "lease.id", string(LeaseIDKey.String(GetLeaseID(ctx)).Key))
	assert.Equal(t, "job-1", JobIDKey.String(GetJobID(ctx)).Value.AsString())
	assert.Equal(t, "step-1", StepIDKey.String(GetStepID(ctx)).Value.AsString())
}

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	assert.NotEqual(t, a, b)

	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestContextLogger(t *testing.T) {
	tests := []struct {
		name   string
		ctx    func(context.Context) context.Context
		fields map[string]interface{}
	}{
		{
			name:   "empty context",
			ctx:    func(ctx context.Context) context.Context { return ctx },
			fields: map[string]interface{}{},
		},
		{
			name: "correlation without lease",
			ctx: func(ctx context.Context) context.Context {
				return WithCorrelationID(ctx, "corr-1")
			},
			fields: map[string]interface{}{"correlation_id": "corr-1"},
		},
		{
			name: "lease step",
			ctx: func(ctx context.Context) context.Context {
				ctx = WithLeaseID(ctx, "lease-1")
				ctx = WithJobID(ctx, "job-1")
				return WithStepID(ctx, "step-1")
			},
			fields: map[string]interface{}{"lease_id": "lease-1", "job_id": "job-1", "step_id": "step-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			ContextLogger(tt.ctx(context.Background()), zap.New(core)).Info("message")

			require.Len(t, logs.All(), 1)
			assert.Equal(t, tt.fields, logs.All()[0].ContextMap())
		})
	}
}

func TestUnaryClientInterceptorWithCorrelation(t *testing.T) {
	interceptor := UnaryClientInterceptorWithCorrelation()

	var md metadata.MD
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	ctx := WithLeaseID(context.Background(), "lease-7")
	require.NoError(t, interceptor(ctx, "/buildfarm.Coordinator/BeginBatch", nil, nil, nil, invoker))

	assert.Equal(t, []string{"lease-7"}, md.Get(LeaseIDMetadataKey))
	assert.Equal(t, []string{"lease-7"}, md.Get(CorrelationIDMetadataKey))
	require.Len(t, md.Get(RequestIDMetadataKey), 1)
	assert.NotEmpty(t, md.Get(RequestIDMetadataKey)[0])
}

func TestStreamClientInterceptorWithCorrelation_KeepsRequestID(t *testing.T) {
	interceptor := StreamClientInterceptorWithCorrelation()

	var md metadata.MD
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ = metadata.FromOutgoingContext(ctx)
		return nil, nil
	}

	ctx := WithRequestID(context.Background(), "req-fixed")
	_, err := interceptor(ctx, &grpc.StreamDesc{}, nil, "/buildfarm.Coordinator/UpdateSession", streamer)
	require.NoError(t, err)

	assert.Equal(t, []string{"req-fixed"}, md.Get(RequestIDMetadataKey))
	assert.Empty(t, md.Get(LeaseIDMetadataKey))
}
