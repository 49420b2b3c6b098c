package observability

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// Metrics for coordinator calls
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_grpc_client_requests_total",
			Help: "Total number of coordinator RPCs",
		},
		[]string{"method", "code"},
	)

	grpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildfarm_grpc_client_request_duration_seconds",
			Help:    "Duration of unary coordinator RPCs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	grpcStreamMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_grpc_client_stream_messages_received_total",
			Help: "Total number of messages received on coordinator streams",
		},
		[]string{"method"},
	)

	grpcStreamMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_grpc_client_stream_messages_sent_total",
			Help: "Total number of messages sent on coordinator streams",
		},
		[]string{"method"},
	)
)

// codeOf maps an RPC error to its status code
func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// UnaryClientInterceptor returns a gRPC unary client interceptor for logging.
// Cancelled calls are logged at debug level since they are an expected part
// of lease cancellation.
func UnaryClientInterceptor(logger *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()

		logger.Debug("gRPC call started", zap.String("method", method))

		err := invoker(ctx, method, req, reply, cc, opts...)

		code := codeOf(err)
		fields := []zap.Field{
			zap.String("method", method),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", code.String()),
		}

		switch {
		case err == nil, code == codes.Canceled:
			logger.Debug("gRPC call completed", fields...)
		default:
			fields = append(fields, zap.Error(err))
			logger.Warn("gRPC call failed", fields...)
		}

		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor for logging
func StreamClientInterceptor(logger *zap.Logger) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		logger.Debug("gRPC stream started",
			zap.String("method", method),
			zap.Bool("client_stream", desc.ClientStreams),
			zap.Bool("server_stream", desc.ServerStreams),
		)

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			logger.Warn("gRPC stream failed to open",
				zap.String("method", method),
				zap.Error(err),
			)
			return nil, err
		}

		return &loggingClientStream{
			ClientStream: cs,
			method:       method,
			logger:       logger,
			start:        time.Now(),
		}, nil
	}
}

// UnaryMetricsInterceptor returns a gRPC unary client interceptor for metrics
func UnaryMetricsInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		grpcRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		grpcRequestsTotal.WithLabelValues(method, codeOf(err).String()).Inc()

		return err
	}
}

// StreamMetricsInterceptor returns a gRPC stream client interceptor for metrics
func StreamMetricsInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			grpcRequestsTotal.WithLabelValues(method, codeOf(err).String()).Inc()
			return nil, err
		}
		return &metricsClientStream{ClientStream: cs, method: method}, nil
	}
}

// loggingClientStream logs the end of a stream when RecvMsg reports it
type loggingClientStream struct {
	grpc.ClientStream
	method    string
	logger    *zap.Logger
	start     time.Time
	recvCount int
	sendCount int
}

func (w *loggingClientStream) SendMsg(m interface{}) error {
	err := w.ClientStream.SendMsg(m)
	if err == nil {
		w.sendCount++
	}
	return err
}

func (w *loggingClientStream) RecvMsg(m interface{}) error {
	err := w.ClientStream.RecvMsg(m)
	if err == nil {
		w.recvCount++
		return nil
	}

	fields := []zap.Field{
		zap.String("method", w.method),
		zap.Duration("duration", time.Since(w.start)),
		zap.Int("messages_received", w.recvCount),
		zap.Int("messages_sent", w.sendCount),
	}
	if errors.Is(err, io.EOF) || codeOf(err) == codes.Canceled {
		w.logger.Debug("gRPC stream completed", fields...)
	} else {
		fields = append(fields, zap.Error(err))
		w.logger.Warn("gRPC stream failed", fields...)
	}
	return err
}

// metricsClientStream counts stream messages and records the final code
type metricsClientStream struct {
	grpc.ClientStream
	method string
}

func (m *metricsClientStream) SendMsg(msg interface{}) error {
	err := m.ClientStream.SendMsg(msg)
	if err == nil {
		grpcStreamMessagesSent.WithLabelValues(m.method).Inc()
	}
	return err
}

func (m *metricsClientStream) RecvMsg(msg interface{}) error {
	err := m.ClientStream.RecvMsg(msg)
	switch {
	case err == nil:
		grpcStreamMessagesReceived.WithLabelValues(m.method).Inc()
	case errors.Is(err, io.EOF):
		grpcRequestsTotal.WithLabelValues(m.method, codes.OK.String()).Inc()
	default:
		grpcRequestsTotal.WithLabelValues(m.method, codeOf(err).String()).Inc()
	}
	return err
}
