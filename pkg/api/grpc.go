package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const serviceName = "buildfarm.Coordinator"

var (
	updateSessionDesc = &grpc.StreamDesc{
		StreamName:    "UpdateSession",
		ClientStreams: true,
		ServerStreams: true,
	}
	downloadSoftwareDesc = &grpc.StreamDesc{
		StreamName:    "DownloadSoftware",
		ServerStreams: true,
	}
)

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// DialConfig configures the gRPC connection to the coordinator
type DialConfig struct {
	Addr string

	// mTLS material; when any of these is empty the connection is insecure
	CertificateFile    string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool

	// Token is the bootstrap token sent with CreateSession
	Token string

	UnaryInterceptors  []grpc.UnaryClientInterceptor
	StreamInterceptors []grpc.StreamClientInterceptor

	Logger *zap.Logger
}

// GRPCChannel implements Channel over a grpc.ClientConn
type GRPCChannel struct {
	conn   *grpc.ClientConn
	token  *bearerToken
	logger *zap.Logger

	drainOnce sync.Once
	draining  chan struct{}
}

// DialChannel creates the coordinator channel. The connection is established
// lazily by gRPC on the first call.
func DialChannel(cfg DialConfig) (*GRPCChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	token := &bearerToken{bootstrap: cfg.Token}
	var opts []grpc.DialOption

	if cfg.CertificateFile != "" && cfg.KeyFile != "" && cfg.CAFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertificateFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to add CA certificate to pool")
		}

		tlsConfig := &tls.Config{
			Certificates:       []tls.Certificate{cert},
			RootCAs:            certPool,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS13,
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
		token.secure = true

		logger.Info("Using mTLS for coordinator connection",
			zap.String("cert", cfg.CertificateFile),
			zap.String("ca", cfg.CAFile),
		)
	} else {
		logger.Warn("Using insecure connection to coordinator (NOT SUITABLE FOR PRODUCTION)")
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	opts = append(opts,
		grpc.WithPerRPCCredentials(token),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(cfg.UnaryInterceptors...),
		grpc.WithChainStreamInterceptor(cfg.StreamInterceptors...),
	)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator: %w", err)
	}

	logger.Info("Coordinator channel created", zap.String("addr", cfg.Addr))

	return &GRPCChannel{
		conn:     conn,
		token:    token,
		logger:   logger,
		draining: make(chan struct{}),
	}, nil
}

// Draining implements Channel
func (c *GRPCChannel) Draining() <-chan struct{} {
	return c.draining
}

// SetToken implements Channel
func (c *GRPCChannel) SetToken(token string) {
	c.token.set(token)
}

// Close signals draining and closes the underlying connection
func (c *GRPCChannel) Close() error {
	c.drainOnce.Do(func() { close(c.draining) })
	return c.conn.Close()
}

// CreateSession always authenticates with the bootstrap token; the token of
// a previous session may have expired
func (c *GRPCChannel) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	resp := new(CreateSessionResponse)
	if err := c.conn.Invoke(withBootstrapToken(ctx), fullMethod("CreateSession"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCChannel) UpdateSession(ctx context.Context) (UpdateSessionStream, error) {
	cs, err := c.conn.NewStream(ctx, updateSessionDesc, fullMethod("UpdateSession"))
	if err != nil {
		return nil, err
	}
	return &updateSessionStream{ClientStream: cs}, nil
}

func (c *GRPCChannel) BeginBatch(ctx context.Context, req *BeginBatchRequest) (*BeginBatchResponse, error) {
	resp := new(BeginBatchResponse)
	if err := c.conn.Invoke(ctx, fullMethod("BeginBatch"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCChannel) FinishBatch(ctx context.Context, req *FinishBatchRequest) error {
	return c.conn.Invoke(ctx, fullMethod("FinishBatch"), req, new(Empty))
}

func (c *GRPCChannel) BeginStep(ctx context.Context, req *BeginStepRequest) (*BeginStepResponse, error) {
	resp := new(BeginStepResponse)
	if err := c.conn.Invoke(ctx, fullMethod("BeginStep"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCChannel) GetStep(ctx context.Context, req *GetStepRequest) (*GetStepResponse, error) {
	resp := new(GetStepResponse)
	if err := c.conn.Invoke(ctx, fullMethod("GetStep"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GRPCChannel) UpdateStep(ctx context.Context, req *UpdateStepRequest) error {
	return c.conn.Invoke(ctx, fullMethod("UpdateStep"), req, new(Empty))
}

func (c *GRPCChannel) DownloadSoftware(ctx context.Context, req *DownloadSoftwareRequest) (SoftwareStream, error) {
	cs, err := c.conn.NewStream(ctx, downloadSoftwareDesc, fullMethod("DownloadSoftware"))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &softwareStream{ClientStream: cs}, nil
}

func (c *GRPCChannel) UpdateAgentWorkspaces(ctx context.Context, req *UpdateAgentWorkspacesRequest) (*UpdateAgentWorkspacesResponse, error) {
	resp := new(UpdateAgentWorkspacesResponse)
	if err := c.conn.Invoke(ctx, fullMethod("UpdateAgentWorkspaces"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type updateSessionStream struct {
	grpc.ClientStream
}

func (s *updateSessionStream) Send(req *UpdateSessionRequest) error {
	return s.ClientStream.SendMsg(req)
}

func (s *updateSessionStream) Recv() (*UpdateSessionResponse, error) {
	resp := new(UpdateSessionResponse)
	if err := s.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type softwareStream struct {
	grpc.ClientStream
}

func (s *softwareStream) Recv() (*DownloadSoftwareResponse, error) {
	resp := new(DownloadSoftwareResponse)
	if err := s.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type bootstrapTokenKey struct{}

func withBootstrapToken(ctx context.Context) context.Context {
	return context.WithValue(ctx, bootstrapTokenKey{}, true)
}

// bearerToken attaches the session token to every call. Calls marked with
// withBootstrapToken, and every call before the first session, carry the
// bootstrap token instead.
type bearerToken struct {
	bootstrap string
	secure    bool

	mu      sync.RWMutex
	session string
}

func (t *bearerToken) set(token string) {
	t.mu.Lock()
	t.session = token
	t.mu.Unlock()
}

func (t *bearerToken) current(ctx context.Context) string {
	if ctx.Value(bootstrapTokenKey{}) != nil {
		return t.bootstrap
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.session == "" {
		return t.bootstrap
	}
	return t.session
}

func (t *bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token := t.current(ctx)
	if token == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (t *bearerToken) RequireTransportSecurity() bool {
	return t.secure
}
