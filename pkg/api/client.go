package api

import "context"

// CoordinatorClient is the coordinator RPC surface consumed by the agent
type CoordinatorClient interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)

	// UpdateSession opens the bidirectional session update stream. The
	// caller sends one request and keeps the send side open until it wants
	// the coordinator to answer.
	UpdateSession(ctx context.Context) (UpdateSessionStream, error)

	BeginBatch(ctx context.Context, req *BeginBatchRequest) (*BeginBatchResponse, error)
	FinishBatch(ctx context.Context, req *FinishBatchRequest) error
	BeginStep(ctx context.Context, req *BeginStepRequest) (*BeginStepResponse, error)
	GetStep(ctx context.Context, req *GetStepRequest) (*GetStepResponse, error)
	UpdateStep(ctx context.Context, req *UpdateStepRequest) error

	DownloadSoftware(ctx context.Context, req *DownloadSoftwareRequest) (SoftwareStream, error)
	UpdateAgentWorkspaces(ctx context.Context, req *UpdateAgentWorkspacesRequest) (*UpdateAgentWorkspacesResponse, error)
}

// UpdateSessionStream is the client side of the session update stream
type UpdateSessionStream interface {
	Send(*UpdateSessionRequest) error
	CloseSend() error
	Recv() (*UpdateSessionResponse, error)
}

// SoftwareStream yields chunks of a software package until io.EOF
type SoftwareStream interface {
	Recv() (*DownloadSoftwareResponse, error)
}

// Channel is a coordinator connection that can be replaced underneath the
// agent, for example when the coordinator migrates.
type Channel interface {
	CoordinatorClient

	// Draining is closed when the channel is about to be replaced. Long
	// polls should give up and let the caller retry on the new channel.
	Draining() <-chan struct{}

	// SetToken sets the session token attached to every call except
	// CreateSession, which keeps using the bootstrap token
	SetToken(token string)
}
