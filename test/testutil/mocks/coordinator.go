package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc/status"

	"github.com/cloudless/buildfarm/pkg/api"
)

// UpdateHandler answers one session update. closeSend is closed when the
// agent half-closes the stream.
type UpdateHandler func(ctx context.Context, req *api.UpdateSessionRequest, closeSend <-chan struct{}) (*api.UpdateSessionResponse, error)

// FakeCoordinator is an in-memory api.Channel. By default it behaves like a
// well-mannered coordinator: it hands out the configured server leases,
// drops leases the agent reports as terminal, and holds quiet session
// updates for PollDelay or until the agent half-closes the stream.
type FakeCoordinator struct {
	mu sync.Mutex

	// PollDelay bounds how long the default update handler holds a long-poll
	PollDelay time.Duration

	CreateSessionFunc         func(ctx context.Context, req *api.CreateSessionRequest) (*api.CreateSessionResponse, error)
	UpdateSessionFunc         UpdateHandler
	BeginBatchFunc            func(ctx context.Context, req *api.BeginBatchRequest) (*api.BeginBatchResponse, error)
	FinishBatchFunc           func(ctx context.Context, req *api.FinishBatchRequest) error
	BeginStepFunc             func(ctx context.Context, req *api.BeginStepRequest) (*api.BeginStepResponse, error)
	GetStepFunc               func(ctx context.Context, req *api.GetStepRequest) (*api.GetStepResponse, error)
	UpdateStepFunc            func(ctx context.Context, req *api.UpdateStepRequest) error
	DownloadSoftwareFunc      func(ctx context.Context, req *api.DownloadSoftwareRequest) ([][]byte, error)
	UpdateAgentWorkspacesFunc func(ctx context.Context, req *api.UpdateAgentWorkspacesRequest) (*api.UpdateAgentWorkspacesResponse, error)

	serverLeases   []*api.Lease
	calls          []string
	updateRequests []*api.UpdateSessionRequest
	stepUpdates    []*api.UpdateStepRequest
	tokens         []string
	sessions       int

	drainOnce sync.Once
	draining  chan struct{}
}

// NewFakeCoordinator creates a fake coordinator with no leases
func NewFakeCoordinator() *FakeCoordinator {
	return &FakeCoordinator{
		PollDelay: 10 * time.Millisecond,
		draining:  make(chan struct{}),
	}
}

// SetServerLeases replaces the coordinator's view of this agent's leases
func (f *FakeCoordinator) SetServerLeases(leases ...*api.Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverLeases = nil
	for _, l := range leases {
		f.serverLeases = append(f.serverLeases, l.Clone())
	}
}

// ServerLeases returns a copy of the coordinator's lease view
func (f *FakeCoordinator) ServerLeases() []*api.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneLeases(f.serverLeases)
}

// Calls returns the method names invoked so far, in order
func (f *FakeCoordinator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times method was invoked
func (f *FakeCoordinator) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// UpdateRequests returns every session update request received
func (f *FakeCoordinator) UpdateRequests() []*api.UpdateSessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*api.UpdateSessionRequest(nil), f.updateRequests...)
}

// StepUpdates returns every UpdateStep request received
func (f *FakeCoordinator) StepUpdates() []*api.UpdateStepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*api.UpdateStepRequest(nil), f.stepUpdates...)
}

// Tokens returns every bearer token set on the channel
func (f *FakeCoordinator) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// Drain closes the Draining channel
func (f *FakeCoordinator) Drain() {
	f.drainOnce.Do(func() { close(f.draining) })
}

func (f *FakeCoordinator) record(method string) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
}

func (f *FakeCoordinator) Draining() <-chan struct{} {
	return f.draining
}

func (f *FakeCoordinator) SetToken(token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
}

func (f *FakeCoordinator) CreateSession(ctx context.Context, req *api.CreateSessionRequest) (*api.CreateSessionResponse, error) {
	f.record("CreateSession")
	if f.CreateSessionFunc != nil {
		return f.CreateSessionFunc(ctx, req)
	}

	f.mu.Lock()
	f.sessions++
	n := f.sessions
	f.mu.Unlock()

	return &api.CreateSessionResponse{
		AgentID:   "agent-1",
		SessionID: fmt.Sprintf("session-%d", n),
		Token:     "token",
	}, nil
}

func (f *FakeCoordinator) UpdateSession(ctx context.Context) (api.UpdateSessionStream, error) {
	f.record("UpdateSession")
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &fakeUpdateStream{
		ctx:       ctx,
		fake:      f,
		closeSend: make(chan struct{}),
		results:   make(chan updateResult, 1),
	}, nil
}

// defaultUpdate drops leases the agent reports as terminal and answers with
// the remaining server view. It answers at once when there is news for
// either side and otherwise holds the poll for PollDelay.
func (f *FakeCoordinator) defaultUpdate(ctx context.Context, req *api.UpdateSessionRequest, closeSend <-chan struct{}) (*api.UpdateSessionResponse, error) {
	f.mu.Lock()
	known := make(map[string]bool, len(req.Leases))
	terminal := make(map[string]bool)
	for _, l := range req.Leases {
		known[l.ID] = true
		if l.State.Terminal() {
			terminal[l.ID] = true
		}
	}
	news := len(terminal) > 0 || req.Status == api.AgentStatusStopping
	kept := f.serverLeases[:0]
	for _, l := range f.serverLeases {
		if terminal[l.ID] {
			continue
		}
		if !known[l.ID] {
			news = true
		}
		kept = append(kept, l)
	}
	f.serverLeases = kept
	delay := f.PollDelay
	f.mu.Unlock()

	if !news {
		select {
		case <-closeSend:
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}

	return &api.UpdateSessionResponse{Leases: f.ServerLeases()}, nil
}

func (f *FakeCoordinator) BeginBatch(ctx context.Context, req *api.BeginBatchRequest) (*api.BeginBatchResponse, error) {
	f.record("BeginBatch")
	if f.BeginBatchFunc != nil {
		return f.BeginBatchFunc(ctx, req)
	}
	return &api.BeginBatchResponse{AgentType: "Test", LogID: "log-" + req.BatchID}, nil
}

func (f *FakeCoordinator) FinishBatch(ctx context.Context, req *api.FinishBatchRequest) error {
	f.record("FinishBatch")
	if f.FinishBatchFunc != nil {
		return f.FinishBatchFunc(ctx, req)
	}
	return nil
}

func (f *FakeCoordinator) BeginStep(ctx context.Context, req *api.BeginStepRequest) (*api.BeginStepResponse, error) {
	f.record("BeginStep")
	if f.BeginStepFunc != nil {
		return f.BeginStepFunc(ctx, req)
	}
	return &api.BeginStepResponse{State: api.BeginStepComplete}, nil
}

func (f *FakeCoordinator) GetStep(ctx context.Context, req *api.GetStepRequest) (*api.GetStepResponse, error) {
	f.record("GetStep")
	if f.GetStepFunc != nil {
		return f.GetStepFunc(ctx, req)
	}
	return &api.GetStepResponse{}, nil
}

func (f *FakeCoordinator) UpdateStep(ctx context.Context, req *api.UpdateStepRequest) error {
	f.record("UpdateStep")
	f.mu.Lock()
	f.stepUpdates = append(f.stepUpdates, req)
	f.mu.Unlock()
	if f.UpdateStepFunc != nil {
		return f.UpdateStepFunc(ctx, req)
	}
	return nil
}

func (f *FakeCoordinator) DownloadSoftware(ctx context.Context, req *api.DownloadSoftwareRequest) (api.SoftwareStream, error) {
	f.record("DownloadSoftware")
	var chunks [][]byte
	if f.DownloadSoftwareFunc != nil {
		var err error
		if chunks, err = f.DownloadSoftwareFunc(ctx, req); err != nil {
			return nil, err
		}
	}
	return &fakeSoftwareStream{chunks: chunks}, nil
}

func (f *FakeCoordinator) UpdateAgentWorkspaces(ctx context.Context, req *api.UpdateAgentWorkspacesRequest) (*api.UpdateAgentWorkspacesResponse, error) {
	f.record("UpdateAgentWorkspaces")
	if f.UpdateAgentWorkspacesFunc != nil {
		return f.UpdateAgentWorkspacesFunc(ctx, req)
	}
	return &api.UpdateAgentWorkspacesResponse{}, nil
}

type updateResult struct {
	resp *api.UpdateSessionResponse
	err  error
}

type fakeUpdateStream struct {
	ctx  context.Context
	fake *FakeCoordinator

	sendOnce  sync.Once
	closeOnce sync.Once
	closeSend chan struct{}
	results   chan updateResult
	delivered bool
}

func (s *fakeUpdateStream) Send(req *api.UpdateSessionRequest) error {
	s.fake.mu.Lock()
	s.fake.updateRequests = append(s.fake.updateRequests, req)
	handler := s.fake.UpdateSessionFunc
	s.fake.mu.Unlock()

	if handler == nil {
		handler = s.fake.defaultUpdate
	}

	s.sendOnce.Do(func() {
		go func() {
			resp, err := handler(s.ctx, req, s.closeSend)
			s.results <- updateResult{resp: resp, err: err}
		}()
	})
	return nil
}

func (s *fakeUpdateStream) CloseSend() error {
	s.closeOnce.Do(func() { close(s.closeSend) })
	return nil
}

func (s *fakeUpdateStream) Recv() (*api.UpdateSessionResponse, error) {
	if s.delivered {
		return nil, io.EOF
	}
	select {
	case r := <-s.results:
		s.delivered = true
		if r.err == nil && r.resp == nil {
			return nil, io.EOF
		}
		return r.resp, r.err
	case <-s.ctx.Done():
		s.delivered = true
		return nil, status.FromContextError(s.ctx.Err()).Err()
	}
}

type fakeSoftwareStream struct {
	chunks [][]byte
}

func (s *fakeSoftwareStream) Recv() (*api.DownloadSoftwareResponse, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return &api.DownloadSoftwareResponse{Data: chunk}, nil
}

func cloneLeases(leases []*api.Lease) []*api.Lease {
	out := make([]*api.Lease, 0, len(leases))
	for _, l := range leases {
		out = append(out, l.Clone())
	}
	return out
}
