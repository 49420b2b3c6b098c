package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/test/testutil/fixtures"
	"github.com/cloudless/buildfarm/test/testutil/mocks"
)

type computeFunc func(ctx context.Context, leaseID string, task *api.ComputeTask, dir string, logger *zap.Logger) (*api.ComputeResult, error)

func (f computeFunc) Execute(ctx context.Context, leaseID string, task *api.ComputeTask, dir string, logger *zap.Logger) (*api.ComputeResult, error) {
	return f(ctx, leaseID, task, dir, logger)
}

type batchFunc func(ctx context.Context, leaseID, scratchDir string, task *api.ExecuteJobTask) (api.LeaseResult, error)

func (f batchFunc) Execute(ctx context.Context, leaseID, scratchDir string, task *api.ExecuteJobTask) (api.LeaseResult, error) {
	return f(ctx, leaseID, scratchDir, task)
}

type upgradeFunc func(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) (bool, error)

func (f upgradeFunc) Upgrade(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) (bool, error) {
	return f(ctx, task, logger)
}

type recordingConformer struct {
	mu    sync.Mutex
	calls [][]*api.Workspace
	err   error
}

func (c *recordingConformer) Conform(_ context.Context, workspaces []*api.Workspace, _ *zap.Logger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, workspaces)
	return c.err
}

func newTestDispatcher(fake *mocks.FakeCoordinator) (*Dispatcher, *Control) {
	control := &Control{}
	return &Dispatcher{
		workspaces: fake,
		batches: batchFunc(func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
			return api.LeaseSucceeded, nil
		}),
		upgrader: upgradeFunc(func(context.Context, *api.UpgradeTask, *zap.Logger) (bool, error) {
			return false, nil
		}),
		control: control,
		agentID: func() string { return "agent-1" },
	}, control
}

func dispatch(t *testing.T, d *Dispatcher, lease *api.Lease) (api.LeaseResult, error) {
	t.Helper()
	return d.Dispatch(context.Background(), lease, t.TempDir(), zap.NewNop())
}

func decodeComputeResult(t *testing.T, output []byte) *api.ComputeResult {
	t.Helper()
	var r api.ComputeResult
	require.NoError(t, api.Unmarshal(output, &r))
	return &r
}

func TestDispatcher_UnknownPayload(t *testing.T) {
	d, _ := newTestDispatcher(mocks.NewFakeCoordinator())

	result, err := dispatch(t, d, &api.Lease{ID: "L1", Payload: api.Payload{Type: "bogus.Task"}})
	assert.ErrorIs(t, err, api.ErrUnknownPayload)
	assert.Equal(t, api.LeaseFailed, result)
}

func TestDispatcher_ShutdownAndRestart(t *testing.T) {
	tests := []struct {
		name        string
		task        api.Task
		wantRestart bool
	}{
		{name: "shutdown", task: &api.ShutdownTask{}},
		{name: "restart", task: &api.RestartTask{}, wantRestart: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, control := newTestDispatcher(mocks.NewFakeCoordinator())

			result, err := dispatch(t, d, fixtures.NewPendingLease("L1", tt.task))
			require.NoError(t, err)
			assert.Equal(t, api.LeaseSucceeded, result)
			assert.True(t, control.ShutdownRequested())
			assert.Equal(t, tt.wantRestart, control.RestartRequested())
		})
	}
}

func TestDispatcher_Compute(t *testing.T) {
	tests := []struct {
		name        string
		compute     ComputeExecutor
		wantOutcome api.ComputeOutcome
		wantDetail  string
		wantOutput  []byte
	}{
		{
			name: "success",
			compute: computeFunc(func(context.Context, string, *api.ComputeTask, string, *zap.Logger) (*api.ComputeResult, error) {
				return &api.ComputeResult{Output: []byte("digest")}, nil
			}),
			wantOutcome: api.ComputeOutcomeSuccess,
			wantOutput:  []byte("digest"),
		},
		{
			name: "missing blob",
			compute: computeFunc(func(context.Context, string, *api.ComputeTask, string, *zap.Logger) (*api.ComputeResult, error) {
				return nil, fmt.Errorf("input abc: %w", ErrBlobNotFound)
			}),
			wantOutcome: api.ComputeOutcomeBlobNotFound,
			wantDetail:  "input abc: blob not found",
		},
		{
			name: "executor error",
			compute: computeFunc(func(context.Context, string, *api.ComputeTask, string, *zap.Logger) (*api.ComputeResult, error) {
				return nil, errors.New("sandbox exploded")
			}),
			wantOutcome: api.ComputeOutcomeException,
			wantDetail:  "sandbox exploded",
		},
		{
			name:        "no executor configured",
			wantOutcome: api.ComputeOutcomeException,
			wantDetail:  "no compute executor is configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(mocks.NewFakeCoordinator())
			d.compute = tt.compute

			result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.ComputeTask{InputHash: "abc"}))
			require.NoError(t, err)
			assert.Equal(t, api.LeaseOutcomeSuccess, result.Outcome)

			cr := decodeComputeResult(t, result.Output)
			assert.Equal(t, tt.wantOutcome, cr.Outcome)
			assert.Equal(t, tt.wantDetail, cr.Detail)
			assert.Equal(t, tt.wantOutput, cr.Output)
		})
	}
}

func TestDispatcher_ComputeCancelled(t *testing.T) {
	d, _ := newTestDispatcher(mocks.NewFakeCoordinator())
	d.compute = computeFunc(func(ctx context.Context, _ string, _ *api.ComputeTask, _ string, _ *zap.Logger) (*api.ComputeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := d.Dispatch(ctx, fixtures.NewPendingLease("L1", &api.ComputeTask{}), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, api.LeaseCancelled, result)
}

func TestDispatcher_ConformRetriesWhileCoordinatorAsks(t *testing.T) {
	fake := mocks.NewFakeCoordinator()
	initial := []*api.Workspace{{Identifier: "ws-1", Stream: "//main"}}
	changed := []*api.Workspace{{Identifier: "ws-1", Stream: "//main"}, {Identifier: "ws-2", Stream: "//release"}}

	var requests []*api.UpdateAgentWorkspacesRequest
	fake.UpdateAgentWorkspacesFunc = func(_ context.Context, req *api.UpdateAgentWorkspacesRequest) (*api.UpdateAgentWorkspacesResponse, error) {
		requests = append(requests, req)
		if len(requests) == 1 {
			return &api.UpdateAgentWorkspacesResponse{Retry: true, PendingWorkspaces: changed}, nil
		}
		return &api.UpdateAgentWorkspacesResponse{}, nil
	}

	conformer := &recordingConformer{}
	d, _ := newTestDispatcher(fake)
	d.conformer = conformer

	result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.ConformTask{Workspaces: initial}))
	require.NoError(t, err)
	assert.Equal(t, api.LeaseSucceeded, result)

	require.Len(t, conformer.calls, 2)
	assert.Len(t, conformer.calls[0], 1)
	assert.Len(t, conformer.calls[1], 2)

	require.Len(t, requests, 2)
	assert.Equal(t, "agent-1", requests[0].AgentID)
	assert.Len(t, requests[1].Workspaces, 2)
}

func TestDispatcher_ConformFailures(t *testing.T) {
	t.Run("conformer error", func(t *testing.T) {
		fake := mocks.NewFakeCoordinator()
		d, _ := newTestDispatcher(fake)
		d.conformer = &recordingConformer{err: errors.New("disk full")}

		result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.ConformTask{}))
		assert.ErrorContains(t, err, "disk full")
		assert.Equal(t, api.LeaseFailed, result)
		assert.Equal(t, 0, fake.CallCount("UpdateAgentWorkspaces"))
	})

	t.Run("coordinator error", func(t *testing.T) {
		fake := mocks.NewFakeCoordinator()
		fake.UpdateAgentWorkspacesFunc = func(context.Context, *api.UpdateAgentWorkspacesRequest) (*api.UpdateAgentWorkspacesResponse, error) {
			return nil, errors.New("rejected")
		}
		d, _ := newTestDispatcher(fake)

		result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.ConformTask{}))
		assert.ErrorContains(t, err, "rejected")
		assert.Equal(t, api.LeaseFailed, result)
	})
}

func TestDispatcher_Upgrade(t *testing.T) {
	t.Run("staged upgrade requests restart", func(t *testing.T) {
		d, control := newTestDispatcher(mocks.NewFakeCoordinator())
		var got *api.UpgradeTask
		d.upgrader = upgradeFunc(func(_ context.Context, task *api.UpgradeTask, _ *zap.Logger) (bool, error) {
			got = task
			return true, nil
		})

		result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.UpgradeTask{SoftwareID: "2.0.0"}))
		require.NoError(t, err)
		assert.Equal(t, api.LeaseSucceeded, result)
		require.NotNil(t, got)
		assert.Equal(t, "2.0.0", got.SoftwareID)
		assert.True(t, control.RestartRequested())
	})

	t.Run("no-op upgrade keeps running", func(t *testing.T) {
		d, control := newTestDispatcher(mocks.NewFakeCoordinator())

		result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.UpgradeTask{SoftwareID: "1.0.0"}))
		require.NoError(t, err)
		assert.Equal(t, api.LeaseSucceeded, result)
		assert.False(t, control.ShutdownRequested())
	})

	t.Run("failed upgrade fails lease", func(t *testing.T) {
		d, control := newTestDispatcher(mocks.NewFakeCoordinator())
		d.upgrader = upgradeFunc(func(context.Context, *api.UpgradeTask, *zap.Logger) (bool, error) {
			return false, errors.New("digest mismatch")
		})

		result, err := dispatch(t, d, fixtures.NewPendingLease("L1", &api.UpgradeTask{SoftwareID: "2.0.0"}))
		assert.ErrorContains(t, err, "digest mismatch")
		assert.Equal(t, api.LeaseFailed, result)
		assert.False(t, control.RestartRequested())
	})
}

func TestLeaseExecutor_ClassifiesResults(t *testing.T) {
	tests := []struct {
		name   string
		lease  *api.Lease
		batch  batchFunc
		cancel bool
		want   api.LeaseResult
	}{
		{
			name:  "unknown payload fails",
			lease: &api.Lease{ID: "L1", Payload: api.Payload{Type: "bogus.Task"}},
			want:  api.LeaseFailed,
		},
		{
			name:  "handler error fails",
			lease: fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b")),
			batch: func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
				return api.LeaseSucceeded, errors.New("boom")
			},
			want: api.LeaseFailed,
		},
		{
			name:  "handler panic fails",
			lease: fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b")),
			batch: func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
				panic("nil map")
			},
			want: api.LeaseFailed,
		},
		{
			name:  "unspecified outcome succeeds",
			lease: fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b")),
			batch: func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
				return api.LeaseResult{}, nil
			},
			want: api.LeaseSucceeded,
		},
		{
			name:  "cancellation wins over handler result",
			lease: fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b")),
			batch: func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
				return api.LeaseSucceeded, nil
			},
			cancel: true,
			want:   api.LeaseCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(mocks.NewFakeCoordinator())
			if tt.batch != nil {
				d.batches = tt.batch
			}
			x := newLeaseExecutor(d, t.TempDir(), zap.NewNop())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}
			assert.Equal(t, tt.want, x.Run(ctx, tt.lease))
		})
	}
}

func TestLeaseExecutor_ScratchDirectory(t *testing.T) {
	workingDir := t.TempDir()
	stale := filepath.Join(workingDir, "leases", "L1", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	var seenDir string
	d, _ := newTestDispatcher(mocks.NewFakeCoordinator())
	d.batches = batchFunc(func(_ context.Context, leaseID, dir string, _ *api.ExecuteJobTask) (api.LeaseResult, error) {
		seenDir = dir
		entries, err := os.ReadDir(dir)
		if err != nil {
			return api.LeaseFailed, err
		}
		if len(entries) != 0 {
			return api.LeaseFailed, fmt.Errorf("scratch dir not empty: %d entries", len(entries))
		}
		return api.LeaseSucceeded, os.WriteFile(filepath.Join(dir, "out.txt"), []byte(leaseID), 0o644)
	})

	x := newLeaseExecutor(d, workingDir, zap.NewNop())
	result := x.Run(context.Background(), fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b")))
	assert.Equal(t, api.LeaseSucceeded, result)

	assert.Equal(t, filepath.Join(workingDir, "leases", "L1"), seenDir)
	_, err := os.Stat(seenDir)
	assert.True(t, os.IsNotExist(err))
}

func TestLeaseExecutor_RejectsUnsafeLeaseIDs(t *testing.T) {
	for _, id := range []string{"", ".", "..", "../upgrades", "a/b", "/etc"} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			workingDir := t.TempDir()
			sibling := filepath.Join(workingDir, "leases", "L2", "keep.txt")
			staged := filepath.Join(workingDir, "upgrades", "agent.new")
			for _, f := range []string{sibling, staged} {
				require.NoError(t, os.MkdirAll(filepath.Dir(f), 0o755))
				require.NoError(t, os.WriteFile(f, []byte("keep"), 0o644))
			}

			called := false
			d, _ := newTestDispatcher(mocks.NewFakeCoordinator())
			d.batches = batchFunc(func(context.Context, string, string, *api.ExecuteJobTask) (api.LeaseResult, error) {
				called = true
				return api.LeaseSucceeded, nil
			})

			x := newLeaseExecutor(d, workingDir, zap.NewNop())
			result := x.Run(context.Background(), fixtures.NewPendingLease(id, fixtures.NewJobTask("j", "b")))
			assert.Equal(t, api.LeaseFailed, result)
			assert.False(t, called)

			assert.FileExists(t, sibling)
			assert.FileExists(t, staged)
			assert.DirExists(t, workingDir)
		})
	}
}

func TestCheckLeaseID(t *testing.T) {
	assert.NoError(t, checkLeaseID("6620a2c9e1b1d3a1c2f0e7b4"))
	assert.NoError(t, checkLeaseID("..lease"))

	err := checkLeaseID("../x")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrMalformedResponse)
}
