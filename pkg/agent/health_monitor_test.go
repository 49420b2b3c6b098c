package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/test/testutil/mocks"
)

// toggleCheck fails while failing is set
func toggleCheck(name string, failing *atomic.Bool) HealthCheck {
	return HealthCheck{
		Name: name,
		Check: func(context.Context) error {
			if failing.Load() {
				return errors.New(name + " is broken")
			}
			return nil
		},
	}
}

func TestHealthMonitor_Threshold(t *testing.T) {
	var failing atomic.Bool
	control := &Control{}
	hm := NewHealthMonitor([]HealthCheck{toggleCheck("scratch", &failing)}, control, time.Hour, zap.NewNop())

	require.True(t, hm.CheckOnce(context.Background()))
	assert.False(t, control.Unhealthy())

	failing.Store(true)
	assert.True(t, hm.CheckOnce(context.Background()))
	assert.True(t, hm.CheckOnce(context.Background()))
	assert.False(t, control.Unhealthy())

	assert.False(t, hm.CheckOnce(context.Background()))
	assert.True(t, control.Unhealthy())
	assert.Equal(t, []string{"scratch"}, hm.Failing())

	failing.Store(false)
	assert.True(t, hm.CheckOnce(context.Background()))
	assert.False(t, control.Unhealthy())
	assert.Empty(t, hm.Failing())
}

func TestHealthMonitor_KeepsOperatorFlag(t *testing.T) {
	var failing atomic.Bool
	control := &Control{}
	control.SetUnhealthy(true)

	hm := NewHealthMonitor([]HealthCheck{toggleCheck("scratch", &failing)}, control, time.Hour, zap.NewNop())
	assert.True(t, hm.CheckOnce(context.Background()))
	assert.True(t, control.Unhealthy())
}

func TestHealthMonitor_FailureCounterResets(t *testing.T) {
	var failing atomic.Bool
	control := &Control{}
	hm := NewHealthMonitor([]HealthCheck{toggleCheck("scratch", &failing)}, control, time.Hour, zap.NewNop())

	for i := 0; i < 5; i++ {
		failing.Store(true)
		hm.CheckOnce(context.Background())
		hm.CheckOnce(context.Background())
		failing.Store(false)
		hm.CheckOnce(context.Background())
	}
	assert.False(t, control.Unhealthy())
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, DiskSpaceCheck(dir, 1).Check(context.Background()))

	err := DiskSpaceCheck(dir, ^uint64(0)).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bytes free")
}

func TestAgent_FailingHealthCheckReportsUnhealthy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := mocks.NewFakeCoordinator()
	var sawUnhealthy atomic.Bool
	fake.UpdateSessionFunc = func(_ context.Context, req *api.UpdateSessionRequest, _ <-chan struct{}) (*api.UpdateSessionResponse, error) {
		if req.Status == api.AgentStatusUnhealthy && sawUnhealthy.CompareAndSwap(false, true) {
			cancel()
		}
		time.Sleep(5 * time.Millisecond)
		return &api.UpdateSessionResponse{}, nil
	}

	cfg := testConfig(t)
	cfg.HealthCheckInterval = time.Millisecond
	cfg.HealthChecks = []HealthCheck{{
		Name:  "always_failing",
		Check: func(context.Context) error { return errors.New("nope") },
	}}
	a := newTestAgent(t, cfg, fake)

	require.NoError(t, runWithTimeout(t, 5*time.Second, func() error { return a.Run(ctx) }))
	assert.True(t, sawUnhealthy.Load())
	assert.Equal(t, []string{"always_failing"}, a.Status().FailingHealthChecks)
}
