package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
	"github.com/cloudless/buildfarm/test/testutil/fixtures"
	"github.com/cloudless/buildfarm/test/testutil/mocks"
)

func TestStatusAPI(t *testing.T) {
	events := observability.NewEventStream(observability.EventStreamConfig{}, zap.NewNop())
	cfg := testConfig(t)
	cfg.Events = events
	a := newTestAgent(t, cfg, mocks.NewFakeCoordinator())

	block := make(chan struct{})
	defer close(block)
	a.leases.run = func(ctx context.Context, _ *api.Lease) api.LeaseResult {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return api.LeaseCancelled
	}
	defer a.leases.CancelAll()
	a.leases.Reconcile([]*api.Lease{fixtures.NewPendingLease("L1", fixtures.NewJobTask("j", "b"))})
	events.RecordEvent(context.Background(), observability.NewAgentEvent(observability.EventShutdownRequested, "test"))

	h := NewStatusAPI(a, events, zap.NewNop())

	t.Run("leases", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leases", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var leases []LeaseView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leases))
		require.Len(t, leases, 1)
		assert.Equal(t, "L1", leases[0].ID)
		assert.Equal(t, "Active", leases[0].State)
		assert.Equal(t, api.TypeExecuteJobTask, leases[0].Type)
	})

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var s StatusView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
		assert.Equal(t, "test-agent", s.Name)
		assert.Equal(t, 1, s.Leases)
	})

	t.Run("events", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=agent.shutdown_requested&limit=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got []observability.Event
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, observability.EventShutdownRequested, got[0].Type)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?limit=x", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leases", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
