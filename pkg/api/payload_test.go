package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPayloadDecode_AllTaskKinds(t *testing.T) {
	tests := []struct {
		name string
		task Task
		kind string
	}{
		{name: "compute", task: &ComputeTask{Action: []byte("act"), InputHash: "abc"}, kind: "compute"},
		{name: "conform", task: &ConformTask{LogID: "log-1", Workspaces: []*Workspace{{Identifier: "ws"}}}, kind: "conform"},
		{name: "job", task: &ExecuteJobTask{JobID: "job-1", BatchID: "b-1", JobName: "Nightly"}, kind: "job"},
		{name: "upgrade", task: &UpgradeTask{SoftwareID: "2.0.0", Compression: "zstd"}, kind: "upgrade"},
		{name: "shutdown", task: &ShutdownTask{}, kind: "shutdown"},
		{name: "restart", task: &RestartTask{LogID: "log-r"}, kind: "restart"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := NewPayload(tt.task)
			require.NoError(t, err)

			decoded, err := payload.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.task, decoded)
			assert.Equal(t, tt.kind, TaskKind(decoded))
		})
	}
}

func TestPayloadDecode_UnknownType(t *testing.T) {
	_, err := Payload{Type: "buildfarm.MysteryTask"}.Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPayload))
}

func TestPayloadDecode_LegacyUpgradeAliases(t *testing.T) {
	body, err := Marshal(&UpgradeTask{SoftwareID: "1.2.3"})
	require.NoError(t, err)

	for _, tag := range []string{"UpgradeTask", "agent.UpgradeTask"} {
		t.Run(tag, func(t *testing.T) {
			task, err := Payload{Type: tag, Body: body}.Decode()
			require.NoError(t, err)
			upgrade, ok := task.(*UpgradeTask)
			require.True(t, ok)
			assert.Equal(t, "1.2.3", upgrade.SoftwareID)
		})
	}
}

func TestPayloadDecode_MalformedBody(t *testing.T) {
	_, err := Payload{Type: TypeExecuteJobTask, Body: []byte{0xff, 0x00, 0x13}}.Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestLeaseState_Transitions(t *testing.T) {
	legal := map[[2]LeaseState]bool{
		{LeaseStatePending, LeaseStateActive}:   true,
		{LeaseStateActive, LeaseStateCompleted}: true,
		{LeaseStateActive, LeaseStateCancelled}: true,
	}
	states := []LeaseState{LeaseStatePending, LeaseStateActive, LeaseStateCompleted, LeaseStateCancelled}

	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, legal[[2]LeaseState{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestWorseOutcome(t *testing.T) {
	assert.Equal(t, StepOutcomeFailure, WorseOutcome(StepOutcomeSuccess, StepOutcomeFailure))
	assert.Equal(t, StepOutcomeWarnings, WorseOutcome(StepOutcomeWarnings, StepOutcomeSuccess))
	assert.Equal(t, StepOutcomeSuccess, WorseOutcome(StepOutcomeSuccess, StepOutcomeSuccess))
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsCancellation(status.Error(codes.Canceled, "client went away")))
	assert.False(t, IsCancellation(status.Error(codes.Unavailable, "down")))
	assert.False(t, IsCancellation(nil))
	assert.True(t, IsUnavailable(status.Error(codes.Unavailable, "down")))
}

func TestLeaseClone_IsDeep(t *testing.T) {
	lease := &Lease{ID: "l1", Payload: Payload{Type: TypeShutdownTask, Body: []byte{1, 2}}, Output: []byte{3}}
	clone := lease.Clone()
	clone.Payload.Body[0] = 9
	clone.Output[0] = 9
	assert.Equal(t, byte(1), lease.Payload.Body[0])
	assert.Equal(t, byte(3), lease.Output[0])
}
