package fixtures

import (
	"github.com/cloudless/buildfarm/pkg/api"
)

// NewPendingLease creates a lease as the coordinator first hands it out
func NewPendingLease(id string, task api.Task) *api.Lease {
	return &api.Lease{
		ID:      id,
		Name:    api.TaskKind(task) + " " + id,
		State:   api.LeaseStatePending,
		Payload: api.MustPayload(task),
	}
}

// NewCancelledLease creates the coordinator's view of a cancelled lease
func NewCancelledLease(id string, task api.Task) *api.Lease {
	l := NewPendingLease(id, task)
	l.State = api.LeaseStateCancelled
	return l
}

// NewJobTask creates a job batch task
func NewJobTask(jobID, batchID string) *api.ExecuteJobTask {
	return &api.ExecuteJobTask{
		JobID:   jobID,
		JobName: "Test Job " + jobID,
		BatchID: batchID,
	}
}

// ReadyStep creates a BeginStep response for a ready step
func ReadyStep(stepID, name string) *api.BeginStepResponse {
	return &api.BeginStepResponse{
		State:  api.BeginStepReady,
		StepID: stepID,
		Name:   name,
		LogID:  "log-" + stepID,
	}
}
