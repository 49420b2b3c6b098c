package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// ErrBlobNotFound is returned by compute executors when an input blob is missing
var ErrBlobNotFound = errors.New("blob not found")

// ComputeExecutor runs compute actions in dir
type ComputeExecutor interface {
	Execute(ctx context.Context, leaseID string, task *api.ComputeTask, dir string, logger *zap.Logger) (*api.ComputeResult, error)
}

// Conformer brings local workspaces into the requested state
type Conformer interface {
	Conform(ctx context.Context, workspaces []*api.Workspace, logger *zap.Logger) error
}

// BatchRunner runs the batch named by a job lease
type BatchRunner interface {
	Execute(ctx context.Context, leaseID, scratchDir string, task *api.ExecuteJobTask) (api.LeaseResult, error)
}

// Upgrader installs new agent software; it reports whether a restart is needed
type Upgrader interface {
	Upgrade(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) (bool, error)
}

// WorkspaceClient reports conformed workspaces to the coordinator
type WorkspaceClient interface {
	UpdateAgentWorkspaces(ctx context.Context, req *api.UpdateAgentWorkspacesRequest) (*api.UpdateAgentWorkspacesResponse, error)
}

// Dispatcher maps a lease payload to the handler for its task type
type Dispatcher struct {
	workspaces WorkspaceClient
	compute    ComputeExecutor
	conformer  Conformer
	batches    BatchRunner
	upgrader   Upgrader
	control    *Control
	agentID    func() string
	events     *observability.EventStream
}

// Dispatch decodes the lease payload and runs its handler. Payloads this
// agent does not understand fail the lease.
func (d *Dispatcher) Dispatch(ctx context.Context, lease *api.Lease, dir string, logger *zap.Logger) (api.LeaseResult, error) {
	task, err := lease.Payload.Decode()
	if err != nil {
		return api.LeaseFailed, err
	}

	switch t := task.(type) {
	case *api.ComputeTask:
		return d.runCompute(ctx, lease.ID, t, dir, logger)
	case *api.ConformTask:
		return d.runConform(ctx, lease.ID, t, logger)
	case *api.ExecuteJobTask:
		return d.batches.Execute(ctx, lease.ID, dir, t)
	case *api.UpgradeTask:
		return d.runUpgrade(ctx, t, logger)
	case *api.ShutdownTask:
		logger.Info("Setting shutdown flag")
		d.control.RequestShutdown(false)
		d.events.RecordEvent(ctx, observability.NewAgentEvent(observability.EventShutdownRequested, "Shutdown requested by lease "+lease.ID))
		return api.LeaseSucceeded, nil
	case *api.RestartTask:
		logger.Info("Setting restart flag")
		d.control.RequestShutdown(true)
		d.events.RecordEvent(ctx, observability.NewAgentEvent(observability.EventRestartRequested, "Restart requested by lease "+lease.ID))
		return api.LeaseSucceeded, nil
	default:
		return api.LeaseFailed, fmt.Errorf("%w: %T", api.ErrUnknownPayload, task)
	}
}

// runCompute always succeeds at the lease level; executor failures are
// reported inside the encoded result
func (d *Dispatcher) runCompute(ctx context.Context, leaseID string, task *api.ComputeTask, dir string, logger *zap.Logger) (api.LeaseResult, error) {
	logger.Info("Starting compute task")

	var result *api.ComputeResult
	var err error
	if d.compute == nil {
		err = errors.New("no compute executor is configured")
	} else {
		result, err = d.compute.Execute(ctx, leaseID, task, dir, logger)
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return api.LeaseCancelled, nil
	case errors.Is(err, ErrBlobNotFound):
		logger.Error("Blob not found while executing compute task", zap.Error(err))
		result = &api.ComputeResult{Outcome: api.ComputeOutcomeBlobNotFound, Detail: err.Error()}
	default:
		logger.Error("Exception while executing compute task", zap.Error(err))
		result = &api.ComputeResult{Outcome: api.ComputeOutcomeException, Detail: err.Error()}
	}

	output, err := api.Marshal(result)
	if err != nil {
		return api.LeaseFailed, fmt.Errorf("failed to encode compute result: %w", err)
	}
	return api.LeaseResult{Outcome: api.LeaseOutcomeSuccess, Output: output}, nil
}

// runConform repeats while the coordinator reports that the pending
// workspaces changed underneath us
func (d *Dispatcher) runConform(ctx context.Context, leaseID string, task *api.ConformTask, logger *zap.Logger) (api.LeaseResult, error) {
	logger.Info("Conforming", zap.Int("workspaces", len(task.Workspaces)))

	pending := task.Workspaces
	for {
		if d.conformer != nil {
			if err := d.conformer.Conform(ctx, pending, logger); err != nil {
				return api.LeaseFailed, fmt.Errorf("conform failed: %w", err)
			}
		} else {
			logger.Info("Skipping conform; no conformer is configured")
		}

		resp, err := d.workspaces.UpdateAgentWorkspaces(ctx, &api.UpdateAgentWorkspacesRequest{
			AgentID:    d.agentID(),
			Workspaces: pending,
		})
		if err != nil {
			return api.LeaseFailed, fmt.Errorf("failed to update agent workspaces: %w", err)
		}
		if !resp.Retry {
			logger.Info("Conform finished")
			return api.LeaseSucceeded, nil
		}

		logger.Info("Pending workspaces have changed; running conform again")
		pending = resp.PendingWorkspaces
	}
}

func (d *Dispatcher) runUpgrade(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) (api.LeaseResult, error) {
	restart, err := d.upgrader.Upgrade(ctx, task, logger)
	if err != nil {
		return api.LeaseFailed, fmt.Errorf("upgrade to %s failed: %w", task.SoftwareID, err)
	}
	if restart {
		logger.Info("Upgrade staged; requesting restart", zap.String("version", task.SoftwareID))
		d.control.RequestShutdown(true)
		d.events.RecordEvent(ctx, observability.NewAgentEvent(observability.EventUpgradeStaged, "Upgrade to "+task.SoftwareID+" staged"))
	}
	return api.LeaseSucceeded, nil
}
