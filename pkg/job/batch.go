package job

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

const tracerName = "buildfarm/job"

// Client is the subset of the coordinator API used to run a batch
type Client interface {
	StepPoller
	BeginBatch(ctx context.Context, req *api.BeginBatchRequest) (*api.BeginBatchResponse, error)
	FinishBatch(ctx context.Context, req *api.FinishBatchRequest) error
	BeginStep(ctx context.Context, req *api.BeginStepRequest) (*api.BeginStepResponse, error)
	UpdateStep(ctx context.Context, req *api.UpdateStepRequest) error
}

// Config configures a BatchExecutor
type Config struct {
	// WaitingStepDelay is the pause before asking again for a step that is waiting on dependencies
	WaitingStepDelay      time.Duration
	StepAbortPollInterval time.Duration
	MaxStepDuration       time.Duration

	NewExecutor ExecutorFactory
	// LogSink optionally receives each step's log
	LogSink LogSink
	Events  *observability.EventStream
	Logger  *zap.Logger
}

// BatchExecutor runs job batch leases: it walks the batch's steps one at a
// time, supervising each with a Watchdog, and reports step outcomes.
type BatchExecutor struct {
	client   Client
	cfg      Config
	watchdog *Watchdog
	logger   *zap.Logger
}

// NewBatchExecutor creates a batch executor
func NewBatchExecutor(client Client, cfg Config) *BatchExecutor {
	if cfg.WaitingStepDelay == 0 {
		cfg.WaitingStepDelay = 20 * time.Second
	}
	if cfg.StepAbortPollInterval == 0 {
		cfg.StepAbortPollInterval = 5 * time.Second
	}
	if cfg.MaxStepDuration == 0 {
		cfg.MaxStepDuration = 24 * time.Hour
	}
	if cfg.NewExecutor == nil {
		cfg.NewExecutor = func(info BatchInfo) (Executor, error) { return NewTestExecutor(info), nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &BatchExecutor{
		client:   client,
		cfg:      cfg,
		watchdog: NewWatchdog(client, cfg.StepAbortPollInterval, cfg.MaxStepDuration, cfg.Logger),
		logger:   cfg.Logger,
	}
}

// Watchdog exposes the step watchdog, mainly so callers can observe Live()
func (b *BatchExecutor) Watchdog() *Watchdog {
	return b.watchdog
}

// Execute runs one batch. Errors while running steps are logged and the
// batch is still finished; only cancellation and the BeginBatch/FinishBatch
// calls themselves produce an error.
func (b *BatchExecutor) Execute(ctx context.Context, leaseID, scratchDir string, task *api.ExecuteJobTask) (api.LeaseResult, error) {
	ctx = observability.WithJobID(ctx, task.JobID)
	ctx, span := observability.StartSpan(ctx, tracerName, "ExecuteBatch",
		observability.JobIDKey.String(task.JobID),
		observability.JobNameKey.String(task.JobName),
		observability.BatchIDKey.String(task.BatchID),
	)

	logger := b.logger.With(
		zap.String("lease_id", leaseID),
		zap.String("job_id", task.JobID),
		zap.String("batch_id", task.BatchID),
	)
	logger.Info("Executing job", zap.String("job_name", task.JobName))

	result, err := b.execute(ctx, leaseID, scratchDir, task, logger)
	observability.EndSpan(span, err, ctx.Err() != nil)
	return result, err
}

func (b *BatchExecutor) execute(ctx context.Context, leaseID, scratchDir string, task *api.ExecuteJobTask, logger *zap.Logger) (api.LeaseResult, error) {
	batch, err := b.client.BeginBatch(ctx, &api.BeginBatchRequest{
		JobID:   task.JobID,
		BatchID: task.BatchID,
		LeaseID: leaseID,
	})
	if err != nil {
		return api.LeaseFailed, fmt.Errorf("failed to begin batch: %w", err)
	}

	info := BatchInfo{
		JobID:       task.JobID,
		JobName:     task.JobName,
		BatchID:     task.BatchID,
		LeaseID:     leaseID,
		AgentType:   batch.AgentType,
		LogID:       batch.LogID,
		Change:      batch.Change,
		Environment: batch.Environment,
		ScratchDir:  scratchDir,
	}

	if err := b.executeBatch(ctx, info, logger); err != nil {
		if ctx.Err() != nil && api.IsCancellation(err) {
			return api.LeaseCancelled, err
		}
		logger.Error("Error while executing batch", zap.Error(err))
	}

	if err := b.client.FinishBatch(ctx, &api.FinishBatchRequest{
		JobID:   task.JobID,
		BatchID: task.BatchID,
		LeaseID: leaseID,
	}); err != nil {
		return api.LeaseFailed, fmt.Errorf("failed to finish batch: %w", err)
	}

	logger.Info("Batch finished")
	return api.LeaseSucceeded, nil
}

func (b *BatchExecutor) executeBatch(ctx context.Context, info BatchInfo, logger *zap.Logger) (err error) {
	executor, err := b.cfg.NewExecutor(info)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	logger.Info("Initializing executor", zap.String("agent_type", info.AgentType))
	if err := executor.Initialize(ctx, logger); err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}
	defer func() {
		// Finalize even when the lease was cancelled, with a bounded detached context
		finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		logger.Info("Finalizing executor")
		if ferr := executor.Finalize(finalizeCtx, logger); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to finalize executor: %w", ferr))
		}
	}()

	for {
		step, err := b.client.BeginStep(ctx, &api.BeginStepRequest{
			JobID:   info.JobID,
			BatchID: info.BatchID,
			LeaseID: info.LeaseID,
		})
		if err != nil {
			return fmt.Errorf("failed to begin step: %w", err)
		}

		switch step.State {
		case api.BeginStepWaiting:
			logger.Info("Waiting for dependency to be ready")
			select {
			case <-time.After(b.cfg.WaitingStepDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		case api.BeginStepComplete:
			return nil
		case api.BeginStepReady:
		default:
			logger.Error("Unexpected step state", zap.Stringer("state", step.State))
			return nil
		}

		if err := b.runStep(ctx, executor, info, step, logger); err != nil {
			return err
		}
	}
}

// runStep executes one ready step and reports its outcome
func (b *BatchExecutor) runStep(ctx context.Context, executor Executor, info BatchInfo, step *api.BeginStepResponse, batchLogger *zap.Logger) error {
	start := time.Now()
	batchLogger.Info("Starting step",
		zap.String("step_id", step.StepID),
		zap.String("step_name", step.Name),
	)

	stepCtx := observability.WithStepID(ctx, step.StepID)
	stepCtx, span := observability.StartSpan(stepCtx, tracerName, "ExecuteStep",
		observability.StepIDKey.String(step.StepID),
		observability.StepNameKey.String(step.Name),
		observability.LogIDKey.String(step.LogID),
	)

	var sink zapcore.Core
	if b.cfg.LogSink != nil {
		sink = b.cfg.LogSink(step.LogID)
	}
	stepLogger, tracker := newStepLogger(batchLogger.With(zap.String("step_id", step.StepID)), sink, step.Warnings)

	outcome, state, err := b.executeStep(stepCtx, executor, info, step, stepLogger)
	if sink != nil {
		_ = sink.Sync()
	}
	if err != nil {
		observability.EndSpan(span, err, true)
		return err
	}

	// Reflect warnings and errors written to the step log
	outcome = api.WorseOutcome(outcome, tracker.Outcome())
	span.SetAttributes(observability.StepOutcomeKey.String(outcome.String()))
	observability.EndSpan(span, nil, false)

	batchLogger.Info("Marking step as complete",
		zap.String("step_id", step.StepID),
		zap.Stringer("outcome", outcome),
		zap.Stringer("state", state),
	)
	if err := b.client.UpdateStep(ctx, &api.UpdateStepRequest{
		JobID:   info.JobID,
		BatchID: info.BatchID,
		StepID:  step.StepID,
		State:   state,
		Outcome: outcome,
	}); err != nil {
		return fmt.Errorf("failed to update step %s: %w", step.StepID, err)
	}

	observability.StepOutcomesTotal.WithLabelValues(outcome.String(), state.String()).Inc()
	observability.StepDurationSeconds.Observe(time.Since(start).Seconds())
	b.cfg.Events.RecordEvent(ctx, observability.NewStepFinishedEvent(info.JobID, info.BatchID, step.StepID, state.String(), outcome.String()))

	batchLogger.Info("Step completed", zap.String("step_id", step.StepID), zap.Duration("duration", time.Since(start)))
	return nil
}

// executeStep runs the step body under its own cancellation scope with a
// watchdog bound to it. The watchdog has always exited when this returns.
//
// Classification: body success gives (outcome, Completed); a cancelled lease
// is returned as an error; a watchdog abort gives (Failure, Aborted); any
// other failure gives (Failure, Completed).
func (b *BatchExecutor) executeStep(ctx context.Context, executor Executor, info BatchInfo, step *api.BeginStepResponse, logger *zap.Logger) (api.StepOutcome, api.StepState, error) {
	stepCtx, abort := context.WithCancelCause(ctx)
	defer abort(errStepFinished)

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		b.watchdog.Watch(stepCtx, StepRef{JobID: info.JobID, BatchID: info.BatchID, StepID: step.StepID}, abort, done)
		return nil
	})

	outcome, err := b.runBody(stepCtx, executor, step, logger)
	cause := context.Cause(stepCtx)

	close(done)
	abort(errStepFinished)
	_ = g.Wait()

	switch {
	case err == nil:
		return outcome, api.StepStateCompleted, nil
	case ctx.Err() != nil:
		logger.Info("The step was cancelled by batch/lease", zap.Error(err))
		return api.StepOutcomeFailure, api.StepStateUnspecified, fmt.Errorf("step %s: %w", step.StepID, context.Cause(ctx))
	case isStepAbort(cause):
		logger.Error("The step was intentionally cancelled", zap.NamedError("cause", cause))
		return api.StepOutcomeFailure, api.StepStateAborted, nil
	default:
		logger.Error("Exception while executing step", zap.Error(err))
		return api.StepOutcomeFailure, api.StepStateCompleted, nil
	}
}

// runBody calls the executor, turning a panic into an error
func (b *BatchExecutor) runBody(ctx context.Context, executor Executor, step *api.BeginStepResponse, logger *zap.Logger) (outcome api.StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = api.StepOutcomeFailure, fmt.Errorf("step panicked: %v", r)
		}
	}()
	return executor.Run(ctx, step, logger)
}
