package job

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
)

// TestExecutor simulates steps without running anything. Step names drive
// the result: a name containing "Warning" logs a warning, one containing
// "Error" logs an error and fails.
type TestExecutor struct {
	info BatchInfo
	// Delay is how long each step pretends to run
	Delay time.Duration
}

func NewTestExecutor(info BatchInfo) *TestExecutor {
	return &TestExecutor{info: info, Delay: time.Second}
}

func (e *TestExecutor) Initialize(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Initializing test executor",
		zap.String("job_id", e.info.JobID),
		zap.String("batch_id", e.info.BatchID),
		zap.String("agent_type", e.info.AgentType),
	)
	return nil
}

func (e *TestExecutor) Run(ctx context.Context, step *api.BeginStepResponse, logger *zap.Logger) (api.StepOutcome, error) {
	logger.Info("**** STARTING STEP ****", zap.String("step", step.Name), zap.Strings("arguments", step.Arguments))

	select {
	case <-time.After(e.Delay):
	case <-ctx.Done():
		return api.StepOutcomeFailure, context.Cause(ctx)
	}

	switch {
	case strings.Contains(step.Name, "Error"):
		logger.Error("Simulated step error", zap.String("step", step.Name))
		return api.StepOutcomeFailure, nil
	case strings.Contains(step.Name, "Warning"):
		logger.Warn("Simulated step warning", zap.String("step", step.Name))
	}

	logger.Info("**** FINISHED STEP ****", zap.String("step", step.Name))
	return api.StepOutcomeSuccess, nil
}

func (e *TestExecutor) Finalize(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Finalizing test executor")
	return nil
}
