package job

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
)

// Executor kinds accepted by NewExecutorFactory
const (
	ExecutorTest  = "test"
	ExecutorLocal = "local"
)

// BatchInfo is everything an executor learns about the batch it runs
type BatchInfo struct {
	JobID       string
	JobName     string
	BatchID     string
	LeaseID     string
	AgentType   string
	LogID       string
	Change      int64
	Environment []string
	// ScratchDir is the lease scratch directory, recreated for every lease
	ScratchDir string
}

// Executor runs the steps of one batch. Run is called once per ready step,
// sequentially, between Initialize and Finalize.
type Executor interface {
	Initialize(ctx context.Context, logger *zap.Logger) error
	Run(ctx context.Context, step *api.BeginStepResponse, logger *zap.Logger) (api.StepOutcome, error)
	Finalize(ctx context.Context, logger *zap.Logger) error
}

// ExecutorFactory creates the executor for a batch
type ExecutorFactory func(info BatchInfo) (Executor, error)

// NewExecutorFactory returns the factory for the named executor kind
func NewExecutorFactory(kind string, local LocalConfig) (ExecutorFactory, error) {
	switch kind {
	case ExecutorTest, "":
		return func(info BatchInfo) (Executor, error) {
			return NewTestExecutor(info), nil
		}, nil
	case ExecutorLocal:
		return func(info BatchInfo) (Executor, error) {
			return NewLocalExecutor(info, local), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", kind)
	}
}
