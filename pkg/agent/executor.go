package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

const tracerName = "buildfarm/agent"

// LeaseExecutor runs a single lease: it prepares the lease scratch
// directory, dispatches the payload and turns whatever happens into a
// LeaseResult. It never panics and never returns an error.
type LeaseExecutor struct {
	dispatcher *Dispatcher
	leaseDir   string
	logger     *zap.Logger
}

func newLeaseExecutor(dispatcher *Dispatcher, workingDir string, logger *zap.Logger) *LeaseExecutor {
	return &LeaseExecutor{
		dispatcher: dispatcher,
		leaseDir:   filepath.Join(workingDir, "leases"),
		logger:     logger,
	}
}

// Run implements LeaseRunner
func (x *LeaseExecutor) Run(ctx context.Context, lease *api.Lease) api.LeaseResult {
	ctx, span := observability.StartSpan(ctx, tracerName, "HandleLease",
		observability.LeaseIDKey.String(lease.ID),
		observability.LeaseNameKey.String(lease.Name),
		observability.LeaseTypeKey.String(lease.Payload.Type),
	)

	logger := observability.ContextLogger(ctx, x.logger)
	logger.Info("Handling lease", zap.String("name", lease.Name), zap.String("type", lease.Payload.Type))

	result, err := x.run(ctx, lease, logger)

	switch {
	case ctx.Err() != nil:
		// The coordinator cancelled the lease; whatever the handler said is moot
		logger.Info("Lease was cancelled", zap.NamedError("handler_error", err))
		result = api.LeaseCancelled
	case err != nil && (errors.Is(err, api.ErrUnknownPayload) || errors.Is(err, api.ErrMalformedResponse)):
		logger.Error("Protocol error while handling lease; not retrying", zap.Error(err))
		result = api.LeaseFailed
	case err != nil:
		logger.Error("Error while handling lease", zap.Error(err))
		result = api.LeaseFailed
	case result.Outcome == api.LeaseOutcomeUnspecified:
		result.Outcome = api.LeaseOutcomeSuccess
	}

	span.SetAttributes(observability.LeaseOutcomeKey.String(result.Outcome.String()))
	observability.EndSpan(span, err, result.Outcome == api.LeaseOutcomeCancelled)
	return result
}

func (x *LeaseExecutor) run(ctx context.Context, lease *api.Lease, logger *zap.Logger) (result api.LeaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling lease", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result, err = api.LeaseFailed, fmt.Errorf("lease handler panicked: %v", r)
		}
	}()

	dir, err := x.prepareDir(lease.ID)
	if err != nil {
		return api.LeaseFailed, err
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			logger.Warn("Failed to remove lease directory", zap.String("dir", dir), zap.Error(rerr))
		}
	}()

	return x.dispatcher.Dispatch(ctx, lease, dir, logger)
}

// prepareDir deletes and recreates the scratch directory of a lease
func (x *LeaseExecutor) prepareDir(leaseID string) (string, error) {
	if err := checkLeaseID(leaseID); err != nil {
		return "", err
	}
	dir := filepath.Join(x.leaseDir, leaseID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear lease directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create lease directory: %w", err)
	}
	return dir, nil
}

// checkLeaseID rejects ids that would not name a single directory below
// the lease directory
func checkLeaseID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsRune(id, '/') || strings.ContainsRune(id, filepath.Separator) {
		return fmt.Errorf("%w: invalid lease id %q", api.ErrMalformedResponse, id)
	}
	return nil
}
