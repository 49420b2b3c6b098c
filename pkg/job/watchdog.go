package job

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// StepPoller is the coordinator call the watchdog needs
type StepPoller interface {
	GetStep(ctx context.Context, req *api.GetStepRequest) (*api.GetStepResponse, error)
}

// StepRef identifies a running step
type StepRef struct {
	JobID   string
	BatchID string
	StepID  string
}

// Watchdog polls the coordinator for out-of-band step aborts and enforces
// the maximum step duration
type Watchdog struct {
	client      StepPoller
	interval    time.Duration
	maxDuration time.Duration
	logger      *zap.Logger

	live atomic.Int32
}

// NewWatchdog creates a watchdog polling every interval
func NewWatchdog(client StepPoller, interval, maxDuration time.Duration, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		client:      client,
		interval:    interval,
		maxDuration: maxDuration,
		logger:      logger,
	}
}

// Live returns the number of Watch calls currently running
func (w *Watchdog) Live() int {
	return int(w.live.Load())
}

// Watch polls until done is closed or ctx ends, or until it aborts the step
// by calling abort with one of ErrStepAborted, ErrStepTimeout or
// ErrAbortPollFailed. ctx should be the step context so that an in-flight
// poll is cancelled as soon as the step finishes.
func (w *Watchdog) Watch(ctx context.Context, ref StepRef, abort context.CancelCauseFunc, done <-chan struct{}) {
	w.live.Add(1)
	observability.ActiveWatchdogs.Inc()
	defer func() {
		w.live.Add(-1)
		observability.ActiveWatchdogs.Dec()
	}()

	logger := w.logger.With(
		zap.String("job_id", ref.JobID),
		zap.String("batch_id", ref.BatchID),
		zap.String("step_id", ref.StepID),
	)

	start := time.Now()
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if elapsed := time.Since(start); elapsed > w.maxDuration {
			logger.Info("Step exceeded maximum duration; aborting", zap.Duration("elapsed", elapsed))
			observability.StepAbortsTotal.WithLabelValues("timeout").Inc()
			abort(ErrStepTimeout)
			return
		}

		resp, err := w.client.GetStep(ctx, &api.GetStepRequest{
			JobID:   ref.JobID,
			BatchID: ref.BatchID,
			StepID:  ref.StepID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Poll for step abort has failed; aborting", zap.Error(err))
			observability.StepAbortsTotal.WithLabelValues("poll_failed").Inc()
			abort(fmt.Errorf("%w: %v", ErrAbortPollFailed, err))
			return
		}
		if resp.AbortRequested {
			logger.Info("Step was aborted by coordinator")
			observability.StepAbortsTotal.WithLabelValues("requested").Inc()
			abort(ErrStepAborted)
			return
		}

		timer.Reset(w.interval)
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
