package job

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudless/buildfarm/pkg/api"
)

// OutcomeTracker records the worst outcome implied by what a step logged.
// Error and above means Failure. Warn means Warnings, but only when the
// step asked for warnings to count.
type OutcomeTracker struct {
	warnings bool

	mu      sync.Mutex
	outcome api.StepOutcome
}

func newOutcomeTracker(warnings bool) *OutcomeTracker {
	return &OutcomeTracker{warnings: warnings, outcome: api.StepOutcomeSuccess}
}

// Outcome returns the outcome implied by the log so far
func (t *OutcomeTracker) Outcome() api.StepOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *OutcomeTracker) observe(level zapcore.Level) {
	var o api.StepOutcome
	switch {
	case level >= zapcore.ErrorLevel:
		o = api.StepOutcomeFailure
	case level == zapcore.WarnLevel && t.warnings:
		o = api.StepOutcomeWarnings
	default:
		return
	}

	t.mu.Lock()
	t.outcome = api.WorseOutcome(t.outcome, o)
	t.mu.Unlock()
}

// outcomeCore is a zapcore.Core that only feeds the tracker
type outcomeCore struct {
	tracker *OutcomeTracker
}

func (c outcomeCore) Enabled(level zapcore.Level) bool {
	return level >= zapcore.WarnLevel
}

func (c outcomeCore) With([]zapcore.Field) zapcore.Core {
	return c
}

func (c outcomeCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c outcomeCore) Write(entry zapcore.Entry, _ []zapcore.Field) error {
	c.tracker.observe(entry.Level)
	return nil
}

func (c outcomeCore) Sync() error {
	return nil
}

// LogSink returns an extra core that receives a step's log, for example a
// forwarder to the coordinator's log service. It may return nil.
type LogSink func(logID string) zapcore.Core

// newStepLogger tees base into the outcome tracker and the optional sink
func newStepLogger(base *zap.Logger, sink zapcore.Core, warnings bool) (*zap.Logger, *OutcomeTracker) {
	tracker := newOutcomeTracker(warnings)
	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		cores := []zapcore.Core{core, outcomeCore{tracker: tracker}}
		if sink != nil {
			cores = append(cores, sink)
		}
		return zapcore.NewTee(cores...)
	}))
	return logger, tracker
}
