package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
)

// LocalConfig configures the local executor
type LocalConfig struct {
	// Shell runs each step's command line; defaults to "sh"
	Shell string `mapstructure:"shell" yaml:"shell"`
	// Env is appended to the process environment of every step
	Env []string `mapstructure:"env" yaml:"env"`
	// KillGrace is how long a cancelled step may take to exit before it is killed
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// LocalExecutor runs each step's arguments as a shell command line in the
// lease scratch directory
type LocalExecutor struct {
	info    BatchInfo
	cfg     LocalConfig
	workDir string
}

func NewLocalExecutor(info BatchInfo, cfg LocalConfig) *LocalExecutor {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &LocalExecutor{
		info:    info,
		cfg:     cfg,
		workDir: filepath.Join(info.ScratchDir, "workspace"),
	}
}

func (e *LocalExecutor) Initialize(ctx context.Context, logger *zap.Logger) error {
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	logger.Info("Initialized local executor", zap.String("workspace", e.workDir))
	return nil
}

func (e *LocalExecutor) Run(ctx context.Context, step *api.BeginStepResponse, logger *zap.Logger) (api.StepOutcome, error) {
	if len(step.Arguments) == 0 {
		logger.Info("Step has no command; nothing to do", zap.String("step", step.Name))
		return api.StepOutcomeSuccess, nil
	}

	script := strings.Join(step.Arguments, " ")
	logger.Info("Running step", zap.String("step", step.Name), zap.String("command", script))

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", script)
	cmd.Dir = e.workDir
	// Interrupt first; the process is killed if it is still running after KillGrace
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.cfg.KillGrace

	env := append(os.Environ(), e.info.Environment...)
	env = append(env, e.cfg.Env...)
	env = append(env,
		"BUILDFARM_JOB_ID="+e.info.JobID,
		"BUILDFARM_BATCH_ID="+e.info.BatchID,
		"BUILDFARM_STEP_ID="+step.StepID,
	)
	cmd.Env = env

	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return api.StepOutcomeFailure, context.Cause(ctx)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logger.Info("Step command finished", zap.Duration("duration", time.Since(start)))
		return api.StepOutcomeSuccess, nil
	case errors.As(err, &exitErr):
		logger.Error("Step command failed", zap.Int("exit_code", exitErr.ExitCode()))
		return api.StepOutcomeFailure, nil
	default:
		return api.StepOutcomeFailure, fmt.Errorf("failed to run step command: %w", err)
	}
}

func (e *LocalExecutor) Finalize(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Finalized local executor")
	return nil
}

// lineLogger is an io.Writer that logs each complete line
type lineLogger struct {
	logger *zap.Logger
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineLogger(logger *zap.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs any trailing partial line
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	l.logger.Info(line, zap.String("stream", l.stream))
}
