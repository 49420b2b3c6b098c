package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/capabilities"
	"github.com/cloudless/buildfarm/pkg/job"
	"github.com/cloudless/buildfarm/pkg/observability"
	"github.com/cloudless/buildfarm/pkg/upgrade"
)

var (
	// ErrShutdownRequested is returned by Run after a shutdown lease drained the agent
	ErrShutdownRequested = errors.New("shutdown requested by coordinator")
	// ErrRestartRequested is returned by Run after a restart or upgrade lease drained the agent
	ErrRestartRequested = errors.New("restart requested by coordinator")
)

// Config represents the agent configuration
type Config struct {
	Name       string
	Version    string
	WorkingDir string

	// Session tuning
	UpdateDeadline         time.Duration
	MinUpdateInterval      time.Duration
	CapabilitiesInterval   time.Duration
	MaxUpdateFailures      int
	SessionRestartDelay    time.Duration
	MaxSessionRestartDelay time.Duration
	MinSessionDuration     time.Duration
	TokenRenewBefore       time.Duration
	// DrainTimeout bounds how long Run waits for cancelled leases on exit
	DrainTimeout time.Duration

	// Health checks; the agent reports Unhealthy while one keeps failing.
	// MinFreeDiskSpace of 0 disables the disk space check.
	HealthCheckInterval time.Duration
	MinFreeDiskSpace    uint64
	HealthChecks        []HealthCheck

	// Job execution
	StepAbortPollInterval time.Duration
	MaxStepDuration       time.Duration
	WaitingStepDelay      time.Duration
	Executor              string
	LocalExecutor         job.LocalConfig

	// Collaborators; nil values get defaults
	Prober    capabilities.Prober
	Compute   ComputeExecutor
	Conformer Conformer
	Upgrader  Upgrader
	LogSink   job.LogSink
	Events    *observability.EventStream

	Logger *zap.Logger
}

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working directory is required")
	}
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent name is required: %w", err)
		}
		c.Name = host
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.UpdateDeadline <= 0 {
		c.UpdateDeadline = 2 * time.Minute
	}
	if c.MinUpdateInterval <= 0 {
		c.MinUpdateInterval = time.Second
	}
	if c.CapabilitiesInterval <= 0 {
		c.CapabilitiesInterval = 5 * time.Minute
	}
	if c.MaxUpdateFailures <= 0 {
		c.MaxUpdateFailures = 3
	}
	if c.SessionRestartDelay <= 0 {
		c.SessionRestartDelay = 5 * time.Second
	}
	if c.MaxSessionRestartDelay < c.SessionRestartDelay {
		c.MaxSessionRestartDelay = time.Minute
		if c.MaxSessionRestartDelay < c.SessionRestartDelay {
			c.MaxSessionRestartDelay = c.SessionRestartDelay
		}
	}
	if c.MinSessionDuration <= 0 {
		c.MinSessionDuration = 2 * time.Second
	}
	if c.TokenRenewBefore <= 0 {
		c.TokenRenewBefore = time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.StepAbortPollInterval <= 0 {
		c.StepAbortPollInterval = 5 * time.Second
	}
	if c.MaxStepDuration <= 0 {
		c.MaxStepDuration = 24 * time.Hour
	}
	if c.WaitingStepDelay <= 0 {
		c.WaitingStepDelay = 20 * time.Second
	}
	switch c.Executor {
	case "":
		c.Executor = job.ExecutorTest
	case job.ExecutorTest, job.ExecutorLocal:
	default:
		return fmt.Errorf("unknown executor %q", c.Executor)
	}
	if c.Prober == nil {
		c.Prober = capabilities.NewSystemProber(c.WorkingDir, nil, c.Logger)
	}
	return nil
}

// Control holds the flags lease handlers and operators use to steer the agent
type Control struct {
	shutdown      atomic.Bool
	restart       atomic.Bool
	unhealthy     atomic.Bool
	checksFailing atomic.Bool
}

// RequestShutdown asks the agent to stop once it has no leases left
func (c *Control) RequestShutdown(restart bool) {
	if restart {
		c.restart.Store(true)
	}
	c.shutdown.Store(true)
}

func (c *Control) ShutdownRequested() bool { return c.shutdown.Load() }

func (c *Control) RestartRequested() bool { return c.restart.Load() }

func (c *Control) SetUnhealthy(unhealthy bool) { c.unhealthy.Store(unhealthy) }

func (c *Control) setChecksFailing(failing bool) { c.checksFailing.Store(failing) }

// Unhealthy reports whether an operator or a failing health check marked the agent unhealthy
func (c *Control) Unhealthy() bool { return c.unhealthy.Load() || c.checksFailing.Load() }

// Agent keeps a session with the coordinator alive and executes the leases
// it is handed
type Agent struct {
	config *Config
	logger *zap.Logger

	channel  api.Channel
	control  *Control
	leases   *LeaseSet
	session  *SessionManager
	batches  *job.BatchExecutor
	executor *LeaseExecutor
	health   *HealthMonitor
}

// New creates a new agent talking to the coordinator over channel
func New(config *Config, channel api.Channel) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(config.WorkingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	newExecutor, err := job.NewExecutorFactory(config.Executor, config.LocalExecutor)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:  config,
		logger:  config.Logger,
		channel: channel,
		control: &Control{},
	}

	a.batches = job.NewBatchExecutor(channel, job.Config{
		WaitingStepDelay:      config.WaitingStepDelay,
		StepAbortPollInterval: config.StepAbortPollInterval,
		MaxStepDuration:       config.MaxStepDuration,
		NewExecutor:           newExecutor,
		LogSink:               config.LogSink,
		Events:                config.Events,
		Logger:                config.Logger,
	})

	upgrader := config.Upgrader
	if upgrader == nil {
		upgrader = upgrade.New(channel, upgrade.Config{
			WorkingDir:     config.WorkingDir,
			CurrentVersion: config.Version,
			Logger:         config.Logger,
		})
	}

	dispatcher := &Dispatcher{
		workspaces: channel,
		compute:    config.Compute,
		conformer:  config.Conformer,
		batches:    a.batches,
		upgrader:   upgrader,
		control:    a.control,
		agentID:    a.AgentID,
		events:     config.Events,
	}
	a.executor = newLeaseExecutor(dispatcher, config.WorkingDir, config.Logger)
	a.leases = NewLeaseSet(a.executor.Run, config.Events, config.Logger)
	a.session = newSessionManager(config, channel, a.leases, a.control)

	checks := append([]HealthCheck(nil), config.HealthChecks...)
	if config.MinFreeDiskSpace > 0 {
		checks = append(checks, DiskSpaceCheck(config.WorkingDir, config.MinFreeDiskSpace))
	}
	if len(checks) > 0 {
		a.health = NewHealthMonitor(checks, a.control, config.HealthCheckInterval, config.Logger)
	}

	config.Logger.Info("Agent created",
		zap.String("name", config.Name),
		zap.String("version", config.Version),
		zap.String("working_dir", config.WorkingDir),
		zap.String("executor", config.Executor),
	)
	return a, nil
}

// Run keeps sessions going until ctx is cancelled or the coordinator asks
// the agent to shut down, and the leases have drained. It returns
// ErrShutdownRequested or ErrRestartRequested in the latter case.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.config.SessionRestartDelay
	b.MaxInterval = a.config.MaxSessionRestartDelay
	b.MaxElapsedTime = 0
	b.Reset()

	if a.health != nil {
		healthCtx, stopHealth := context.WithCancel(ctx)
		defer stopHealth()
		go a.health.Start(healthCtx)
	}

	for ctx.Err() == nil {
		start := time.Now()
		err := a.session.Run(ctx)
		if err == nil {
			break
		}

		switch {
		case ctx.Err() != nil && api.IsCancellation(err):
			a.logger.Info("Session cancelled")
		case errors.Is(err, ErrSessionExpired):
			a.logger.Info("Session expired; creating a new one")
		default:
			a.logger.Error("Error while executing session; restarting", zap.Error(err))
		}

		if time.Since(start) >= a.config.MinSessionDuration {
			b.Reset()
			continue
		}
		delay := b.NextBackOff()
		a.logger.Info("Waiting before restarting session", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	a.drain()

	switch {
	case a.control.RestartRequested():
		a.logger.Info("Agent is restarting")
		return ErrRestartRequested
	case a.control.ShutdownRequested():
		a.logger.Info("Agent is shutting down")
		return ErrShutdownRequested
	default:
		return nil
	}
}

// drain cancels whatever is still running and waits a bounded time for it
func (a *Agent) drain() {
	if a.leases.Len() == 0 {
		return
	}
	a.logger.Info("Cancelling remaining leases", zap.Int("leases", a.leases.Len()))
	a.leases.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.DrainTimeout)
	defer cancel()
	if err := a.leases.Wait(ctx); err != nil {
		a.logger.Warn("Leases did not finish before exit", zap.Error(err))
	}
}

// SetUnhealthy marks the agent as unhealthy in subsequent session updates
func (a *Agent) SetUnhealthy(unhealthy bool) {
	a.control.SetUnhealthy(unhealthy)
}

// RequestShutdown asks the agent to stop once idle
func (a *Agent) RequestShutdown(restart bool) {
	a.control.RequestShutdown(restart)
}

// Session returns the current session, or nil between sessions
func (a *Agent) Session() *api.Session {
	return a.session.Current()
}

// AgentID returns the id assigned by the coordinator, or "" without a session
func (a *Agent) AgentID() string {
	if s := a.session.Current(); s != nil {
		return s.AgentID
	}
	return ""
}

// Leases returns a snapshot of the tracked leases
func (a *Agent) Leases() []*api.Lease {
	return a.leases.Snapshot()
}

// Batches exposes the job batch executor
func (a *Agent) Batches() *job.BatchExecutor {
	return a.batches
}

// Status returns a snapshot of the agent state
func (a *Agent) Status() StatusView {
	v := StatusView{
		Name:              a.config.Name,
		Version:           a.config.Version,
		Leases:            a.leases.Len(),
		Unhealthy:         a.control.Unhealthy(),
		ShutdownRequested: a.control.ShutdownRequested(),
		RestartRequested:  a.control.RestartRequested(),
		LiveWatchdogs:     a.batches.Watchdog().Live(),
	}
	if a.health != nil {
		v.FailingHealthChecks = a.health.Failing()
	}
	if s := a.session.Current(); s != nil {
		v.AgentID = s.AgentID
		v.SessionID = s.SessionID
		v.SessionExpiresAt = s.ExpiresAt
	}
	return v
}
