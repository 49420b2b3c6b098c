package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cloudless/buildfarm/pkg/agent"
	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/job"
	"github.com/cloudless/buildfarm/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Build farm agent - executes leases handed out by the coordinator",
		Long: `The build farm agent registers this machine with the coordinator, keeps a
session alive and executes the leases it is handed: job batches, workspace
conforms, compute actions, software upgrades and shutdown or restart requests.`,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("coordinator-addr", "localhost:7000", "Coordinator address")
	flags.String("working-dir", "/var/lib/buildfarm-agent", "Working directory for leases and staged upgrades")
	flags.String("name", "", "Agent name reported to the coordinator (defaults to hostname)")
	flags.String("token", "", "Bootstrap token used to create sessions")
	flags.String("executor", job.ExecutorTest, "Job executor (test, local)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics and status server bind address")
	flags.String("tls-cert", "", "TLS client certificate file")
	flags.String("tls-key", "", "TLS client key file")
	flags.String("tls-ca", "", "TLS CA certificate file")
	flags.Bool("tls-insecure-skip-verify", false, "Skip verification of the coordinator certificate")
	flags.StringSlice("capability", nil, "Extra Key=Value capability properties")
	flags.Duration("update-deadline", 2*time.Minute, "Deadline of a session update long-poll")
	flags.Duration("min-update-interval", time.Second, "Minimum interval between session updates that change nothing")
	flags.Duration("step-abort-poll-interval", 5*time.Second, "Interval between step abort polls")
	flags.Duration("drain-timeout", 30*time.Second, "How long to wait for cancelled leases on exit")
	flags.Uint64("min-free-disk-gb", 0, "Report the agent unhealthy below this much free space in the working directory (0 disables)")
	flags.Duration("health-check-interval", 30*time.Second, "Interval between health checks")
	flags.Bool("tracing-enabled", false, "Export traces over OTLP")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sample rate")
	flags.Bool("restart-on-request", true, "Re-exec the agent binary when the coordinator requests a restart")

	bindings := map[string]string{
		"config":                      "config",
		"coordinator_addr":            "coordinator-addr",
		"working_dir":                 "working-dir",
		"name":                        "name",
		"token":                       "token",
		"executor":                    "executor",
		"log_level":                   "log-level",
		"metrics_addr":                "metrics-addr",
		"tls.cert":                    "tls-cert",
		"tls.key":                     "tls-key",
		"tls.ca":                      "tls-ca",
		"tls.insecure_skip_verify":    "tls-insecure-skip-verify",
		"capabilities":                "capability",
		"session.update_deadline":     "update-deadline",
		"session.min_update_interval": "min-update-interval",
		"steps.abort_poll_interval":   "step-abort-poll-interval",
		"drain_timeout":               "drain-timeout",
		"health.min_free_disk_gb":     "min-free-disk-gb",
		"health.check_interval":       "health-check-interval",
		"tracing.enabled":             "tracing-enabled",
		"tracing.endpoint":            "tracing-endpoint",
		"tracing.sample_rate":         "tracing-sample-rate",
		"restart_on_request":          "restart-on-request",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	viper.SetEnvPrefix("BUILDFARM")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Build Farm Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newLeasesCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting build farm agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "buildfarm-agent",
		ServiceVersion: Version,
		AgentName:      viper.GetString("name"),
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	traceUnary, traceStream := observability.InstrumentGRPCClient()
	channel, err := api.DialChannel(api.DialConfig{
		Addr:               viper.GetString("coordinator_addr"),
		CertificateFile:    viper.GetString("tls.cert"),
		KeyFile:            viper.GetString("tls.key"),
		CAFile:             viper.GetString("tls.ca"),
		InsecureSkipVerify: viper.GetBool("tls.insecure_skip_verify"),
		Token:              viper.GetString("token"),
		UnaryInterceptors: []grpc.UnaryClientInterceptor{
			traceUnary,
			observability.UnaryClientInterceptorWithCorrelation(),
			observability.UnaryClientInterceptor(logger),
			observability.UnaryMetricsInterceptor(),
		},
		StreamInterceptors: []grpc.StreamClientInterceptor{
			traceStream,
			observability.StreamClientInterceptorWithCorrelation(),
			observability.StreamClientInterceptor(logger),
			observability.StreamMetricsInterceptor(),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	events := observability.NewEventStream(observability.EventStreamConfig{}, logger)

	var local job.LocalConfig
	if err := viper.UnmarshalKey("local_executor", &local); err != nil {
		return fmt.Errorf("invalid local_executor configuration: %w", err)
	}

	config := &agent.Config{
		Name:                  viper.GetString("name"),
		Version:               Version,
		WorkingDir:            viper.GetString("working_dir"),
		UpdateDeadline:        viper.GetDuration("session.update_deadline"),
		MinUpdateInterval:     viper.GetDuration("session.min_update_interval"),
		StepAbortPollInterval: viper.GetDuration("steps.abort_poll_interval"),
		DrainTimeout:          viper.GetDuration("drain_timeout"),
		HealthCheckInterval:   viper.GetDuration("health.check_interval"),
		MinFreeDiskSpace:      viper.GetUint64("health.min_free_disk_gb") << 30,
		Executor:              viper.GetString("executor"),
		LocalExecutor:         local,
		Events:                events,
		Logger:                logger,
	}
	config.Prober = newProber(config.WorkingDir, viper.GetStringSlice("capabilities"), logger)

	agentInstance, err := agent.New(config, channel)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	metricsServer := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger)
	agent.RegisterStatusEndpoints(metricsServer, agentInstance, events, logger)
	metricsServer.SetReadyCheck(func() error {
		if agentInstance.Session() == nil {
			return errors.New("no active session")
		}
		return nil
	})
	if err := metricsServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := agentInstance.Run(ctx)

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer provider", zap.Error(err))
	}
	if err := channel.Close(); err != nil {
		logger.Debug("Error closing coordinator channel", zap.Error(err))
	}

	switch {
	case errors.Is(runErr, agent.ErrRestartRequested):
		if !viper.GetBool("restart_on_request") {
			logger.Info("Restart requested; exiting")
			return nil
		}
		return restart(config.WorkingDir, logger)
	case errors.Is(runErr, agent.ErrShutdownRequested):
		logger.Info("Shutdown complete")
		return nil
	case runErr != nil:
		return runErr
	}

	logger.Info("Shutdown complete")
	return nil
}

// restart replaces the current process with the agent binary, which may
// have been swapped by a staged upgrade
func restart(workingDir string, logger *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate agent binary: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	logger.Info("Restarting agent", zap.String("binary", exe), zap.String("working_dir", workingDir))
	logger.Sync()
	return syscall.Exec(exe, os.Args, os.Environ())
}
