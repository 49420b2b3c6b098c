package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// HealthCheck reports an error while the machine should not be given new work
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// DiskSpaceCheck fails when the volume holding dir has less than minFree
// bytes available
func DiskSpaceCheck(dir string, minFree uint64) HealthCheck {
	return HealthCheck{
		Name: "disk_space",
		Check: func(ctx context.Context) error {
			usage, err := disk.UsageWithContext(ctx, dir)
			if err != nil {
				return fmt.Errorf("failed to read disk usage of %s: %w", dir, err)
			}
			if usage.Free < minFree {
				return fmt.Errorf("%d bytes free on %s, need %d", usage.Free, dir, minFree)
			}
			return nil
		},
	}
}

// HealthMonitor runs health checks periodically and marks the agent
// unhealthy while any check has failed FailureThreshold times in a row.
// One passing run clears a check. Safe for concurrent use.
type HealthMonitor struct {
	checks  []HealthCheck
	control *Control
	logger  *zap.Logger

	interval         time.Duration
	failureThreshold int

	mu       sync.Mutex
	failures map[string]int
	failing  map[string]error
}

// NewHealthMonitor creates a monitor with a 3-failure threshold
func NewHealthMonitor(checks []HealthCheck, control *Control, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		checks:           checks,
		control:          control,
		logger:           logger.Named("health_monitor"),
		interval:         interval,
		failureThreshold: 3,
		failures:         make(map[string]int),
		failing:          make(map[string]error),
	}
}

// Start runs the checks immediately and then every interval until ctx is done
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.logger.Info("Starting health monitor",
		zap.Duration("check_interval", hm.interval),
		zap.Int("checks", len(hm.checks)),
	)

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		hm.CheckOnce(ctx)

		select {
		case <-ctx.Done():
			hm.logger.Info("Health monitor stopping")
			return
		case <-ticker.C:
		}
	}
}

// CheckOnce runs every check and updates the agent's health. It reports
// whether the agent is healthy afterwards.
func (hm *HealthMonitor) CheckOnce(ctx context.Context) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for _, hc := range hm.checks {
		err := hc.Check(ctx)
		recordHealthCheck(hc.Name, err == nil)

		if err == nil {
			hm.failures[hc.Name] = 0
			if _, was := hm.failing[hc.Name]; was {
				hm.logger.Info("Health check recovered", zap.String("check", hc.Name))
				delete(hm.failing, hc.Name)
			}
			continue
		}

		hm.failures[hc.Name]++
		n := hm.failures[hc.Name]
		if n < hm.failureThreshold {
			hm.logger.Warn("Health check failed",
				zap.String("check", hc.Name),
				zap.Int("consecutive_failures", n),
				zap.Error(err),
			)
			continue
		}
		if _, was := hm.failing[hc.Name]; !was {
			hm.logger.Error("Health check failing; marking agent unhealthy",
				zap.String("check", hc.Name),
				zap.Int("consecutive_failures", n),
				zap.Error(err),
			)
		}
		hm.failing[hc.Name] = err
	}

	healthy := len(hm.failing) == 0
	hm.control.setChecksFailing(!healthy)
	setHealthChecksFailing(len(hm.failing))
	return healthy
}

// Failing returns the names of the checks currently marking the agent unhealthy
func (hm *HealthMonitor) Failing() []string {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	names := make([]string, 0, len(hm.failing))
	for name := range hm.failing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
