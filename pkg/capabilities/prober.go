// Package capabilities describes the machine to the coordinator.
package capabilities

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
)

const gigabyte = 1 << 30

// Prober produces a capability snapshot
type Prober interface {
	Probe(ctx context.Context) (*api.Capabilities, error)
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context) (*api.Capabilities, error)

func (f ProberFunc) Probe(ctx context.Context) (*api.Capabilities, error) {
	return f(ctx)
}

// Static returns a Prober that always reports caps
func Static(caps *api.Capabilities) Prober {
	return ProberFunc(func(context.Context) (*api.Capabilities, error) {
		return caps, nil
	})
}

// SystemProber reads machine properties with gopsutil. Individual probes
// that fail are logged and skipped.
type SystemProber struct {
	// WorkingDir is the volume whose free space is reported
	WorkingDir string
	// Extra properties appended verbatim, e.g. from configuration
	Extra []string

	gpus   *GPUDetector
	logger *zap.Logger
}

// NewSystemProber creates a prober for the volume holding workingDir
func NewSystemProber(workingDir string, extra []string, logger *zap.Logger) *SystemProber {
	return &SystemProber{
		WorkingDir: workingDir,
		Extra:      extra,
		gpus:       NewGPUDetector(logger),
		logger:     logger,
	}
}

func (p *SystemProber) Probe(ctx context.Context) (*api.Capabilities, error) {
	props := map[string]string{
		"Arch": runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		props["OSFamily"] = info.OS
		props["OSPlatform"] = info.Platform
		props["OSVersion"] = info.PlatformVersion
		props["Hostname"] = info.Hostname
	} else {
		p.logger.Warn("Failed to read host info", zap.Error(err))
		props["OSFamily"] = runtime.GOOS
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		props["CPU"] = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		props["LogicalCores"] = fmt.Sprint(n)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		props["PhysicalCores"] = fmt.Sprint(n)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		props["RAM"] = fmt.Sprint(vm.Total / gigabyte)
	} else {
		p.logger.Warn("Failed to read memory info", zap.Error(err))
	}

	dir := p.WorkingDir
	if dir == "" {
		dir = string(os.PathSeparator)
	}
	if usage, err := disk.UsageWithContext(ctx, dir); err == nil {
		props["DiskFreeSpace"] = fmt.Sprint(usage.Free)
		props["DiskTotalSize"] = fmt.Sprint(usage.Total)
	} else {
		p.logger.Warn("Failed to read disk usage", zap.String("path", dir), zap.Error(err))
	}

	caps := &api.Capabilities{Properties: formatProperties(props)}
	caps.Properties = append(caps.Properties, p.Extra...)

	if gpu := p.gpus.Detect(); gpu != nil {
		caps.Devices = append(caps.Devices, api.Device{
			Handle:     "GPU-0",
			Properties: []string{"Type=" + gpu.Type, "Name=" + gpu.Name},
		})
	}
	return caps, nil
}

// formatProperties renders props as sorted Key=Value strings
func formatProperties(props map[string]string) []string {
	out := make([]string, 0, len(props))
	for k, v := range props {
		if v == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
