package capabilities

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// GPU is a detected accelerator
type GPU struct {
	// Type is a normalized name such as "nvidia-a100"
	Type string
	// Name is the product name reported by the vendor tool
	Name string
}

// CommandRunner runs a command and returns its stdout
type CommandRunner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// known models per vendor, most specific first
var (
	nvidiaModels = []string{
		"tesla t4", "tesla v100", "tesla p100", "tesla p4",
		"a100", "a40", "a30", "a10", "h100",
		"rtx 4090", "rtx 4080", "rtx 3090", "rtx 3080", "rtx 3070",
		"gtx 1080", "gtx 1070",
	}
	amdModels = []string{
		"mi250", "mi210", "mi100", "mi60", "mi50",
		"radeon vii", "radeon rx 7900", "radeon rx 6900",
	}
	intelModels = []string{
		"data center gpu max 1550", "data center gpu max 1100", "data center gpu max",
		"ponte vecchio", "arc a770", "arc a750", "arc",
	}

	amdCardPattern = regexp.MustCompile(`(?i)card\d+:\s+(.+)`)
)

// GPUDetector finds the first accelerator using vendor tools
type GPUDetector struct {
	run    CommandRunner
	logger *zap.Logger
}

func NewGPUDetector(logger *zap.Logger) *GPUDetector {
	return &GPUDetector{run: execRunner, logger: logger}
}

// Detect returns nil when no supported accelerator is present
func (d *GPUDetector) Detect() *GPU {
	for _, detect := range []func() *GPU{d.nvidia, d.amd, d.intel} {
		if gpu := detect(); gpu != nil {
			d.logger.Info("Detected GPU", zap.String("type", gpu.Type), zap.String("name", gpu.Name))
			return gpu
		}
	}
	d.logger.Debug("No GPU accelerator detected")
	return nil
}

func (d *GPUDetector) nvidia() *GPU {
	out, err := d.run("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		d.logger.Debug("nvidia-smi not available", zap.Error(err))
		return nil
	}
	name := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if name == "" {
		return nil
	}
	return &GPU{Type: normalize("nvidia", name, nvidiaModels), Name: name}
}

func (d *GPUDetector) amd() *GPU {
	out, err := d.run("rocm-smi", "--showproductname")
	if err != nil {
		d.logger.Debug("rocm-smi not available", zap.Error(err))
		return nil
	}
	m := amdCardPattern.FindStringSubmatch(out)
	if len(m) < 2 {
		return nil
	}
	name := strings.TrimSpace(m[1])
	return &GPU{Type: normalize("amd", name, amdModels), Name: name}
}

func (d *GPUDetector) intel() *GPU {
	out, err := d.run("lspci")
	if err != nil {
		d.logger.Debug("lspci not available", zap.Error(err))
		return nil
	}
	for _, line := range strings.Split(out, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "intel") {
			continue
		}
		for _, model := range intelModels {
			if strings.Contains(lower, model) {
				t := strings.TrimPrefix(model, "data center gpu ")
				return &GPU{Type: "intel-" + strings.ReplaceAll(t, " ", "-"), Name: strings.TrimSpace(line)}
			}
		}
	}
	return nil
}

// normalize maps a product name to vendor-model, falling back to the full name
func normalize(vendor, name string, models []string) string {
	lower := strings.ToLower(name)
	for _, model := range models {
		if strings.Contains(lower, model) {
			return fmt.Sprintf("%s-%s", vendor, strings.ReplaceAll(model, " ", "-"))
		}
	}
	return fmt.Sprintf("%s-%s", vendor, strings.ReplaceAll(lower, " ", "-"))
}
