package capabilities

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSystemProber_Probe(t *testing.T) {
	p := NewSystemProber(t.TempDir(), []string{"Pool=Linux"}, zap.NewNop())
	p.gpus.run = func(string, ...string) (string, error) { return "", errors.New("not found") }

	caps, err := p.Probe(context.Background())
	require.NoError(t, err)

	keys := map[string]bool{}
	for _, prop := range caps.Properties {
		k, _, ok := strings.Cut(prop, "=")
		require.True(t, ok, prop)
		keys[k] = true
	}
	assert.True(t, keys["Arch"])
	assert.True(t, keys["OSFamily"])
	assert.True(t, keys["LogicalCores"])
	assert.True(t, keys["DiskFreeSpace"])
	assert.Contains(t, caps.Properties, "Pool=Linux")
	assert.Empty(t, caps.Devices)
}

func TestGPUDetector(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]string
		want    *GPU
	}{
		{
			name:    "nvidia known model",
			outputs: map[string]string{"nvidia-smi": "NVIDIA A100-SXM4-40GB\n"},
			want:    &GPU{Type: "nvidia-a100", Name: "NVIDIA A100-SXM4-40GB"},
		},
		{
			name:    "nvidia unknown model",
			outputs: map[string]string{"nvidia-smi": "Quadro K600\n"},
			want:    &GPU{Type: "nvidia-quadro-k600", Name: "Quadro K600"},
		},
		{
			name:    "amd",
			outputs: map[string]string{"rocm-smi": "GPU[0] card0: AMD Instinct MI250X\n"},
			want:    &GPU{Type: "amd-mi250", Name: "AMD Instinct MI250X"},
		},
		{
			name:    "intel arc",
			outputs: map[string]string{"lspci": "03:00.0 VGA compatible controller: Intel Corporation DG2 [Arc A770]\n"},
			want:    &GPU{Type: "intel-arc-a770", Name: "03:00.0 VGA compatible controller: Intel Corporation DG2 [Arc A770]"},
		},
		{
			name:    "none",
			outputs: map[string]string{"lspci": "00:02.0 Ethernet controller: Red Hat, Inc. Virtio\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewGPUDetector(zap.NewNop())
			d.run = func(name string, args ...string) (string, error) {
				if out, ok := tt.outputs[name]; ok {
					return out, nil
				}
				return "", errors.New("not found")
			}
			assert.Equal(t, tt.want, d.Detect())
		})
	}
}

func TestStatic(t *testing.T) {
	p := Static(nil)
	caps, err := p.Probe(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, caps)
}
