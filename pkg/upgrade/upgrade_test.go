package upgrade

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/test/testutil/mocks"
)

var newBinary = []byte("#!/bin/sh\necho new agent\n")

func digestOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// chunked splits data into small chunks to exercise streaming
func chunked(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(7, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func setup(t *testing.T, served []byte) (*Upgrader, *mocks.FakeCoordinator, string) {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "bin", "agent")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o755))
	require.NoError(t, os.WriteFile(exe, []byte("old agent"), 0o755))

	coord := mocks.NewFakeCoordinator()
	coord.DownloadSoftwareFunc = func(ctx context.Context, req *api.DownloadSoftwareRequest) ([][]byte, error) {
		assert.Equal(t, "2.0.0", req.Version)
		return chunked(served), nil
	}

	u := New(coord, Config{
		WorkingDir:     filepath.Join(dir, "work"),
		CurrentVersion: "1.0.0",
		Executable:     exe,
	})
	return u, coord, exe
}

func TestUpgrade_SameVersionIsNoop(t *testing.T) {
	u, coord, exe := setup(t, newBinary)

	staged, err := u.Upgrade(context.Background(), &api.UpgradeTask{SoftwareID: "1.0.0"}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, staged)
	assert.Equal(t, 0, coord.CallCount("DownloadSoftware"))

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "old agent", string(data))
}

func TestUpgrade_StagesBinary(t *testing.T) {
	tests := []struct {
		name        string
		served      []byte
		compression string
	}{
		{name: "plain", served: newBinary},
		{name: "zstd", served: nil, compression: CompressionZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			served := tt.served
			if tt.compression == CompressionZstd {
				served = compress(t, newBinary)
			}
			u, _, exe := setup(t, served)

			staged, err := u.Upgrade(context.Background(), &api.UpgradeTask{
				SoftwareID:  "2.0.0",
				Digest:      digestOf(newBinary),
				Compression: tt.compression,
			}, zap.NewNop())
			require.NoError(t, err)
			assert.True(t, staged)

			data, err := os.ReadFile(exe)
			require.NoError(t, err)
			assert.Equal(t, newBinary, data)

			old, err := os.ReadFile(exe + ".old")
			require.NoError(t, err)
			assert.Equal(t, "old agent", string(old))

			info, err := os.Stat(exe)
			require.NoError(t, err)
			assert.NotZero(t, info.Mode()&0o100)
		})
	}
}

func TestUpgrade_DigestMismatch(t *testing.T) {
	u, _, exe := setup(t, newBinary)

	staged, err := u.Upgrade(context.Background(), &api.UpgradeTask{
		SoftwareID: "2.0.0",
		Digest:     digestOf([]byte("something else")),
	}, zap.NewNop())
	require.ErrorIs(t, err, ErrDigestMismatch)
	assert.False(t, staged)

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "old agent", string(data))
}

func TestUpgrade_InstallFailureRestoresBinary(t *testing.T) {
	u, _, exe := setup(t, newBinary)

	t.Cleanup(func() { rename = os.Rename })
	rename = func(oldpath, newpath string) error {
		if strings.HasSuffix(oldpath, ".new") {
			return errors.New("read-only file system")
		}
		return os.Rename(oldpath, newpath)
	}

	staged, err := u.Upgrade(context.Background(), &api.UpgradeTask{
		SoftwareID: "2.0.0",
		Digest:     digestOf(newBinary),
	}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to install binary")
	assert.False(t, staged)

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "old agent", string(data))
	assert.NoFileExists(t, exe+".old")
	assert.NoFileExists(t, exe+".new")
}

func TestUpgrade_UnsupportedCompression(t *testing.T) {
	u, _, _ := setup(t, newBinary)

	_, err := u.Upgrade(context.Background(), &api.UpgradeTask{
		SoftwareID:  "2.0.0",
		Compression: "zip",
	}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, newBinary, 0o644))

	got, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, digestOf(newBinary), got)
}
