// Package upgrade downloads agent software from the coordinator and stages
// it over the running executable.
package upgrade

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// CompressionZstd marks a zstd-compressed software package
const CompressionZstd = "zstd"

var (
	// ErrDigestMismatch is returned when the downloaded package does not hash to the expected digest
	ErrDigestMismatch = errors.New("software digest mismatch")
	// ErrUnsupportedCompression is returned for compression schemes other than zstd
	ErrUnsupportedCompression = errors.New("unsupported software compression")
)

// Downloader is the coordinator call used to fetch software
type Downloader interface {
	DownloadSoftware(ctx context.Context, req *api.DownloadSoftwareRequest) (api.SoftwareStream, error)
}

// Config configures an Upgrader
type Config struct {
	// WorkingDir holds the download scratch directory
	WorkingDir string
	// CurrentVersion is the version of the running agent
	CurrentVersion string
	// Executable is replaced by the new software; defaults to os.Executable()
	Executable string
	Logger     *zap.Logger
}

// Upgrader replaces the agent binary with a version served by the coordinator
type Upgrader struct {
	client Downloader
	cfg    Config
	logger *zap.Logger
}

// New creates an Upgrader
func New(client Downloader, cfg Config) *Upgrader {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Upgrader{client: client, cfg: cfg, logger: cfg.Logger}
}

// Upgrade installs the software named by task. It reports false without
// touching anything when the agent already runs that version. When it
// returns true the new binary is in place and the agent should restart.
func (u *Upgrader) Upgrade(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) (bool, error) {
	if task.SoftwareID == "" || task.SoftwareID == u.cfg.CurrentVersion {
		logger.Info("Agent is already running the requested version", zap.String("version", u.cfg.CurrentVersion))
		observability.UpgradesTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}

	logger.Info("Upgrading agent",
		zap.String("current_version", u.cfg.CurrentVersion),
		zap.String("target_version", task.SoftwareID),
	)
	if err := u.upgrade(ctx, task, logger); err != nil {
		observability.UpgradesTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	observability.UpgradesTotal.WithLabelValues("staged").Inc()
	return true, nil
}

func (u *Upgrader) upgrade(ctx context.Context, task *api.UpgradeTask, logger *zap.Logger) error {
	dir := filepath.Join(u.cfg.WorkingDir, "upgrade")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear upgrade directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create upgrade directory: %w", err)
	}

	download := filepath.Join(dir, "agent.download")
	n, err := u.download(ctx, task.SoftwareID, download)
	if err != nil {
		return err
	}
	logger.Info("Downloaded agent software", zap.Int64("bytes", n))

	binary := download
	switch strings.ToLower(task.Compression) {
	case "":
	case CompressionZstd:
		binary = filepath.Join(dir, "agent.bin")
		if err := decompress(download, binary); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCompression, task.Compression)
	}

	if task.Digest != "" {
		if err := verify(binary, task.Digest); err != nil {
			return err
		}
		logger.Info("Verified software digest", zap.String("digest", task.Digest))
	}

	target := u.cfg.Executable
	if target == "" {
		if target, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to locate running executable: %w", err)
		}
	}
	if err := stage(binary, target); err != nil {
		return err
	}
	logger.Info("Staged new agent binary", zap.String("path", target))
	return nil
}

func (u *Upgrader) download(ctx context.Context, version, path string) (int64, error) {
	stream, err := u.client.DownloadSoftware(ctx, &api.DownloadSoftwareRequest{Version: version})
	if err != nil {
		return 0, fmt.Errorf("failed to start software download: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create download file: %w", err)
	}
	defer f.Close()

	var total int64
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("failed to download software: %w", err)
		}
		if _, err := f.Write(chunk.Data); err != nil {
			return total, fmt.Errorf("failed to write software: %w", err)
		}
		total += int64(len(chunk.Data))
		observability.UpgradeBytesDownloadedTotal.Add(float64(len(chunk.Data)))
	}
	if err := f.Sync(); err != nil {
		return total, fmt.Errorf("failed to flush software: %w", err)
	}
	return total, nil
}

func decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open download: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create binary: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	return out.Sync()
}

// Digest returns the hex blake3 hash of the file at path
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verify(path, want string) error {
	got, err := Digest(path)
	if err != nil {
		return fmt.Errorf("failed to hash software: %w", err)
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// stage copies binary next to target and renames it into place, keeping
// the previous binary as target.old
func stage(binary, target string) error {
	staged := target + ".new"
	if err := copyFile(binary, staged, 0o755); err != nil {
		return fmt.Errorf("failed to stage binary: %w", err)
	}

	backup := target + ".old"
	backedUp := false
	if _, err := os.Stat(target); err == nil {
		if err := rename(target, backup); err != nil {
			_ = os.Remove(staged)
			return fmt.Errorf("failed to back up current binary: %w", err)
		}
		backedUp = true
	}
	if err := rename(staged, target); err != nil {
		err = fmt.Errorf("failed to install binary: %w", err)
		if backedUp {
			if rerr := rename(backup, target); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to restore previous binary: %w", rerr))
			}
		}
		return multierr.Append(err, removeIfExists(staged))
	}
	return nil
}

// rename is replaced in tests
var rename = os.Rename

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
