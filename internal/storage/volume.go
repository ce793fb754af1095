package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const defaultVanishRetryDelay = 500 * time.Millisecond

var errSourceVanished = errors.New("source file vanished")

// Volume copies artifacts onto a mounted volume, one subdirectory per job.
type Volume struct {
	root       string
	retryDelay time.Duration
	now        func() time.Time

	// test hook, called before the retry of a vanished source
	onRetry func(srcPath string)
}

var _ Backend = (*Volume)(nil)

func NewVolume(root string) *Volume {
	return &Volume{
		root:       root,
		retryDelay: defaultVanishRetryDelay,
		now:        time.Now,
	}
}

func (v *Volume) Name() string {
	return BackendVolume
}

func (v *Volume) Root() string {
	return v.root
}

// Ready creates the volume root if needed and checks it is writable.
func (v *Volume) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(v.root, 0o755); err != nil {
		return fmt.Errorf("failed to create volume root %s: %w", v.root, err)
	}

	probe, err := os.CreateTemp(v.root, ".write-test-*")
	if err != nil {
		return fmt.Errorf("volume root %s is not writable: %w", v.root, err)
	}
	name := probe.Name()
	probe.Close()

	if err := os.Remove(name); err != nil {
		slog.Warn("failed to remove volume write probe", "path", name, "error", err)
	}

	return nil
}

func (v *Volume) Store(ctx context.Context, srcPath, jobId string) (string, error) {
	dir := v.root
	if jobId != "" {
		dir = filepath.Join(v.root, sanitizeJobId(jobId))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create volume directory %s: %w", dir, err)
	}

	dest, err := v.copyOnce(ctx, srcPath, dir)
	if err == nil {
		return dest, nil
	}

	if !errors.Is(err, errSourceVanished) {
		return "", err
	}

	slog.Warn("source vanished during volume copy, retrying once", "source", srcPath, "error", err)

	select {
	case <-ctx.Done():
		return "", err
	case <-time.After(v.retryDelay):
	}

	if v.onRetry != nil {
		v.onRetry(srcPath)
	}

	dest, retryErr := v.copyOnce(ctx, srcPath, dir)
	if retryErr != nil {
		slog.Error("volume copy retry failed", "source", srcPath, "error", retryErr)
		return "", err
	}

	return dest, nil
}

func (v *Volume) copyOnce(ctx context.Context, srcPath, dir string) (string, error) {
	dest := filepath.Join(dir, ObjectName(filepath.Base(srcPath), v.now()))
	if err := copyVerified(ctx, srcPath, dest); err != nil {
		return "", err
	}

	slog.Info("artifact copied to volume", "source", srcPath, "dest", dest)
	return dest, nil
}

// copyVerified copies src to a new file at dst, keeping the source mtime. The
// copy fails, and dst is removed, if the written size differs from the source.
func copyVerified(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", errSourceVanished, src)
		}
		return fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create destination %s: %w", dst, err)
	}

	written, copyErr := io.Copy(out, &contextReader{ctx: ctx, r: in})
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, errors.Join(copyErr, closeErr))
	}

	destInfo, err := os.Stat(dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to stat destination %s: %w", dst, err)
	}

	if written != info.Size() || destInfo.Size() != info.Size() {
		os.Remove(dst)
		return fmt.Errorf("size mismatch copying %s: source %d bytes, destination %d bytes", src, info.Size(), destInfo.Size())
	}

	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		slog.Warn("failed to preserve modification time", "dest", dst, "error", err)
	}

	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// DetectVolumeBase picks the volume base directory: the override when set,
// otherwise the network volume if it appears within timeout, otherwise the
// workspace directory.
func DetectVolumeBase(ctx context.Context, override, networkVolume, workspace string, timeout time.Duration) string {
	if override != "" {
		slog.Info("using configured volume base path", "path", override)
		return override
	}

	if waitForDir(ctx, networkVolume, timeout) {
		slog.Info("network volume detected", "path", networkVolume)
		return networkVolume
	}

	slog.Warn("network volume not available, using workspace", "network_volume", networkVolume, "workspace", workspace, "waited", timeout)
	return workspace
}

func waitForDir(ctx context.Context, dir string, timeout time.Duration) bool {
	if isDir(dir) {
		return true
	}

	if timeout <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return isDir(dir)
		case <-ticker.C:
			if isDir(dir) {
				return true
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
