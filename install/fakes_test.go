package install

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"piflash/disk"
)

type fakePlatform struct {
	mu       sync.Mutex
	disks    []disk.DiskInfo
	bootDir  string
	calls    []string
	formatFn func(deviceID string) error
	listErr  error
}

func (f *fakePlatform) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlatform) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlatform) ListRemovableDisks(context.Context) ([]disk.DiskInfo, error) {
	f.record("list")
	return f.disks, f.listErr
}

func (f *fakePlatform) Format(_ context.Context, id string, fs disk.FileSystem, _ string) error {
	f.record("format " + string(fs))
	if f.formatFn != nil {
		return f.formatFn(id)
	}
	return nil
}

func (f *fakePlatform) Mount(context.Context, string) error   { f.record("mount"); return nil }
func (f *fakePlatform) Unmount(context.Context, string) error { f.record("unmount"); return nil }
func (f *fakePlatform) Eject(context.Context, string) error   { f.record("eject"); return nil }

func (f *fakePlatform) BootPartitionPath(context.Context, string) (string, error) {
	f.record("boot")
	return f.bootDir, nil
}

// copyWriter copies the image into a plain file standing in for the device.
type copyWriter struct {
	target string
	gate   chan struct{}
	err    error
	panic  bool
}

func (w *copyWriter) WriteImage(ctx context.Context, imagePath, _ string, onProgress disk.ProgressFunc) error {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return &disk.Error{Kind: disk.ErrCancelled, Op: "write", Err: ctx.Err()}
		}
	}
	if w.panic {
		panic("writer exploded")
	}
	if w.err != nil {
		return w.err
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	for _, pct := range []int{0, 25, 50, 99, 100} {
		if onProgress != nil {
			onProgress(disk.Progress{Percent: pct})
		}
	}
	return os.WriteFile(w.target, data, 0o644)
}

type stubVerifier struct {
	result disk.VerifyResult
	err    error
}

func (v stubVerifier) Verify(_ context.Context, _, _ string, onProgress disk.ProgressFunc) (disk.VerifyResult, error) {
	if onProgress != nil {
		onProgress(disk.Progress{Percent: 50})
		onProgress(disk.Progress{Percent: 100})
	}
	return v.result, v.err
}

func writeImage(dir string, size int) string {
	path := filepath.Join(dir, "os.img")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		panic(err)
	}
	return path
}

func collect(ch <-chan InstallationProgress) []InstallationProgress {
	var out []InstallationProgress
	for p := range ch {
		out = append(out, p)
	}
	return out
}
