package install

import (
	"os"
	"path/filepath"
	"sync"

	"piflash/disk"
)

// DeviceLocks grants at most one installation per device. Keys are
// canonical device IDs so alias paths of one disk share a lock.
type DeviceLocks struct {
	mu   sync.Mutex
	held map[string]string // device -> installation id

	// Dir, when set, receives a marker file per held device so other
	// processes can see the device is busy.
	Dir string
}

func NewDeviceLocks(dir string) *DeviceLocks {
	return &DeviceLocks{held: map[string]string{}, Dir: dir}
}

func (l *DeviceLocks) markerPath(key string) string {
	return filepath.Join(l.Dir, "device."+sanitizeID(key)+".lock")
}

func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

// TryAcquire marks deviceID as busy with owner. Returns false if already held.
func (l *DeviceLocks) TryAcquire(deviceID, owner string) bool {
	key := disk.CanonicalDeviceID(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[key]; ok {
		return false
	}
	if l.Dir != "" {
		// best-effort marker file
		_ = os.MkdirAll(l.Dir, 0o755)
		if f, err := os.OpenFile(l.markerPath(key), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
			_, _ = f.WriteString(owner)
			_ = f.Close()
		}
	}
	l.held[key] = owner
	return true
}

// Release frees deviceID. Releasing a free device is a no-op.
func (l *DeviceLocks) Release(deviceID string) {
	key := disk.CanonicalDeviceID(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; !ok {
		return
	}
	delete(l.held, key)
	if l.Dir != "" {
		_ = os.Remove(l.markerPath(key))
	}
}

// Holder returns the installation id holding deviceID, if any.
func (l *DeviceLocks) Holder(deviceID string) (string, bool) {
	key := disk.CanonicalDeviceID(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[key]
	return owner, ok
}
