package install

import (
	"errors"
	"sort"
	"sync"

	"piflash/disk"
)

// ErrNotFound is returned for devices the tracker has never seen.
var ErrNotFound = errors.New("no installation recorded for device")

// Tracker remembers the latest snapshot of every device's installation so
// callers that dropped the progress channel can still poll.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*trackerEntry
}

type trackerEntry struct {
	state  *state
	static InstallationProgress
}

func NewTracker() *Tracker {
	return &Tracker{entries: map[string]*trackerEntry{}}
}

func (t *Tracker) track(deviceID string, s *state) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[disk.CanonicalDeviceID(deviceID)] = &trackerEntry{state: s}
}

// Publish records a snapshot produced outside the orchestrator, such as a
// downloader reporting the downloading stage. It never replaces a live run.
func (t *Tracker) Publish(p InstallationProgress) error {
	key := disk.CanonicalDeviceID(p.DeviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.state != nil && !e.state.snapshot().Done() {
		return ErrInstallInProgress
	}
	t.entries[key] = &trackerEntry{static: p}
	return nil
}

// Snapshot returns the latest progress of deviceID.
func (t *Tracker) Snapshot(deviceID string) (InstallationProgress, error) {
	t.mu.RLock()
	e, ok := t.entries[disk.CanonicalDeviceID(deviceID)]
	t.mu.RUnlock()
	if !ok {
		return InstallationProgress{}, ErrNotFound
	}
	return e.snapshot(), nil
}

func (e *trackerEntry) snapshot() InstallationProgress {
	if e.state != nil {
		return e.state.snapshot()
	}
	return e.static
}

// List returns the latest snapshot of every tracked device, ordered by start time.
func (t *Tracker) List() []InstallationProgress {
	t.mu.RLock()
	out := make([]InstallationProgress, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.snapshot())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove forgets a finished installation. A running one cannot be removed.
func (t *Tracker) Remove(deviceID string) error {
	key := disk.CanonicalDeviceID(deviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return ErrNotFound
	}
	if !e.snapshot().Done() && e.state != nil {
		return ErrInstallInProgress
	}
	delete(t.entries, key)
	return nil
}
