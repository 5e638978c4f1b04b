package install

import (
	"sync"
	"time"
)

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one line of installation history.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// InstallationProgress is a point-in-time snapshot of one installation.
// Snapshots are values; nothing in them changes after they are handed out.
type InstallationProgress struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"deviceId"`
	ImagePath string     `json:"imagePath"`
	Stage     Stage      `json:"stage"`
	Progress  int        `json:"progress"`
	Logs      []LogEntry `json:"logs"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Error     string     `json:"error,omitempty"`
}

// Done reports whether the installation reached a terminal stage.
func (p InstallationProgress) Done() bool {
	return p.Stage.Terminal()
}

// DefaultLogCap bounds the log history kept per installation.
const DefaultLogCap = 200

// logRing keeps the newest cap entries.
type logRing struct {
	entries []LogEntry
	start   int
	size    int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) add(e LogEntry) {
	idx := (r.start + r.size) % len(r.entries)
	r.entries[idx] = e
	if r.size < len(r.entries) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.entries)
}

// snapshot returns the entries oldest first in a fresh slice.
func (r *logRing) snapshot() []LogEntry {
	out := make([]LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// state is the mutable record behind the snapshots of one installation.
type state struct {
	mu   sync.Mutex
	cur  InstallationProgress
	logs *logRing
}

func newState(id, deviceID, imagePath string, logCap int) *state {
	now := time.Now()
	return &state{
		cur: InstallationProgress{
			ID:        id,
			DeviceID:  deviceID,
			ImagePath: imagePath,
			Stage:     StageFormatting,
			StartedAt: now,
			UpdatedAt: now,
		},
		logs: newLogRing(logCap),
	}
}

func (s *state) snapshot() InstallationProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *state) snapshotLocked() InstallationProgress {
	p := s.cur
	p.Logs = s.logs.snapshot()
	return p
}

func (s *state) log(level LogLevel, msg, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.logs.add(LogEntry{Time: now, Level: level, Message: msg, Detail: detail})
	s.cur.UpdatedAt = now
}

// setStage moves to next if the transition is legal and reports whether it
// happened.
func (s *state) setStage(next Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cur.Stage.CanTransition(next) {
		return false
	}
	s.cur.Stage = next
	s.cur.UpdatedAt = time.Now()
	return true
}

// setProgress raises progress to pct; lower values are ignored so progress
// never moves backwards.
func (s *state) setProgress(pct int) bool {
	if pct > 100 {
		pct = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct <= s.cur.Progress || s.cur.Stage.Terminal() {
		return false
	}
	s.cur.Progress = pct
	s.cur.UpdatedAt = time.Now()
	return true
}

func (s *state) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Stage.Terminal() {
		return
	}
	s.cur.Stage = StageError
	s.cur.Error = msg
	s.cur.UpdatedAt = time.Now()
}

func (s *state) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cur.Stage.CanTransition(StageCompleted) {
		return false
	}
	s.cur.Stage = StageCompleted
	s.cur.Progress = 100
	s.cur.UpdatedAt = time.Now()
	return true
}
