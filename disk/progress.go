package disk

import (
	"time"
)

// Progress is one progress observation of a long running device operation.
type Progress struct {
	// Percent is 0..100 and never decreases within one operation.
	Percent int
	// Done and Total are the byte counts the percentage is computed from.
	Done  int64
	Total int64
	// Bytes is the number of bytes confirmed on (or read back from) the device.
	Bytes   int64
	Elapsed time.Duration
}

// Rate is the device throughput in bytes per second.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

// ETA estimates the remaining time, or 0 when unknown.
func (p Progress) ETA() time.Duration {
	if p.Done <= 0 || p.Total <= 0 || p.Done >= p.Total {
		return 0
	}
	perByte := float64(p.Elapsed) / float64(p.Done)
	return time.Duration(perByte * float64(p.Total-p.Done))
}

// ProgressFunc receives progress observations. It is called on the
// operation's goroutine and must not block for long.
type ProgressFunc func(Progress)

// progressReporter throttles progress callbacks to integer percent changes
// at most once per interval, holding back 100 until the caller says the
// data is durable.
type progressReporter struct {
	fn       ProgressFunc
	interval time.Duration
	start    time.Time
	last     time.Time
	lastPct  int
}

func newProgressReporter(fn ProgressFunc, interval time.Duration) *progressReporter {
	now := time.Now()
	return &progressReporter{fn: fn, interval: interval, start: now, lastPct: -1}
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}

func (r *progressReporter) update(done, total, bytes int64) {
	if r.fn == nil {
		return
	}
	pct := percentOf(done, total)
	if pct > 99 {
		pct = 99
	}
	now := time.Now()
	if pct <= r.lastPct || (r.lastPct >= 0 && now.Sub(r.last) < r.interval) {
		return
	}
	r.emit(pct, done, total, bytes, now)
}

func (r *progressReporter) finish(done, total, bytes int64) {
	if r.fn == nil || r.lastPct == 100 {
		return
	}
	r.emit(100, done, total, bytes, time.Now())
}

func (r *progressReporter) emit(pct int, done, total, bytes int64, now time.Time) {
	r.lastPct = pct
	r.last = now
	r.fn(Progress{Percent: pct, Done: done, Total: total, Bytes: bytes, Elapsed: now.Sub(r.start)})
}
