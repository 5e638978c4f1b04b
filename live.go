package main

import (
	"fmt"
	"io"

	"github.com/gosuri/uilive"

	"piflash/disk"
)

// liveStats redraws a block of statistics in place while a device
// operation runs.
type liveStats struct {
	w     *uilive.Writer
	label string
	last  disk.Progress
}

func newLiveStats(out io.Writer, label string) *liveStats {
	w := uilive.New()
	w.Out = out
	w.Start()
	return &liveStats{w: w, label: label}
}

// update is a disk.ProgressFunc.
func (l *liveStats) update(p disk.Progress) {
	l.last = p
	writeStats(l.w, l.label, p)
	_ = l.w.Flush()
}

func (l *liveStats) log(format string, args ...any) {
	_, _ = fmt.Fprintf(l.w.Bypass(), format+"\n", args...)
}

// stop flushes the final state and releases the terminal.
func (l *liveStats) stop() {
	_ = l.w.Flush()
	l.w.Stop()
}

func writeStats(w io.Writer, label string, p disk.Progress) {
	_, _ = fmt.Fprintf(w, "%s: %3d%%\n", label, p.Percent)
	_, _ = fmt.Fprintf(w, "Byte Count: %s (%d bytes)\n", formatBytes(p.Bytes), p.Bytes)
	_, _ = fmt.Fprintf(w, "Elapsed Time: %s\n", formatDuration(p.Elapsed))
	if p.Percent < 100 {
		_, _ = fmt.Fprintf(w, "Estimated Time: %s\n", formatDuration(p.ETA()))
	}
	_, _ = fmt.Fprintf(w, "Speed: %s\n", formatSpeed(p.Rate()))
}
