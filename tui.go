package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	tcell "github.com/gdamore/tcell/v2"

	"piflash/disk"
	"piflash/install"
)

type tuiView int

const (
	viewDisks tuiView = iota
	viewConfirm
	viewInstall
)

// tuiState holds the monitor state. Fields below mu are written by the
// progress goroutine.
type tuiState struct {
	image             string
	disks             []disk.DiskInfo
	selectedIndex     int
	view              tuiView
	confirmMessage    string
	selectedOptionIdx int
	target            string
	showError         bool
	errorMessage      string

	mu       sync.Mutex
	progress install.InstallationProgress
	finished bool
}

func (s *tuiState) snapshot() (install.InstallationProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.finished
}

// runMonitor installs image inside a full-screen view. Without a device
// the user picks one from the removable disks first.
func (a *app) runMonitor(ctx context.Context, image, device string, o installOptions) error {
	orch, err := a.orchestrator(o)
	if err != nil {
		return err
	}
	p, err := a.plat()
	if err != nil {
		return err
	}
	disks, err := p.ListRemovableDisks(ctx)
	if err != nil {
		return err
	}
	if len(disks) == 0 {
		return fmt.Errorf("no removable disks found")
	}

	s := &tuiState{image: image, disks: disks, selectedOptionIdx: 1}
	if device != "" {
		info, err := disk.Lookup(ctx, p, device)
		if err != nil {
			return err
		}
		s.target = info.DeviceID
		s.view = viewConfirm
		s.confirmMessage = confirmText(image, info.DeviceID)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("initialize screen: %w", err)
	}
	defer screen.Fini()
	screen.SetStyle(tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorBlack))

	installCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if device != "" && o.yes {
		s.view = viewInstall
		if err := s.start(installCtx, orch, screen); err != nil {
			return err
		}
	}

	for {
		s.render(screen)
		screen.Show()

		switch ev := screen.PollEvent().(type) {
		case *tcell.EventKey:
			quit, err := s.handleKey(installCtx, ev, cancel, orch, screen)
			if err != nil {
				return err
			}
			if quit {
				if s.view != viewInstall {
					return errAborted
				}
				last, _ := s.snapshot()
				if last.Stage != install.StageCompleted {
					return fmt.Errorf("installation %s failed: %s", last.ID, last.Error)
				}
				return nil
			}
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventInterrupt:
		}
	}
}

func confirmText(image, device string) string {
	return fmt.Sprintf("Write %s to %s? ALL DATA WILL BE LOST", filepath.Base(image), device)
}

// start launches the installation and forwards snapshots to the screen.
func (s *tuiState) start(ctx context.Context, orch *install.Orchestrator, screen tcell.Screen) error {
	ch, err := orch.Install(ctx, s.target, s.image)
	if err != nil {
		return err
	}
	go func() {
		for p := range ch {
			s.mu.Lock()
			s.progress = p
			s.finished = p.Done()
			s.mu.Unlock()
			_ = screen.PostEvent(tcell.NewEventInterrupt(nil))
		}
	}()
	return nil
}

func (s *tuiState) handleKey(ctx context.Context, ev *tcell.EventKey, cancel context.CancelFunc, orch *install.Orchestrator, screen tcell.Screen) (bool, error) {
	if s.showError {
		s.showError = false
		return false, nil
	}
	ctrlC := ev.Key() == tcell.KeyCtrlC
	quitKey := ctrlC || ev.Key() == tcell.KeyEscape || ev.Rune() == 'q' || ev.Rune() == 'Q'

	switch s.view {
	case viewDisks:
		if quitKey {
			return true, nil
		}
		switch ev.Key() {
		case tcell.KeyUp:
			if s.selectedIndex > 0 {
				s.selectedIndex--
			}
		case tcell.KeyDown:
			if s.selectedIndex < len(s.disks)-1 {
				s.selectedIndex++
			}
		case tcell.KeyRight, tcell.KeyEnter:
			s.target = s.disks[s.selectedIndex].DeviceID
			s.confirmMessage = confirmText(s.image, s.target)
			s.selectedOptionIdx = 1
			s.view = viewConfirm
		}

	case viewConfirm:
		switch ev.Key() {
		case tcell.KeyLeft, tcell.KeyRight, tcell.KeyTab:
			s.selectedOptionIdx = 1 - s.selectedOptionIdx
		case tcell.KeyEnter:
			if s.selectedOptionIdx != 0 {
				s.view = viewDisks
				return false, nil
			}
			if err := s.start(ctx, orch, screen); err != nil {
				s.showError = true
				s.errorMessage = err.Error()
				s.view = viewDisks
				return false, nil
			}
			s.view = viewInstall
		case tcell.KeyEscape, tcell.KeyCtrlC:
			s.view = viewDisks
		}
		if ev.Rune() == 'y' || ev.Rune() == 'Y' {
			s.selectedOptionIdx = 0
		}
		if ev.Rune() == 'n' || ev.Rune() == 'N' {
			s.selectedOptionIdx = 1
		}

	case viewInstall:
		_, done := s.snapshot()
		if done && quitKey {
			return true, nil
		}
		if !done && ctrlC {
			cancel()
		}
	}
	return false, nil
}

func (s *tuiState) render(screen tcell.Screen) {
	screen.Clear()
	width, height := screen.Size()
	switch s.view {
	case viewDisks:
		s.renderDiskList(screen, width, height)
	case viewConfirm:
		s.renderDiskList(screen, width, height)
		s.renderConfirmDialog(screen, width, height)
	case viewInstall:
		s.renderInstall(screen, width, height)
	}
	if s.showError {
		s.renderErrorDialog(screen, width, height)
	}
}

func (s *tuiState) renderDiskList(screen tcell.Screen, width, height int) {
	drawCentered(screen, 0, width, "=== Removable Disks ===", tcell.StyleDefault.Bold(true))
	drawCentered(screen, 1, width, "Image: "+s.image, tcell.StyleDefault.Dim(true))

	if s.selectedIndex >= len(s.disks) {
		s.selectedIndex = len(s.disks) - 1
	}
	if s.selectedIndex < 0 {
		s.selectedIndex = 0
	}

	y := 3
	for i, d := range s.disks {
		if y >= height-3 {
			break
		}
		style := tcell.StyleDefault
		prefix := "  "
		if i == s.selectedIndex {
			style = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorWhite)
			prefix = "> "
		}
		drawText(screen, 0, y, width, prefix+diskSummary(d), style)
		y++
	}

	if len(s.disks) > 0 {
		d := s.disks[s.selectedIndex]
		left := "Not mounted"
		if d.IsMounted {
			left = "Mounted on: " + strings.Join(d.MountPoints, ", ")
		}
		right := fmt.Sprintf("Size: %s", formatBytes(d.TotalSizeBytes))
		if d.FileSystem != "" {
			right = fmt.Sprintf("%s | FS: %s | Free: %s", right, d.FileSystem, formatBytes(d.FreeSpaceBytes))
		}
		drawStatusLine(screen, height-2, width, left, right)
	}
	drawCentered(screen, height-1, width, "↑↓: Navigate | →/Enter: Select | Q/Ctrl+C: Quit", tcell.StyleDefault.Dim(true))
}

func (s *tuiState) renderInstall(screen tcell.Screen, width, height int) {
	p, done := s.snapshot()
	drawCentered(screen, 0, width, fmt.Sprintf("=== Installing %s on %s ===", filepath.Base(s.image), s.target), tcell.StyleDefault.Bold(true))

	stageStyle := tcell.StyleDefault.Bold(true)
	switch p.Stage {
	case install.StageCompleted:
		stageStyle = stageStyle.Foreground(tcell.ColorGreen)
	case install.StageError:
		stageStyle = stageStyle.Foreground(tcell.ColorRed)
	}
	stage := string(p.Stage)
	if stage == "" {
		stage = "starting"
	}
	drawText(screen, 1, 2, width, "Stage: "+stage, stageStyle)
	drawText(screen, 1, 3, width, progressBar(width-2, p.Progress), tcell.StyleDefault)

	y := 5
	rows := height - 3 - y
	for _, e := range tailLogs(p.Logs, rows) {
		drawText(screen, 1, y, width, e.Time.Format("15:04:05")+"  "+e.Message, logStyle(e.Level))
		y++
	}

	left := "Elapsed: " + formatDuration(p.UpdatedAt.Sub(p.StartedAt))
	right := p.ID
	if p.Error != "" {
		right = p.Error
	}
	drawStatusLine(screen, height-2, width, left, right)
	help := "Ctrl+C: Cancel"
	if done {
		help = "Q/Esc: Quit"
	}
	drawCentered(screen, height-1, width, help, tcell.StyleDefault.Dim(true))
}

func logStyle(level install.LogLevel) tcell.Style {
	switch level {
	case install.LevelSuccess:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case install.LevelWarning:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case install.LevelError:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	}
	return tcell.StyleDefault
}

// progressBar renders "[#####-----]  42%" in width cells.
func progressBar(width, pct int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	suffix := fmt.Sprintf(" %3d%%", pct)
	inner := width - 2 - len(suffix)
	if inner < 1 {
		return strings.TrimSpace(suffix)
	}
	filled := inner * pct / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", inner-filled) + "]" + suffix
}

// tailLogs returns the newest n entries.
func tailLogs(logs []install.LogEntry, n int) []install.LogEntry {
	if n <= 0 {
		return nil
	}
	if len(logs) > n {
		return logs[len(logs)-n:]
	}
	return logs
}

func drawText(screen tcell.Screen, x, y, maxX int, text string, style tcell.Style) int {
	for _, ch := range text {
		if x >= maxX {
			break
		}
		screen.SetContent(x, y, ch, nil, style)
		x++
	}
	return x
}

func drawCentered(screen tcell.Screen, y, width int, text string, style tcell.Style) {
	x := (width - len([]rune(text))) / 2
	if x < 0 {
		x = 0
	}
	drawText(screen, x, y, width, text, style)
}

// drawStatusLine fills row y in reverse video with left aligned and right
// aligned text, keeping at least one space between them.
func drawStatusLine(screen tcell.Screen, y, width int, left, right string) {
	style := tcell.StyleDefault.Reverse(true)
	for x := 0; x < width; x++ {
		screen.SetContent(x, y, ' ', nil, style)
	}
	x := drawText(screen, 0, y, width, left, style)
	r := []rune(right)
	rightX := width - len(r)
	if rightX <= x {
		rightX = x + 1
	}
	drawText(screen, rightX, y, width, right, style)
}
