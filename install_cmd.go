package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"piflash/disk"
	"piflash/install"
)

type installOptions struct {
	bootPath string
	fsName   string
	label    string
	noFormat bool
	noVerify bool
	eject    bool
	yes      bool
}

func (o *installOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.bootPath, "boot", "", "first-boot configuration YAML (overrides the config file boot section)")
	cmd.Flags().StringVar(&o.fsName, "fs", "", "filesystem for the format step")
	cmd.Flags().StringVar(&o.label, "label", "", "volume label for the format step")
	cmd.Flags().BoolVar(&o.noFormat, "no-format", false, "skip formatting")
	cmd.Flags().BoolVar(&o.noVerify, "no-verify", false, "skip verification")
	cmd.Flags().BoolVar(&o.eject, "eject", false, "eject the device when done")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "skip the confirmation prompt")
}

// orchestrator builds an Orchestrator from the config file with o on top.
func (a *app) orchestrator(o installOptions) (*install.Orchestrator, error) {
	p, err := a.plat()
	if err != nil {
		return nil, err
	}
	fsName := a.cfg.FileSystem
	if o.fsName != "" {
		fsName = o.fsName
	}
	fs, err := disk.ParseFileSystem(fsName)
	if err != nil {
		return nil, err
	}
	label := a.cfg.Label
	if o.label != "" {
		label = o.label
	}
	boot := a.cfg.Boot
	if o.bootPath != "" {
		if boot, err = install.LoadBootConfig(o.bootPath); err != nil {
			return nil, err
		}
	}
	bs, err := a.cfg.blockSize()
	if err != nil {
		return nil, err
	}
	w := disk.NewWriter(a.log)
	w.BlockSize = bs
	v := disk.NewVerifier(a.log)
	v.BlockSize = bs

	return install.New(p, install.Config{
		Writer:     w,
		Verifier:   v,
		Logger:     a.log,
		Locks:      install.NewDeviceLocks(a.stateDir()),
		FileSystem: fs,
		Label:      label,
		SkipFormat: o.noFormat,
		SkipVerify: o.noVerify || !a.cfg.Verify,
		Eject:      o.eject,
		Boot:       boot,
		LogCap:     a.cfg.LogCap,
	}), nil
}

func (a *app) confirmInstall(ctx context.Context, image, device string, yes bool) error {
	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("image %s: %w", image, err)
	}
	warnPrivileges(device)
	_, info, err := a.lookup(ctx, device)
	if err != nil {
		return err
	}
	return confirmDestroy(info, "Installing "+image, yes)
}

func (a *app) runInstall(ctx context.Context, image, device string, o installOptions) error {
	orch, err := a.orchestrator(o)
	if err != nil {
		return err
	}
	if err := a.confirmInstall(ctx, image, device, o.yes); err != nil {
		return err
	}
	ch, err := orch.Install(ctx, device, image)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(string(install.StageFormatting)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	echo := logEcho{}
	var last install.InstallationProgress
	for p := range ch {
		last = p
		for _, e := range echo.next(p.Logs) {
			_ = bar.Clear()
			printLogEntry(e)
		}
		bar.Describe(string(p.Stage))
		_ = bar.Set(p.Progress)
	}
	_ = bar.Finish()

	if last.Stage != install.StageCompleted {
		return fmt.Errorf("installation %s failed: %s", last.ID, last.Error)
	}
	color.Green("Installation completed in %s", formatDuration(last.UpdatedAt.Sub(last.StartedAt)))
	return nil
}

func printLogEntry(e install.LogEntry) {
	ts := e.Time.Format(time.TimeOnly)
	switch e.Level {
	case install.LevelSuccess:
		color.Green("%s  %s", ts, e.Message)
	case install.LevelWarning:
		color.Yellow("%s  %s", ts, e.Message)
	case install.LevelError:
		color.Red("%s  %s", ts, e.Message)
	default:
		fmt.Printf("%s  %s\n", ts, e.Message)
	}
	if e.Detail != "" {
		fmt.Println(e.Detail)
	}
}

// logEcho remembers the last printed entry so each snapshot only prints
// what is new, even after the ring dropped old entries.
type logEcho struct {
	last *install.LogEntry
}

func (l *logEcho) next(logs []install.LogEntry) []install.LogEntry {
	start := 0
	if l.last != nil {
		start = len(logs)
		for i := len(logs) - 1; i >= 0; i-- {
			if logs[i].Time.Equal(l.last.Time) && logs[i].Message == l.last.Message {
				start = i + 1
				break
			}
			if logs[i].Time.Before(l.last.Time) {
				start = i + 1
				break
			}
		}
		if start == len(logs) && len(logs) > 0 && logs[0].Time.After(l.last.Time) {
			start = 0
		}
	}
	if start >= len(logs) {
		return nil
	}
	e := logs[len(logs)-1]
	l.last = &e
	return logs[start:]
}
