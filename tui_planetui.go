package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	tui "github.com/network-plane/planetui"

	"piflash/disk"
	"piflash/install"
)

const sessionDevice = "selected_device"

// shellCommand is both the factory and the command for one shell verb.
type shellCommand struct {
	spec tui.CommandSpec
	run  func(rt tui.CommandRuntime, input tui.CommandInput) tui.CommandResult
}

func (c *shellCommand) Spec() tui.CommandSpec { return c.spec }

func (c *shellCommand) New(tui.CommandRuntime) (tui.Command, error) { return c, nil }

func (c *shellCommand) Execute(rt tui.CommandRuntime, input tui.CommandInput) tui.CommandResult {
	return c.run(rt, input)
}

func shellOK() tui.CommandResult {
	return tui.CommandResult{Status: tui.StatusSuccess}
}

func shellFail(rt tui.CommandRuntime, err error) tui.CommandResult {
	rt.Output().Error(err.Error())
	if d := disk.DiagnosticOf(err); d != nil {
		rt.Output().Info(d.String())
	}
	return tui.CommandResult{
		Status: tui.StatusSuccess,
		Error:  &tui.CommandError{Message: err.Error()},
	}
}

// shell keeps one orchestrator for the session so status survives
// between commands.
type shell struct {
	a    *app
	ctx  context.Context
	orch *install.Orchestrator
}

func (sh *shell) selected(rt tui.CommandRuntime) (string, error) {
	v, ok := rt.Session().Get(sessionDevice)
	if !ok || v == nil {
		return "", fmt.Errorf("no device selected, use 'select <device>' first")
	}
	id, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid device selection")
	}
	return id, nil
}

func (sh *shell) list(rt tui.CommandRuntime, _ tui.CommandInput) tui.CommandResult {
	p, err := sh.a.plat()
	if err != nil {
		return shellFail(rt, err)
	}
	disks, err := p.ListRemovableDisks(sh.ctx)
	if err != nil {
		return shellFail(rt, err)
	}
	if len(disks) == 0 {
		rt.Output().Warn("No removable disks found")
		return shellOK()
	}
	for i, d := range disks {
		rt.Output().Info(fmt.Sprintf("%d. %s", i+1, diskSummary(d)))
	}
	return shellOK()
}

func (sh *shell) selectDevice(rt tui.CommandRuntime, input tui.CommandInput) tui.CommandResult {
	id := input.Args.String("device")
	if id == "" {
		return shellFail(rt, fmt.Errorf("device path is required"))
	}
	_, info, err := sh.a.lookup(sh.ctx, id)
	if err != nil {
		return shellFail(rt, err)
	}
	rt.Session().Set(sessionDevice, info.DeviceID)
	rt.NavigateTo("device", nil)
	rt.Output().Info(fmt.Sprintf("Selected %s", diskSummary(info)))
	return shellOK()
}

func (sh *shell) install(rt tui.CommandRuntime, input tui.CommandInput) tui.CommandResult {
	device, err := sh.selected(rt)
	if err != nil {
		return shellFail(rt, err)
	}
	image := input.Args.String("image")
	if input.Args.String("confirm") != deviceName(device) {
		return shellFail(rt, fmt.Errorf("type the device name %q as the second argument to confirm", deviceName(device)))
	}
	ch, err := sh.orch.Install(sh.ctx, device, image)
	if err != nil {
		return shellFail(rt, err)
	}
	echo := logEcho{}
	var last install.InstallationProgress
	for p := range ch {
		last = p
		for _, e := range echo.next(p.Logs) {
			msg := fmt.Sprintf("[%3d%%] %s", p.Progress, e.Message)
			switch e.Level {
			case install.LevelError:
				rt.Output().Error(msg)
			case install.LevelWarning:
				rt.Output().Warn(msg)
			default:
				rt.Output().Info(msg)
			}
		}
	}
	if last.Stage != install.StageCompleted {
		return shellFail(rt, fmt.Errorf("installation failed: %s", last.Error))
	}
	rt.Output().Info(fmt.Sprintf("Installed %s on %s", filepath.Base(image), device))
	return shellOK()
}

func (sh *shell) status(rt tui.CommandRuntime, _ tui.CommandInput) tui.CommandResult {
	runs := sh.orch.Tracker().List()
	if len(runs) == 0 {
		rt.Output().Info("No installations in this session")
		return shellOK()
	}
	for _, p := range runs {
		line := fmt.Sprintf("%s  %s  %-11s %3d%%", p.DeviceID, filepath.Base(p.ImagePath), p.Stage, p.Progress)
		if p.Error != "" {
			line += "  " + p.Error
		}
		rt.Output().Info(line)
	}
	return shellOK()
}

// clear forgets the finished installation of the selected device.
func (sh *shell) clear(rt tui.CommandRuntime, _ tui.CommandInput) tui.CommandResult {
	device, err := sh.selected(rt)
	if err != nil {
		return shellFail(rt, err)
	}
	if err := sh.orch.Tracker().Remove(device); err != nil {
		return shellFail(rt, fmt.Errorf("%s: %w", device, err))
	}
	rt.Output().Info("Cleared the installation record of " + device)
	return shellOK()
}

func (sh *shell) monitor(rt tui.CommandRuntime, input tui.CommandInput) tui.CommandResult {
	device, err := sh.selected(rt)
	if err != nil {
		return shellFail(rt, err)
	}
	if err := sh.a.runMonitor(sh.ctx, input.Args.String("image"), device, installOptions{}); err != nil {
		return shellFail(rt, err)
	}
	return shellOK()
}

func (sh *shell) register() {
	tui.RegisterContext("disk", "Removable disk commands")
	tui.RegisterContext("device", "Commands for the selected device")

	imageArg := tui.ArgSpec{Name: "image", Type: tui.ArgTypeString, Required: true, Description: "Image file to install"}
	for _, c := range []*shellCommand{
		{spec: tui.CommandSpec{
			Name: "list", Summary: "List removable disks", Context: "disk", Aliases: []string{"ls", "disks"},
			Description: "Lists the removable disks that can be written.",
		}, run: sh.list},
		{spec: tui.CommandSpec{
			Name: "select", Summary: "Select a device", Context: "disk", Aliases: []string{"sel"},
			Description: "Selects a removable disk and switches to the device context.",
			Args:        []tui.ArgSpec{{Name: "device", Type: tui.ArgTypeString, Required: true, Description: "Device path"}},
		}, run: sh.selectDevice},
		{spec: tui.CommandSpec{
			Name: "install", Summary: "Install an image on the selected device", Context: "device", Aliases: []string{"i"},
			Description: "Formats, writes, verifies and configures the selected device.",
			Args: []tui.ArgSpec{
				imageArg,
				{Name: "confirm", Type: tui.ArgTypeString, Required: true, Description: "Device name, to confirm data loss"},
			},
		}, run: sh.install},
		{spec: tui.CommandSpec{
			Name: "monitor", Summary: "Install in the full-screen view", Context: "device", Aliases: []string{"m"},
			Description: "Opens the full-screen monitor for the selected device.",
			Args:        []tui.ArgSpec{imageArg},
		}, run: sh.monitor},
		{spec: tui.CommandSpec{
			Name: "status", Summary: "Show installations of this session", Context: "device", Aliases: []string{"st"},
			Description: "Shows the latest progress of every installation started in this shell.",
		}, run: sh.status},
		{spec: tui.CommandSpec{
			Name: "clear", Summary: "Forget the finished installation of the selected device", Context: "device", Aliases: []string{"forget"},
			Description: "Removes the selected device from the status list. A running installation cannot be cleared.",
		}, run: sh.clear},
	} {
		tui.RegisterCommand(c)
	}
}

func (a *app) runShell(ctx context.Context) error {
	orch, err := a.orchestrator(installOptions{})
	if err != nil {
		return err
	}
	sh := &shell{a: a, ctx: ctx, orch: orch}
	sh.register()

	_ = os.MkdirAll(a.stateDir(), 0o755)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "piflash> ",
		HistoryFile:     filepath.Join(a.stateDir(), "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	return tui.Run(rl)
}
