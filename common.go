package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"

	"piflash/disk"
)

var errAborted = errors.New("aborted by user")

// warnPrivileges prints a hint when raw device access will likely fail.
func warnPrivileges(device string) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		return
	}
	color.Yellow("Not running as root; access to %s may be denied, try with elevated privileges", device)
}

// confirmDestroy asks the user to type the device name before anything
// destructive touches it. force skips the prompt.
func confirmDestroy(info disk.DiskInfo, action string, force bool) error {
	if force {
		return nil
	}
	color.Red("\nWARNING: %s will DESTROY ALL DATA on %s", action, info.DeviceID)
	fmt.Printf("  %s  %s  %s\n", info.Model, formatBytes(info.TotalSizeBytes), strings.Join(info.MountPoints, ","))

	want := deviceName(info.DeviceID)
	var typed string
	prompt := &survey.Input{
		Message: fmt.Sprintf("Type '%s' to confirm:", want),
	}
	if err := survey.AskOne(prompt, &typed); err != nil {
		return err
	}
	if strings.TrimSpace(typed) != want {
		return errAborted
	}
	return nil
}

// deviceName is the last path element: sdb, disk4, PHYSICALDRIVE2.
func deviceName(id string) string {
	id = strings.TrimRight(id, `/\`)
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		return id[i+1:]
	}
	return id
}

// pickDevice prompts for one of disks.
func pickDevice(disks []disk.DiskInfo) (disk.DiskInfo, error) {
	if len(disks) == 0 {
		return disk.DiskInfo{}, fmt.Errorf("no removable disks found")
	}
	options := make([]string, len(disks))
	for i, d := range disks {
		options[i] = diskSummary(d)
	}
	var selected int
	prompt := &survey.Select{
		Message: "Select target device:",
		Options: options,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return disk.DiskInfo{}, err
	}
	return disks[selected], nil
}

func diskSummary(d disk.DiskInfo) string {
	s := fmt.Sprintf("%s - %s", d.DeviceID, formatBytes(d.TotalSizeBytes))
	if d.Model != "" {
		s += " " + d.Model
	}
	if d.Transport != "" {
		s += " [" + d.Transport + "]"
	}
	return s
}

// describeError prints err and its diagnostic, if any.
func describeError(err error) {
	color.Red("Error: %v", err)
	if d := disk.DiagnosticOf(err); d != nil {
		fmt.Fprintln(os.Stderr, d.String())
	}
	if errors.Is(err, disk.ErrPermission) {
		fmt.Fprintln(os.Stderr, "Try again with elevated privileges.")
	}
}
