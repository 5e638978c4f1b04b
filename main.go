package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"piflash/disk"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg      Config
	log      zerolog.Logger
	platform disk.Platform
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	explicit := false
	if f := cmd.Flag("config"); f != nil {
		explicit = f.Changed
	}
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.log = newLogger(os.Stderr, cfg.LogLevel)
	return nil
}

func (a *app) plat() (disk.Platform, error) {
	if a.platform != nil {
		return a.platform, nil
	}
	p, err := disk.New(disk.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.platform = p
	return p, nil
}

func (a *app) lookup(ctx context.Context, device string) (disk.Platform, disk.DiskInfo, error) {
	p, err := a.plat()
	if err != nil {
		return nil, disk.DiskInfo{}, err
	}
	info, err := disk.Lookup(ctx, p, device)
	return p, info, err
}

func (a *app) stateDir() string {
	if a.cfg.StateDir != "" {
		return a.cfg.StateDir
	}
	return filepath.Join(os.TempDir(), "piflash")
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "piflash",
		Short:         "Write OS images to SD cards and USB drives",
		Long:          "Enumerate removable disks, format them, write and verify images, and apply first-boot configuration.",
		Version:       appversion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default "+defaultConfigPath()+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (overrides PIFLASH_LOG)")

	root.AddCommand(
		disksCmd(a),
		formatCmd(a),
		deviceCmd(a, "mount", "Mount the first partition of DEVICE", disk.Platform.Mount),
		deviceCmd(a, "unmount", "Unmount every volume of DEVICE", disk.Platform.Unmount),
		deviceCmd(a, "eject", "Unmount and power off DEVICE", disk.Platform.Eject),
		bootCmd(a),
		writeCmd(a),
		verifyCmd(a),
		inspectCmd(),
		installCmd(a),
		monitorCmd(a),
		shellCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(*cobra.Command, []string) {
				fmt.Printf("piflash %s\n", appversion)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, errAborted) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(1)
		}
		describeError(err)
		os.Exit(1)
	}
}

func disksCmd(a *app) *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:     "disks",
		Aliases: []string{"d", "list"},
		Short:   "List removable disks (read-only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.plat()
			if err != nil {
				return err
			}
			disks, err := p.ListRemovableDisks(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(disks)
			}
			printDisks(disks, all)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include model, transport and mount points")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDisks(disks []disk.DiskInfo, all bool) {
	if len(disks) == 0 {
		fmt.Println("No removable disks found.")
		return
	}
	fmt.Printf("%-20s  %-10s  %-8s  %-12s  %-10s  %s\n", "Device", "Size", "FS", "Label", "Free", "Mounted")
	for _, d := range disks {
		mounted := "no"
		if d.IsMounted {
			mounted = "yes"
		}
		fmt.Printf("%-20s  %-10s  %-8s  %-12s  %-10s  %s\n",
			d.DeviceID, formatBytes(d.TotalSizeBytes), orDash(d.FileSystem), orDash(d.Label), formatBytes(d.FreeSpaceBytes), mounted)
		if all {
			fmt.Printf("    model: %s  transport: %s  mounts: %s\n", orDash(d.Model), orDash(d.Transport), orDash(strings.Join(d.MountPoints, ", ")))
		}
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatCmd(a *app) *cobra.Command {
	var fsName, label string
	var force bool
	cmd := &cobra.Command{
		Use:   "format DEVICE",
		Short: "Erase DEVICE and create one filesystem on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fsName == "" {
				fsName = a.cfg.FileSystem
			}
			if label == "" {
				label = a.cfg.Label
			}
			fs, err := disk.ParseFileSystem(fsName)
			if err != nil {
				return err
			}
			warnPrivileges(args[0])
			p, info, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := confirmDestroy(info, "Formatting", force); err != nil {
				return err
			}
			if err := p.Format(cmd.Context(), info.DeviceID, fs, label); err != nil {
				return err
			}
			color.Green("Formatted %s as %s", info.DeviceID, fs)
			return nil
		},
	}
	cmd.Flags().StringVar(&fsName, "fs", "", "fat32|exfat|ext4")
	cmd.Flags().StringVar(&label, "label", "", "volume label")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func deviceCmd(a *app, use, short string, op func(disk.Platform, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " DEVICE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.plat()
			if err != nil {
				return err
			}
			if err := op(p, cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: %s done\n", args[0], use)
			return nil
		},
	}
}

func bootCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boot DEVICE",
		Short: "Print where the boot partition of DEVICE is mounted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.plat()
			if err != nil {
				return err
			}
			dir, err := p.BootPartitionPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	}
}

func writeCmd(a *app) *cobra.Command {
	var force bool
	var blockSize string
	cmd := &cobra.Command{
		Use:   "write IMAGE DEVICE",
		Short: "Write IMAGE onto DEVICE block by block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, device := args[0], args[1]
			if blockSize != "" {
				a.cfg.BlockSize = blockSize
			}
			bs, err := a.cfg.blockSize()
			if err != nil {
				return err
			}
			warnPrivileges(device)
			p, info, err := a.lookup(cmd.Context(), device)
			if err != nil {
				return err
			}
			if err := confirmDestroy(info, "Writing "+filepath.Base(image), force); err != nil {
				return err
			}
			if err := p.Unmount(cmd.Context(), device); err != nil {
				return err
			}

			w := disk.NewWriter(a.log)
			w.BlockSize = bs
			fmt.Printf("Writing %s to %s\n", image, device)
			live := newLiveStats(os.Stdout, "Write")
			err = w.WriteImage(cmd.Context(), image, device, live.update)
			live.stop()
			if err != nil {
				return err
			}
			color.Green("Written %s to %s", formatBytes(live.last.Bytes), device)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&blockSize, "block-size", "", "write block size (default 4m)")
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify IMAGE DEVICE",
		Short: "Compare the SHA-256 of IMAGE with the same bytes of DEVICE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, device := args[0], args[1]
			bs, err := a.cfg.blockSize()
			if err != nil {
				return err
			}
			warnPrivileges(device)
			v := disk.NewVerifier(a.log)
			v.BlockSize = bs
			live := newLiveStats(os.Stdout, "Verify")
			res, err := v.Verify(cmd.Context(), image, device, live.update)
			live.stop()
			if err != nil {
				return err
			}
			fmt.Printf("image:  %s\ndevice: %s\n", res.ImageDigest, res.DeviceDigest)
			if !res.Matches {
				return &disk.Error{Kind: disk.ErrVerifyMismatch, Op: "verify", Device: device}
			}
			color.Green("Verified %s (%s)", device, formatBytes(res.Bytes))
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect IMAGE|DEVICE",
		Short: "Show the partition table of an image or device",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			table, err := inspectTarget(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(table)
			}
			printPartitions(table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// inspectTarget reads regular files as images, so compressed ones are
// decompressed, and anything else as a device.
func inspectTarget(path string) (disk.PartitionTable, error) {
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		return disk.InspectImage(path)
	}
	warnPrivileges(path)
	return disk.InspectDevice(path)
}

func printPartitions(table disk.PartitionTable) {
	fmt.Printf("Scheme: %s\n", strings.ToUpper(table.Scheme))
	fmt.Printf("%-3s  %-5s  %-12s  %-12s  %-10s  %-8s  %s\n", "#", "Boot", "Start LBA", "Sectors", "Size", "FS", "Type")
	for _, p := range table.Partitions {
		boot := ""
		if p.Bootable {
			boot = "*"
		}
		typ := p.Type
		if p.Name != "" {
			typ += " (" + p.Name + ")"
		}
		if p.Logical {
			typ += " [logical]"
		}
		fmt.Printf("%-3d  %-5s  %-12d  %-12d  %-10s  %-8s  %s\n",
			p.Number, boot, p.StartLBA, p.Sectors, formatBytes(p.SizeBytes), orDash(p.FileSystem), typ)
	}
	for _, w := range table.Warnings {
		color.Yellow("warning: %s", w)
	}
}

func installCmd(a *app) *cobra.Command {
	var opts installOptions
	cmd := &cobra.Command{
		Use:   "install IMAGE DEVICE",
		Short: "Format DEVICE, write and verify IMAGE, then apply boot configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInstall(cmd.Context(), args[0], args[1], opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func monitorCmd(a *app) *cobra.Command {
	var opts installOptions
	cmd := &cobra.Command{
		Use:   "monitor IMAGE [DEVICE]",
		Short: "Install inside a full-screen view; pick the device when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device := ""
			if len(args) == 2 {
				device = args[1]
			}
			return a.runMonitor(cmd.Context(), args[0], device, opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func shellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "shell",
		Aliases: []string{"sh", "interactive"},
		Short:   "Interactive shell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runShell(cmd.Context())
		},
	}
}
