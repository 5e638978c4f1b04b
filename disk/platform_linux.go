//go:build linux

package disk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var lsblkColumns = []string{
	"NAME", "PATH", "SIZE", "TYPE", "RM", "HOTPLUG", "RO", "TRAN", "MODEL",
	"LABEL", "FSTYPE", "FSVER", "MOUNTPOINT", "FSAVAIL",
}

// systemMounts mark the disk the running system lives on.
var systemMounts = map[string]bool{"/": true, "/boot": true, "/boot/efi": true, "/boot/firmware": true, "/usr": true, "[SWAP]": true}

// flexBool accepts lsblk's boolean encodings: true/false in recent releases,
// "1"/"0" or 1/0 in older ones.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch s {
	case "1", "true":
		*b = true
	case "0", "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       any           `json:"size"`
	Type       string        `json:"type"`
	RM         flexBool      `json:"rm"`
	Hotplug    flexBool      `json:"hotplug"`
	RO         flexBool      `json:"ro"`
	Tran       string        `json:"tran"`
	Model      string        `json:"model"`
	Label      string        `json:"label"`
	FSType     string        `json:"fstype"`
	FSVer      string        `json:"fsver"`
	Mountpoint string        `json:"mountpoint"`
	FSAvail    any           `json:"fsavail"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkTree struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

func (d lsblkDevice) path() string {
	if strings.TrimSpace(d.Path) != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}

// walk visits d and every descendant.
func (d lsblkDevice) walk(fn func(lsblkDevice)) {
	fn(d)
	for _, c := range d.Children {
		c.walk(fn)
	}
}

func (d lsblkDevice) mountPoints() []string {
	var out []string
	d.walk(func(n lsblkDevice) {
		if n.Mountpoint != "" && n.Mountpoint != "[SWAP]" {
			out = append(out, n.Mountpoint)
		}
	})
	return out
}

func (d lsblkDevice) candidate() Device {
	dev := Device{
		Name:      d.Name,
		Path:      d.path(),
		Type:      d.Type,
		Transport: d.Tran,
		Model:     strings.TrimSpace(d.Model),
		SizeBytes: normalizeSize(d.Size),
		Removable: bool(d.RM),
		Hotplug:   bool(d.Hotplug),
		ReadOnly:  bool(d.RO),
	}
	d.walk(func(n lsblkDevice) {
		if systemMounts[n.Mountpoint] {
			dev.System = true
		}
	})
	return dev
}

func (d lsblkDevice) diskInfo() DiskInfo {
	info := DiskInfo{
		DeviceID:       d.path(),
		TotalSizeBytes: normalizeSize(d.Size),
		IsRemovable:    true,
		Model:          strings.TrimSpace(d.Model),
		Transport:      d.Tran,
		MountPoints:    d.mountPoints(),
	}
	d.walk(func(n lsblkDevice) {
		if info.FileSystem == "" && n.FSType != "" {
			info.FileSystem = normalizeFileSystem(n.FSType, n.FSVer)
			info.Label = n.Label
		}
		info.FreeSpaceBytes += normalizeSize(n.FSAvail)
	})
	if info.FreeSpaceBytes == 0 && len(info.MountPoints) > 0 {
		info.FreeSpaceBytes = mountedFree(info.MountPoints)
	}
	info.normalize()
	return info
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

type linuxPlatform struct {
	r             Runner
	log           zerolog.Logger
	mountInfoPath string
	mountRoot     string
}

func newPlatform(o options) (Platform, error) {
	return &linuxPlatform{
		r:             o.runner,
		log:           o.log,
		mountInfoPath: "/proc/self/mountinfo",
		mountRoot:     "/media/piflash",
	}, nil
}

func rawDevicePath(deviceID string) string {
	return deviceID
}

func (p *linuxPlatform) lsblk(ctx context.Context, devices ...string) (lsblkTree, error) {
	var tree lsblkTree
	if _, err := p.r.LookPath("lsblk"); err != nil {
		return tree, &Error{Kind: ErrEnumeration, Op: "list", Msg: "lsblk not found", Err: err}
	}
	args := append([]string{"--bytes", "--json", "-o", strings.Join(lsblkColumns, ",")}, devices...)
	res, err := p.r.Run(ctx, "lsblk", args...)
	if err != nil && strings.Contains(string(res.Stderr), "FSVER") {
		// util-linux before 2.36 has no FSVER column.
		cols := strings.Replace(strings.Join(lsblkColumns, ","), ",FSVER", "", 1)
		args = append([]string{"--bytes", "--json", "-o", cols}, devices...)
		res, err = p.r.Run(ctx, "lsblk", args...)
	}
	if err != nil {
		return tree, &Error{Kind: ErrEnumeration, Op: "list", Diag: res.Diagnostic(), Err: err}
	}
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return tree, &Error{Kind: ErrEnumeration, Op: "list", Msg: "cannot parse lsblk output", Diag: res.Diagnostic(), Err: err}
	}
	return tree, nil
}

func (p *linuxPlatform) ListRemovableDisks(ctx context.Context) ([]DiskInfo, error) {
	tree, err := p.lsblk(ctx)
	if err != nil {
		return nil, err
	}
	out := []DiskInfo{}
	for _, bd := range tree.Blockdevices {
		cand := bd.candidate()
		if !RemovableDiskFilter.Match(cand) {
			p.log.Debug().Str("device", cand.Path).Str("type", cand.Type).Bool("rm", cand.Removable).
				Bool("system", cand.System).Msg("skipping device")
			continue
		}
		info := bd.diskInfo()
		if info.FileSystem == "" && len(bd.Children) == 0 {
			info.FileSystem = probeFileSystem(info.DeviceID)
		}
		out = append(out, info)
	}
	return out, nil
}

// probeFileSystem reads the signature of a partitionless device directly.
// Without read access it quietly reports nothing.
func probeFileSystem(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	return DetectFileSystem(f, 0)
}

// device returns the lsblk view of one disk.
func (p *linuxPlatform) device(ctx context.Context, deviceID string) (lsblkDevice, error) {
	if !deviceNodeExists(deviceID) {
		return lsblkDevice{}, &Error{Kind: ErrDeviceGone, Device: deviceID, Msg: "device is no longer present"}
	}
	tree, err := p.lsblk(ctx, deviceID)
	if err != nil {
		return lsblkDevice{}, err
	}
	if len(tree.Blockdevices) == 0 {
		return lsblkDevice{}, &Error{Kind: ErrDeviceGone, Device: deviceID, Msg: "lsblk does not report the device"}
	}
	return tree.Blockdevices[0], nil
}

// volumes returns the nodes that can carry a filesystem: the partitions,
// or the disk itself when it has no partition table.
func (d lsblkDevice) volumes() []lsblkDevice {
	var out []lsblkDevice
	for _, c := range d.Children {
		if c.Type == "part" {
			out = append(out, c)
		}
	}
	if len(out) == 0 && d.FSType != "" {
		out = append(out, d)
	}
	return out
}

func (p *linuxPlatform) Format(ctx context.Context, deviceID string, fs FileSystem, label string) error {
	if _, err := Lookup(ctx, p, deviceID); err != nil {
		return err
	}
	if err := p.Unmount(ctx, deviceID); err != nil {
		return err
	}
	label = volumeLabel(fs, label)
	log := p.log.With().Str("device", deviceID).Str("fs", string(fs)).Str("label", label).Logger()

	var mkfs []string
	var partType string
	switch fs {
	case FAT32:
		mkfs, partType = []string{"mkfs.vfat", "-F", "32", "-n", label}, "fat32"
	case ExFAT:
		mkfs = []string{"mkfs.exfat", "-n", label}
	case Ext4:
		mkfs, partType = []string{"mkfs.ext4", "-F", "-L", label}, "ext4"
	default:
		return &Error{Kind: ErrFormat, Op: "format", Device: deviceID, Msg: fmt.Sprintf("unsupported filesystem %q", fs)}
	}

	_, mkfsErr := p.r.LookPath(mkfs[0])
	_, partedErr := p.r.LookPath("parted")
	if mkfsErr != nil || partedErr != nil {
		if fs == FAT32 {
			log.Warn().Msg("mkfs.vfat or parted missing, building FAT32 volume natively")
			return p.formatNative(ctx, deviceID, label)
		}
		return &Error{Kind: ErrFormat, Op: "format", Device: deviceID, Msg: mkfs[0] + " and parted are required"}
	}

	parted := []string{"-s", deviceID, "mklabel", "msdos", "mkpart", "primary"}
	if partType != "" {
		parted = append(parted, partType)
	}
	parted = append(parted, "1MiB", "100%")
	if _, err := runTool(ctx, p.r, ErrFormat, "partition", deviceID, "parted", parted...); err != nil {
		return err
	}
	_, _ = p.r.Run(ctx, "partprobe", deviceID)
	_, _ = p.r.Run(ctx, "udevadm", "settle")

	part := partitionPath(deviceID, 1)
	args := append(mkfs[1:], part)
	if _, err := runTool(ctx, p.r, ErrFormat, "format", deviceID, mkfs[0], args...); err != nil {
		return err
	}
	log.Info().Str("partition", part).Msg("formatted")

	if err := p.Mount(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("formatted volume not mounted")
	}
	return nil
}

// formatNative writes a partitionless FAT32 volume over the whole device.
func (p *linuxPlatform) formatNative(ctx context.Context, deviceID, label string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrCancelled, Op: "format", Device: deviceID, Err: err}
	}
	t, err := openTarget(deviceID, true)
	if err != nil {
		return newError(classifyIO(err, ErrFormat), "format", deviceID, err)
	}
	defer t.Close()
	if err := FormatFAT32(t.f, t.capacity, label); err != nil {
		return &Error{Kind: classifyIO(err, ErrFormat), Op: "format", Device: deviceID, Err: err}
	}
	if err := t.f.Sync(); err != nil {
		return &Error{Kind: classifyIO(err, ErrFormat), Op: "format", Device: deviceID, Err: err}
	}
	return nil
}

func (p *linuxPlatform) Mount(ctx context.Context, deviceID string) error {
	dev, err := p.device(ctx, deviceID)
	if err != nil {
		return err
	}
	_, udisksErr := p.r.LookPath("udisksctl")
	for _, v := range dev.volumes() {
		if v.Mountpoint != "" || v.FSType == "" {
			continue
		}
		if udisksErr == nil {
			if _, err := runTool(ctx, p.r, ErrMount, "mount", deviceID, "udisksctl", "mount", "-b", v.path(), "--no-user-interaction"); err == nil {
				continue
			}
		}
		dir := filepath.Join(p.mountRoot, v.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Kind: classifyIO(err, ErrMount), Op: "mount", Device: deviceID, Err: err}
		}
		if _, err := runTool(ctx, p.r, ErrMount, "mount", deviceID, "mount", v.path(), dir); err != nil {
			return err
		}
	}
	return nil
}

func (p *linuxPlatform) Unmount(ctx context.Context, deviceID string) error {
	if !deviceNodeExists(deviceID) {
		return nil
	}
	dev, err := p.device(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, mp := range dev.mountPoints() {
		if _, err := runTool(ctx, p.r, ErrMount, "unmount", deviceID, "umount", mp); err != nil {
			return err
		}
		p.log.Debug().Str("device", deviceID).Str("mountpoint", mp).Msg("unmounted")
	}
	return nil
}

func (p *linuxPlatform) Eject(ctx context.Context, deviceID string) error {
	if !deviceNodeExists(deviceID) {
		return nil
	}
	if err := p.Unmount(ctx, deviceID); err != nil {
		return err
	}
	if _, err := p.r.LookPath("eject"); err == nil {
		_, err := runTool(ctx, p.r, ErrMount, "eject", deviceID, "eject", deviceID)
		return err
	}
	if _, err := p.r.LookPath("udisksctl"); err == nil {
		_, err := runTool(ctx, p.r, ErrMount, "eject", deviceID, "udisksctl", "power-off", "-b", deviceID, "--no-user-interaction")
		return err
	}
	return &Error{Kind: ErrUnsupported, Op: "eject", Device: deviceID, Msg: "neither eject nor udisksctl is installed"}
}

func (p *linuxPlatform) BootPartitionPath(ctx context.Context, deviceID string) (string, error) {
	dev, err := p.device(ctx, deviceID)
	if err != nil {
		return "", err
	}
	vols := dev.volumes()
	if len(vols) == 0 {
		return "", &Error{Kind: ErrMount, Op: "boot-partition", Device: deviceID, Msg: "device has no filesystem"}
	}
	boot := vols[0].path()
	if mp, err := findMountPoint(p.mountInfoPath, boot); err == nil {
		return mp, nil
	}
	if err := p.Mount(ctx, deviceID); err != nil {
		return "", err
	}
	mp, err := findMountPoint(p.mountInfoPath, boot)
	if err != nil {
		return "", &Error{Kind: ErrMount, Op: "boot-partition", Device: deviceID, Err: err}
	}
	return mp, nil
}

// findMountPoint looks devPath up in a mountinfo file.
func findMountPoint(mountInfoPath, devPath string) (string, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		before, after, ok := strings.Cut(scanner.Text(), " - ")
		if !ok {
			continue
		}
		beforeFields := strings.Fields(before)
		afterFields := strings.Fields(after)
		if len(beforeFields) < 5 || len(afterFields) < 2 {
			continue
		}
		if afterFields[1] == devPath {
			return unescapeMountInfo(beforeFields[4]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no mount found for device %s", devPath)
}

// unescapeMountInfo decodes the octal escapes (\040 for space) mountinfo
// uses in paths.
func unescapeMountInfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
