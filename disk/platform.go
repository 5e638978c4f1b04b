package disk

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	psdisk "github.com/shirou/gopsutil/v3/disk"
)

// Platform is the per-OS capability set behind enumeration and formatting.
// Implementations live in platform_<os>.go and are selected at build time.
type Platform interface {
	// ListRemovableDisks returns the removable whole disks currently present.
	ListRemovableDisks(ctx context.Context) ([]DiskInfo, error)
	// Format erases deviceID and creates one filesystem spanning it.
	Format(ctx context.Context, deviceID string, fs FileSystem, label string) error
	Mount(ctx context.Context, deviceID string) error
	Unmount(ctx context.Context, deviceID string) error
	Eject(ctx context.Context, deviceID string) error
	// BootPartitionPath returns where the first partition is mounted,
	// mounting it first if needed.
	BootPartitionPath(ctx context.Context, deviceID string) (string, error)
}

type options struct {
	runner Runner
	log    zerolog.Logger
}

// Option configures New.
type Option func(*options)

// WithRunner replaces the command runner, mostly for tests.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogger sets the logger used for command tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New returns the Platform for the running OS.
func New(opts ...Option) (Platform, error) {
	o := options{runner: ExecRunner{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return newPlatform(o)
}

// Lookup re-enumerates and returns the current DiskInfo of deviceID. A
// device that vanished yields ErrDeviceGone; one that is present but not
// removable yields ErrFormat so nothing destructive runs against it.
func Lookup(ctx context.Context, p Platform, deviceID string) (DiskInfo, error) {
	disks, err := p.ListRemovableDisks(ctx)
	if err != nil {
		return DiskInfo{}, err
	}
	want := CanonicalDeviceID(deviceID)
	for _, d := range disks {
		if CanonicalDeviceID(d.DeviceID) == want {
			return d, nil
		}
	}
	if !deviceNodeExists(rawDevicePath(deviceID)) && !deviceNodeExists(deviceID) {
		return DiskInfo{}, &Error{Kind: ErrDeviceGone, Op: "lookup", Device: deviceID, Msg: "device is no longer present"}
	}
	return DiskInfo{}, &Error{Kind: ErrFormat, Op: "lookup", Device: deviceID, Msg: "refusing to touch a device that is not a removable disk"}
}

// partitionPath builds the device path of partition num on disk base.
// Devices whose name ends in a digit take a "p" separator on Linux
// (mmcblk0p1, nvme0n1p1, loop0p1); macOS uses "s" (disk4s1).
func partitionPath(base string, num int) string {
	name := base[strings.LastIndex(base, "/")+1:]
	switch {
	case strings.HasPrefix(name, "disk") || strings.HasPrefix(name, "rdisk"):
		return base + "s" + strconv.Itoa(num)
	case name != "" && name[len(name)-1] >= '0' && name[len(name)-1] <= '9':
		return base + "p" + strconv.Itoa(num)
	}
	return base + strconv.Itoa(num)
}

// DefaultLabel names freshly formatted volumes when no label is given.
const DefaultLabel = "BOOT"

// volumeLabel trims label to what fs can store. FAT labels are uppercase.
func volumeLabel(fs FileSystem, label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultLabel
	}
	max := 11
	if fs == Ext4 {
		max = 16
	}
	if fs == FAT32 {
		label = strings.ToUpper(label)
	}
	if len(label) > max {
		label = label[:max]
	}
	return label
}

// mountedFree sums the free bytes of mounted volumes. It backs up the OS
// tool when that reported no free space for a mounted disk.
func mountedFree(mounts []string) uint64 {
	var free uint64
	for _, mp := range mounts {
		if u, err := psdisk.Usage(mp); err == nil {
			free += u.Free
		}
	}
	return free
}
