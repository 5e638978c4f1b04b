//go:build darwin

package disk

import (
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	diskutilBytes     = regexp.MustCompile(`\(([\d,]+) Bytes\)`)
	diskutilPartition = regexp.MustCompile(`^disk\d+s\d+$`)
)

// diskutilInfo is the key/value text `diskutil info` prints.
type diskutilInfo map[string]string

func parseDiskutilInfo(out []byte) diskutilInfo {
	info := diskutilInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return info
}

func (i diskutilInfo) bytes(key string) uint64 {
	m := diskutilBytes.FindStringSubmatch(i[key])
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	return n
}

func (i diskutilInfo) yes(key string) bool {
	return strings.EqualFold(i[key], "yes")
}

// parseDiskutilList groups partition identifiers under their whole disk.
func parseDiskutilList(out []byte) (disks []string, parts map[string][]string) {
	parts = map[string][]string{}
	var current string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "/dev/disk") {
			current = strings.Fields(line)[0]
			disks = append(disks, current)
			continue
		}
		fields := strings.Fields(line)
		if current == "" || len(fields) == 0 {
			continue
		}
		id := fields[len(fields)-1]
		if diskutilPartition.MatchString(id) {
			parts[current] = append(parts[current], "/dev/"+id)
		}
	}
	return disks, parts
}

type darwinPlatform struct {
	r   Runner
	log zerolog.Logger
}

func newPlatform(o options) (Platform, error) {
	return &darwinPlatform{r: o.runner, log: o.log}, nil
}

// rawDevicePath maps /dev/diskN to the unbuffered /dev/rdiskN node.
func rawDevicePath(deviceID string) string {
	id := CanonicalDeviceID(deviceID)
	if strings.HasPrefix(id, "/dev/disk") {
		return "/dev/rdisk" + strings.TrimPrefix(id, "/dev/disk")
	}
	return id
}

func (p *darwinPlatform) info(ctx context.Context, kind error, id string) (diskutilInfo, error) {
	res, err := runTool(ctx, p.r, kind, "info", id, "diskutil", "info", id)
	if err != nil {
		return nil, err
	}
	return parseDiskutilInfo(res.Stdout), nil
}

func (p *darwinPlatform) ListRemovableDisks(ctx context.Context) ([]DiskInfo, error) {
	if _, err := p.r.LookPath("diskutil"); err != nil {
		return nil, &Error{Kind: ErrEnumeration, Op: "list", Msg: "diskutil not found", Err: err}
	}
	res, err := runTool(ctx, p.r, ErrEnumeration, "list", "", "diskutil", "list", "external", "physical")
	if err != nil {
		return nil, err
	}
	disks, parts := parseDiskutilList(res.Stdout)

	out := []DiskInfo{}
	for _, id := range disks {
		di, err := p.info(ctx, ErrEnumeration, id)
		if err != nil {
			return nil, err
		}
		proto := strings.ToLower(di["Protocol"])
		cand := Device{
			Name:      strings.TrimPrefix(id, "/dev/"),
			Path:      id,
			Type:      "disk",
			Transport: proto,
			Model:     di["Device / Media Name"],
			SizeBytes: di.bytes("Disk Size"),
			Removable: di["Removable Media"] == "Removable" || di.yes("Ejectable"),
			Hotplug:   proto == "usb" || strings.Contains(proto, "secure digital"),
			ReadOnly:  di.yes("Media Read-Only"),
			System:    di.yes("Internal") && !di.yes("Ejectable"),
		}
		if !RemovableDiskFilter.Match(cand) {
			continue
		}
		info := DiskInfo{
			DeviceID:       id,
			TotalSizeBytes: cand.SizeBytes,
			IsRemovable:    true,
			Model:          cand.Model,
			Transport:      cand.Transport,
		}
		for _, part := range parts[id] {
			pi, err := p.info(ctx, ErrEnumeration, part)
			if err != nil {
				p.log.Debug().Err(err).Str("partition", part).Msg("skipping partition")
				continue
			}
			if info.FileSystem == "" && pi["File System Personality"] != "" {
				info.FileSystem = normalizeFileSystem(pi["File System Personality"], "")
				info.Label = pi["Volume Name"]
			}
			if pi.yes("Mounted") && pi["Mount Point"] != "" {
				info.MountPoints = append(info.MountPoints, pi["Mount Point"])
				free := pi.bytes("Volume Free Space")
				if free == 0 {
					free = pi.bytes("Container Free Space")
				}
				info.FreeSpaceBytes += free
			}
		}
		if info.FreeSpaceBytes == 0 && len(info.MountPoints) > 0 {
			info.FreeSpaceBytes = mountedFree(info.MountPoints)
		}
		info.normalize()
		out = append(out, info)
	}
	return out, nil
}

func (p *darwinPlatform) Format(ctx context.Context, deviceID string, fs FileSystem, label string) error {
	if _, err := Lookup(ctx, p, deviceID); err != nil {
		return err
	}
	var personality string
	switch fs {
	case FAT32:
		personality = "FAT32"
	case ExFAT:
		personality = "ExFAT"
	default:
		return &Error{Kind: ErrFormat, Op: "format", Device: deviceID, Msg: "diskutil cannot create " + string(fs)}
	}
	label = volumeLabel(fs, label)
	id := CanonicalDeviceID(deviceID)
	if _, err := runTool(ctx, p.r, ErrFormat, "format", deviceID, "diskutil", "eraseDisk", personality, label, "MBRFormat", id); err != nil {
		return err
	}
	p.log.Info().Str("device", deviceID).Str("fs", string(fs)).Str("label", label).Msg("formatted")
	return nil
}

func (p *darwinPlatform) Mount(ctx context.Context, deviceID string) error {
	_, err := runTool(ctx, p.r, ErrMount, "mount", deviceID, "diskutil", "mountDisk", CanonicalDeviceID(deviceID))
	return err
}

func (p *darwinPlatform) Unmount(ctx context.Context, deviceID string) error {
	id := CanonicalDeviceID(deviceID)
	if !deviceNodeExists(id) {
		return nil
	}
	_, err := runTool(ctx, p.r, ErrMount, "unmount", deviceID, "diskutil", "unmountDisk", id)
	return err
}

func (p *darwinPlatform) Eject(ctx context.Context, deviceID string) error {
	id := CanonicalDeviceID(deviceID)
	if !deviceNodeExists(id) {
		return nil
	}
	_, err := runTool(ctx, p.r, ErrMount, "eject", deviceID, "diskutil", "eject", id)
	return err
}

func (p *darwinPlatform) BootPartitionPath(ctx context.Context, deviceID string) (string, error) {
	part := partitionPath(CanonicalDeviceID(deviceID), 1)
	pi, err := p.info(ctx, ErrMount, part)
	if err != nil {
		return "", err
	}
	if mp := pi["Mount Point"]; mp != "" && pi.yes("Mounted") {
		return mp, nil
	}
	if _, err := runTool(ctx, p.r, ErrMount, "mount", deviceID, "diskutil", "mount", part); err != nil {
		return "", err
	}
	if pi, err = p.info(ctx, ErrMount, part); err != nil {
		return "", err
	}
	if mp := pi["Mount Point"]; mp != "" {
		return mp, nil
	}
	return "", &Error{Kind: ErrMount, Op: "boot-partition", Device: deviceID, Msg: "boot partition did not mount"}
}
