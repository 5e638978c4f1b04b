package disk

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileSystem names a filesystem the formatter can create.
type FileSystem string

const (
	FAT32 FileSystem = "fat32"
	ExFAT FileSystem = "exfat"
	Ext4  FileSystem = "ext4"
)

// ParseFileSystem accepts the common spellings (vfat, FAT32, exfat, ext4).
func ParseFileSystem(s string) (FileSystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fat32", "vfat", "fat":
		return FAT32, nil
	case "exfat":
		return ExFAT, nil
	case "ext4":
		return Ext4, nil
	}
	return "", fmt.Errorf("unsupported filesystem %q", s)
}

// DiskInfo describes one removable whole disk as seen at enumeration time.
type DiskInfo struct {
	DeviceID       string   `json:"deviceId"`
	Label          string   `json:"label"`
	FileSystem     string   `json:"fileSystem"`
	TotalSizeBytes uint64   `json:"totalSizeBytes"`
	FreeSpaceBytes uint64   `json:"freeSpaceBytes"`
	IsRemovable    bool     `json:"isRemovable"`
	IsMounted      bool     `json:"isMounted"`
	Model          string   `json:"model,omitempty"`
	Transport      string   `json:"transport,omitempty"`
	MountPoints    []string `json:"mountPoints,omitempty"`
}

// normalize clamps free space to the total size.
func (d *DiskInfo) normalize() {
	if d.FreeSpaceBytes > d.TotalSizeBytes {
		d.FreeSpaceBytes = d.TotalSizeBytes
	}
	d.IsMounted = len(d.MountPoints) > 0 || d.IsMounted
}

// CanonicalDeviceID maps alias paths of one device onto a single key:
// /dev/rdisk4 and /dev/disk4 are the same disk, and Windows paths are
// case-insensitive.
func CanonicalDeviceID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, `\\.\`) || strings.HasPrefix(id, `//./`) {
		return `\\.\` + strings.ToUpper(id[4:])
	}
	if strings.HasPrefix(strings.ToLower(id), "physicaldrive") {
		return `\\.\` + strings.ToUpper(id)
	}
	if strings.HasPrefix(id, "/dev/rdisk") {
		return "/dev/disk" + strings.TrimPrefix(id, "/dev/rdisk")
	}
	if id != "" && !strings.Contains(id, "/") && !strings.Contains(id, `\`) {
		return "/dev/" + id
	}
	return filepath.Clean(id)
}

// normalizeFileSystem turns tool-specific filesystem names into the short
// lowercase names used in DiskInfo.
func normalizeFileSystem(name, version string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	v := strings.ToUpper(strings.TrimSpace(version))
	switch {
	case n == "":
		return ""
	case n == "vfat" || n == "msdos" || strings.Contains(n, "fat32"):
		if v == "FAT16" || v == "FAT12" {
			return strings.ToLower(v)
		}
		if strings.Contains(n, "fat16") {
			return "fat16"
		}
		return string(FAT32)
	case strings.Contains(n, "exfat"):
		return string(ExFAT)
	case strings.Contains(n, "ms-dos"):
		return string(FAT32)
	}
	return n
}
