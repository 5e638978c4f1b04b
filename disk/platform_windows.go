//go:build windows

package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// diskQuery emits every disk with its partitions and volumes as JSON.
const diskQuery = `$ErrorActionPreference = 'Stop'
@(Get-Disk | ForEach-Object {
  $d = $_
  $parts = @(Get-Partition -DiskNumber $d.Number -ErrorAction SilentlyContinue | ForEach-Object {
    $v = $_ | Get-Volume -ErrorAction SilentlyContinue
    [pscustomobject]@{
      Number = $_.PartitionNumber
      DriveLetter = [string]$_.DriveLetter
      Label = [string]$v.FileSystemLabel
      FileSystem = [string]$v.FileSystem
      SizeRemaining = [uint64]$v.SizeRemaining
    }
  })
  [pscustomobject]@{
    Number = $d.Number
    FriendlyName = [string]$d.FriendlyName
    BusType = [string]$d.BusType
    Size = [uint64]$d.Size
    IsBoot = [bool]$d.IsBoot
    IsSystem = [bool]$d.IsSystem
    IsReadOnly = [bool]$d.IsReadOnly
    Partitions = $parts
  }
}) | ConvertTo-Json -Depth 4 -Compress`

type winPartition struct {
	Number        int    `json:"Number"`
	DriveLetter   string `json:"DriveLetter"`
	Label         string `json:"Label"`
	FileSystem    string `json:"FileSystem"`
	SizeRemaining uint64 `json:"SizeRemaining"`
}

type winDisk struct {
	Number       int            `json:"Number"`
	FriendlyName string         `json:"FriendlyName"`
	BusType      string         `json:"BusType"`
	Size         uint64         `json:"Size"`
	IsBoot       bool           `json:"IsBoot"`
	IsSystem     bool           `json:"IsSystem"`
	IsReadOnly   bool           `json:"IsReadOnly"`
	Partitions   []winPartition `json:"Partitions"`
}

func (d winDisk) path() string {
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, d.Number)
}

func (d winDisk) letters() []string {
	var out []string
	for _, p := range d.Partitions {
		if p.DriveLetter != "" {
			out = append(out, p.DriveLetter)
		}
	}
	return out
}

var removableBuses = NewTransportFilter("usb", "sd", "mmc")

// parseWinDisks accepts both a JSON array and the bare object PowerShell
// emits for a single disk.
func parseWinDisks(out []byte) ([]winDisk, error) {
	out = bytes.TrimSpace(bytes.TrimPrefix(out, []byte("\xef\xbb\xbf")))
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '{' {
		var d winDisk
		if err := json.Unmarshal(out, &d); err != nil {
			return nil, err
		}
		d.clean()
		return []winDisk{d}, nil
	}
	var disks []winDisk
	if err := json.Unmarshal(out, &disks); err != nil {
		return nil, err
	}
	for i := range disks {
		disks[i].clean()
	}
	return disks, nil
}

// clean drops the NUL character PowerShell prints for "no drive letter".
func (d *winDisk) clean() {
	for i := range d.Partitions {
		d.Partitions[i].DriveLetter = strings.Trim(d.Partitions[i].DriveLetter, "\x00 ")
	}
}

type windowsPlatform struct {
	r   Runner
	log zerolog.Logger
}

func newPlatform(o options) (Platform, error) {
	return &windowsPlatform{r: o.runner, log: o.log}, nil
}

func rawDevicePath(deviceID string) string {
	return deviceID
}

func (p *windowsPlatform) query(ctx context.Context, kind error) ([]winDisk, error) {
	res, err := runTool(ctx, p.r, kind, "list", "", "powershell", "-NoProfile", "-NonInteractive", "-Command", diskQuery)
	if err != nil {
		return nil, err
	}
	disks, err := parseWinDisks(res.Stdout)
	if err != nil {
		return nil, &Error{Kind: kind, Op: "list", Msg: "cannot parse disk query output", Diag: res.Diagnostic(), Err: err}
	}
	return disks, nil
}

func (p *windowsPlatform) ListRemovableDisks(ctx context.Context) ([]DiskInfo, error) {
	disks, err := p.query(ctx, ErrEnumeration)
	if err != nil {
		return nil, err
	}
	out := []DiskInfo{}
	for _, d := range disks {
		cand := Device{
			Name:      fmt.Sprintf("PhysicalDrive%d", d.Number),
			Path:      d.path(),
			Type:      "disk",
			Transport: strings.ToLower(d.BusType),
			Model:     d.FriendlyName,
			SizeBytes: d.Size,
			ReadOnly:  d.IsReadOnly,
			System:    d.IsBoot || d.IsSystem,
		}
		cand.Removable = removableBuses.Match(cand)
		for _, l := range d.letters() {
			if getDriveType(l+`:\`) == driveRemovable {
				cand.Hotplug = true
			}
		}
		if !RemovableDiskFilter.Match(cand) {
			continue
		}
		info := DiskInfo{
			DeviceID:       cand.Path,
			TotalSizeBytes: d.Size,
			IsRemovable:    true,
			Model:          d.FriendlyName,
			Transport:      cand.Transport,
		}
		for _, part := range d.Partitions {
			if info.FileSystem == "" && part.FileSystem != "" {
				info.FileSystem = normalizeFileSystem(part.FileSystem, "")
				info.Label = part.Label
			}
			if l := part.DriveLetter; l != "" {
				info.MountPoints = append(info.MountPoints, l+`:\`)
				info.FreeSpaceBytes += part.SizeRemaining
			}
		}
		info.normalize()
		out = append(out, info)
	}
	return out, nil
}

// diskpart runs a script through diskpart /s.
func (p *windowsPlatform) diskpart(ctx context.Context, kind error, op, deviceID string, lines ...string) error {
	f, err := os.CreateTemp("", "piflash-diskpart-*.txt")
	if err != nil {
		return &Error{Kind: kind, Op: op, Device: deviceID, Err: err}
	}
	defer os.Remove(f.Name())
	_, err = f.WriteString(strings.Join(lines, "\r\n") + "\r\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Error{Kind: kind, Op: op, Device: deviceID, Err: err}
	}
	_, err = runTool(ctx, p.r, kind, op, deviceID, "diskpart", "/s", f.Name())
	return err
}

func (p *windowsPlatform) Format(ctx context.Context, deviceID string, fs FileSystem, label string) error {
	if _, err := Lookup(ctx, p, deviceID); err != nil {
		return err
	}
	n, ok := physicalDriveNumber(deviceID)
	if !ok {
		return &Error{Kind: ErrFormat, Op: "format", Device: deviceID, Msg: `expected a \\.\PhysicalDriveN path`}
	}
	var fsName string
	switch fs {
	case FAT32:
		fsName = "fat32"
	case ExFAT:
		fsName = "exfat"
	default:
		return &Error{Kind: ErrFormat, Op: "format", Device: deviceID, Msg: "diskpart cannot create " + string(fs)}
	}
	label = volumeLabel(fs, label)
	err := p.diskpart(ctx, ErrFormat, "format", deviceID,
		fmt.Sprintf("select disk %d", n),
		"clean",
		"create partition primary",
		fmt.Sprintf(`format fs=%s quick label="%s"`, fsName, label),
		"assign",
	)
	if err == nil {
		p.log.Info().Str("device", deviceID).Str("fs", fsName).Str("label", label).Msg("formatted")
		return nil
	}
	if fs != FAT32 {
		return err
	}
	// diskpart refuses FAT32 above 32 GiB; lay the volume down ourselves.
	p.log.Warn().Err(err).Str("device", deviceID).Msg("diskpart format failed, building FAT32 volume natively")
	if err := p.diskpart(ctx, ErrFormat, "format", deviceID, fmt.Sprintf("select disk %d", n), "clean"); err != nil {
		return err
	}
	t, terr := openTarget(deviceID, true)
	if terr != nil {
		return newError(classifyIO(terr, ErrFormat), "format", deviceID, terr)
	}
	defer t.Close()
	if ferr := FormatFAT32(t.f, t.capacity, label); ferr != nil {
		return &Error{Kind: classifyIO(ferr, ErrFormat), Op: "format", Device: deviceID, Err: ferr}
	}
	if serr := t.f.Sync(); serr != nil {
		return &Error{Kind: classifyIO(serr, ErrFormat), Op: "format", Device: deviceID, Err: serr}
	}
	return nil
}

func (p *windowsPlatform) disk(ctx context.Context, deviceID string) (winDisk, error) {
	disks, err := p.query(ctx, ErrMount)
	if err != nil {
		return winDisk{}, err
	}
	want := CanonicalDeviceID(deviceID)
	for _, d := range disks {
		if CanonicalDeviceID(d.path()) == want {
			return d, nil
		}
	}
	return winDisk{}, &Error{Kind: ErrDeviceGone, Device: deviceID, Msg: "device is no longer present"}
}

func (p *windowsPlatform) Mount(ctx context.Context, deviceID string) error {
	d, err := p.disk(ctx, deviceID)
	if err != nil {
		return err
	}
	var script []string
	for _, part := range d.Partitions {
		if part.DriveLetter == "" && part.FileSystem != "" {
			script = append(script, fmt.Sprintf("select disk %d", d.Number), fmt.Sprintf("select partition %d", part.Number), "assign")
		}
	}
	if len(script) == 0 {
		return nil
	}
	return p.diskpart(ctx, ErrMount, "mount", deviceID, script...)
}

func (p *windowsPlatform) Unmount(ctx context.Context, deviceID string) error {
	if !deviceNodeExists(deviceID) {
		return nil
	}
	d, err := p.disk(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, l := range d.letters() {
		if _, err := runTool(ctx, p.r, ErrMount, "unmount", deviceID, "mountvol", l+`:`, "/p"); err != nil {
			return err
		}
	}
	return nil
}

// Eject releases every drive letter; Windows has no generic media eject for
// card readers outside the shell.
func (p *windowsPlatform) Eject(ctx context.Context, deviceID string) error {
	return p.Unmount(ctx, deviceID)
}

func (p *windowsPlatform) BootPartitionPath(ctx context.Context, deviceID string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		d, err := p.disk(ctx, deviceID)
		if err != nil {
			return "", err
		}
		for _, part := range d.Partitions {
			if l := part.DriveLetter; l != "" && part.FileSystem != "" {
				return l + `:\`, nil
			}
		}
		if attempt == 0 {
			if err := p.Mount(ctx, deviceID); err != nil {
				return "", err
			}
		}
	}
	return "", &Error{Kind: ErrMount, Op: "boot-partition", Device: deviceID, Msg: "boot partition has no drive letter"}
}
