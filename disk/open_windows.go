//go:build windows

package disk

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	fsctlLockVolume                = 0x90018
	fsctlDismountVolume            = 0x90020
	ioctlStorageGetDeviceNumber    = 0x2D1080
	fileFlagWriteThrough           = 0x80000000
	driveRemovable          uint32 = 2
)

type storageDeviceNumber struct {
	DeviceType      uint32
	DeviceNumber    uint32
	PartitionNumber uint32
}

// target is an open destination device with its usable capacity. Volumes of
// the disk stay locked until Close.
type target struct {
	f        *os.File
	capacity int64
	align    int64
	volumes  []windows.Handle
}

func (t *target) Close() error {
	err := t.f.Close()
	for _, h := range t.volumes {
		_ = windows.CloseHandle(h)
	}
	return err
}

// physicalDriveNumber parses \\.\PhysicalDriveN.
func physicalDriveNumber(path string) (uint32, bool) {
	upper := strings.ToUpper(path)
	i := strings.Index(upper, "PHYSICALDRIVE")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(upper[i+len("PHYSICALDRIVE"):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func openHandle(path string, access uint32, flags uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(p, access, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, flags, 0)
}

// volumeDiskNumber reports which physical drive backs a drive letter.
func volumeDiskNumber(letter byte) (uint32, bool) {
	h, err := openHandle(`\\.\`+string(letter)+`:`, 0, 0)
	if err != nil {
		return 0, false
	}
	defer windows.CloseHandle(h)
	var out storageDeviceNumber
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlStorageGetDeviceNumber, nil, 0,
		(*byte)(unsafe.Pointer(&out)), uint32(unsafe.Sizeof(out)), &returned, nil)
	if err != nil {
		return 0, false
	}
	return out.DeviceNumber, true
}

// driveLettersOnDisk lists the mounted drive letters of a physical drive.
func driveLettersOnDisk(n uint32) []byte {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil
	}
	var out []byte
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		letter := byte('A' + i)
		if dn, ok := volumeDiskNumber(letter); ok && dn == n {
			out = append(out, letter)
		}
	}
	return out
}

// lockVolume locks and dismounts a volume. The handle must stay open for as
// long as raw access to the disk continues.
func lockVolume(letter byte) (windows.Handle, error) {
	h, err := openHandle(`\\.\`+string(letter)+`:`, windows.GENERIC_READ|windows.GENERIC_WRITE, 0)
	if err != nil {
		return 0, err
	}
	var returned uint32
	if err := windows.DeviceIoControl(h, fsctlLockVolume, nil, 0, nil, 0, &returned, nil); err != nil {
		_ = windows.CloseHandle(h)
		return 0, fmt.Errorf("lock volume %c: %w", letter, err)
	}
	if err := windows.DeviceIoControl(h, fsctlDismountVolume, nil, 0, nil, 0, &returned, nil); err != nil {
		_ = windows.CloseHandle(h)
		return 0, fmt.Errorf("dismount volume %c: %w", letter, err)
	}
	return h, nil
}

// openTarget opens a file or physical drive with write-through semantics so
// a returned write has reached the medium.
func openTarget(path string, write bool) (*target, error) {
	t := &target{align: 1}
	access := uint32(windows.GENERIC_READ)
	flags := uint32(0)
	if write {
		access |= windows.GENERIC_WRITE
		flags = fileFlagWriteThrough
	}
	if n, ok := physicalDriveNumber(path); ok {
		t.align = sectorSize
		if write {
			for _, letter := range driveLettersOnDisk(n) {
				h, err := lockVolume(letter)
				if err != nil {
					_ = t.closeVolumes()
					return nil, err
				}
				t.volumes = append(t.volumes, h)
			}
		}
	}
	h, err := openHandle(path, access, flags)
	if err != nil {
		_ = t.closeVolumes()
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	t.f = os.NewFile(uintptr(h), path)
	size, err := deviceSize(t.f)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	t.capacity = size
	return t, nil
}

func (t *target) closeVolumes() error {
	for _, h := range t.volumes {
		_ = windows.CloseHandle(h)
	}
	t.volumes = nil
	return nil
}

func deviceNodeExists(path string) bool {
	if _, ok := physicalDriveNumber(path); !ok {
		_, err := os.Stat(path)
		return err == nil
	}
	h, err := openHandle(path, 0, 0)
	if err != nil {
		return false
	}
	_ = windows.CloseHandle(h)
	return true
}

// getDriveType wraps GetDriveTypeW for a root such as `E:\`.
func getDriveType(root string) uint32 {
	p, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0
	}
	return windows.GetDriveType(p)
}
