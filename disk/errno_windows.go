//go:build windows

package disk

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/windows"
)

const errorDeviceNotConnected = windows.Errno(1167)

func isNoSpace(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) || errors.Is(err, windows.ERROR_HANDLE_DISK_FULL) ||
		errors.Is(err, windows.ERROR_SECTOR_NOT_FOUND)
}

func isDeviceGone(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_READY) || errors.Is(err, errorDeviceNotConnected) ||
		errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_DEV_NOT_EXIST) ||
		errors.Is(err, fs.ErrNotExist)
}

func isPermission(err error) bool {
	return errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_WRITE_PROTECT) ||
		errors.Is(err, fs.ErrPermission)
}
