//go:build !windows

package disk

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

func isNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EFBIG)
}

// EIO is what most card readers report once the medium is pulled.
func isDeviceGone(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.EIO) || errors.Is(err, fs.ErrNotExist)
}

// EROFS covers SD cards with the write-protect switch engaged.
func isPermission(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EROFS) || errors.Is(err, fs.ErrPermission)
}
