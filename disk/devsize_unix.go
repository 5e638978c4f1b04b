//go:build !windows

package disk

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"unsafe"
)

// deviceSize returns the size of a regular file or block device in bytes.
func deviceSize(f *os.File) (int64, error) {
	// Regular files and Linux block devices; character devices report 0.
	size, err := f.Seek(0, io.SeekEnd)
	if err == nil && size > 0 {
		_, err = f.Seek(0, io.SeekStart)
		return size, err
	}

	const (
		DKIOCGETBLOCKSIZE  = 0x40046418 // _IOR('d', 24, uint32)
		DKIOCGETBLOCKCOUNT = 0x40086419 // _IOR('d', 25, uint64)
		BLKGETSIZE64       = 0x80081272
	)

	var blockSize uint32
	var blockCount uint64

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), DKIOCGETBLOCKSIZE, uintptr(unsafe.Pointer(&blockSize)))
	if errno != 0 {
		var sizeBytes uint64
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), BLKGETSIZE64, uintptr(unsafe.Pointer(&sizeBytes)))
		if errno != 0 {
			if err == nil {
				return 0, nil
			}
			return 0, fmt.Errorf("cannot determine device size: %w", errno)
		}
		return int64(sizeBytes), nil
	}

	_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), DKIOCGETBLOCKCOUNT, uintptr(unsafe.Pointer(&blockCount)))
	if errno != 0 {
		return 0, fmt.Errorf("cannot get block count: %w", errno)
	}
	return int64(blockSize) * int64(blockCount), nil
}
