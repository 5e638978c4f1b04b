//go:build windows

package disk

import (
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const ioctlDiskGetLengthInfo = 0x7405C

// deviceSize returns the size of a regular file or physical drive in bytes.
func deviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err == nil && size > 0 {
		_, err = f.Seek(0, io.SeekStart)
		return size, err
	}
	var length int64
	var returned uint32
	err = windows.DeviceIoControl(windows.Handle(f.Fd()), ioctlDiskGetLengthInfo, nil, 0,
		(*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)), &returned, nil)
	if err != nil {
		return 0, err
	}
	return length, nil
}
