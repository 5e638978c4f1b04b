//go:build !windows

package disk

import (
	"os"
)

// target is an open destination device with its usable capacity.
type target struct {
	f        *os.File
	capacity int64
	align    int64
}

func (t *target) Close() error {
	return t.f.Close()
}

// openTarget opens a device for raw access. Writes go through O_SYNC so a
// returned write has reached the medium.
func openTarget(path string, write bool) (*target, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_WRONLY | os.O_SYNC
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	t := &target{f: f, align: 1}
	if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeDevice != 0 {
		t.align = sectorSize
	}
	size, err := deviceSize(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	t.capacity = size
	return t, nil
}

func deviceNodeExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
