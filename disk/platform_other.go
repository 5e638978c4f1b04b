//go:build !linux && !darwin && !windows

package disk

import (
	"runtime"
)

func newPlatform(options) (Platform, error) {
	return nil, &Error{Kind: ErrUnsupported, Op: "platform", Msg: "no disk backend for " + runtime.GOOS}
}

func rawDevicePath(deviceID string) string {
	return deviceID
}
