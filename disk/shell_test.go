package disk

import (
	"context"
	"errors"
	"testing"
)

func TestRunToolClassifiesFailures(t *testing.T) {
	exit1 := errors.New("exit status 1")
	tests := []struct {
		name   string
		stderr string
		err    error
		want   error
	}{
		{"plain failure", "mkfs.vfat: unable to open /dev/sdb1: Device or resource busy", exit1, ErrFormat},
		{"permission denied", "mkfs.vfat: unable to open /dev/sdb1: Permission denied", exit1, ErrPermission},
		{"not permitted", "umount: /media/pi/boot: Operation not permitted.", exit1, ErrPermission},
		{"must be root", "umount: /media/pi/boot: must be superuser to unmount.\neject: must be root", exit1, ErrPermission},
		{"diskpart", "Virtual Disk Service error:\nAccess is denied.", exit1, ErrPermission},
		{"cancelled wins", "Permission denied", ErrCancelled, ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newScriptedRunner()
			r.fail("mkfs.vfat /dev/sdb1", 1, tt.stderr, tt.err)
			_, err := runTool(context.Background(), r, ErrFormat, "format", "/dev/sdb", "mkfs.vfat", "/dev/sdb1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want kind %v", err, tt.want)
			}
			if KindOf(err) != tt.want {
				t.Fatalf("KindOf = %v, want %v", KindOf(err), tt.want)
			}
			if d := DiagnosticOf(err); d == nil || d.Stderr != tt.stderr {
				t.Fatalf("diagnostic = %+v", d)
			}
		})
	}

	r := newScriptedRunner()
	res, err := runTool(context.Background(), r, ErrFormat, "format", "/dev/sdb", "sync")
	if err != nil || res.Command[0] != "sync" {
		t.Fatalf("success = %+v, %v", res, err)
	}
}
