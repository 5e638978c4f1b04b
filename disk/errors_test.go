package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := fs.ErrPermission
	err := fmt.Errorf("install: %w", &Error{Kind: ErrWrite, Op: "write", Device: "/dev/sdz", Err: cause})

	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite in chain: %v", err)
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected wrapped cause in chain: %v", err)
	}
	if errors.Is(err, ErrFormat) {
		t.Fatalf("unexpected ErrFormat match")
	}
	if KindOf(err) != ErrWrite {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ErrImageTooLarge, Op: "write", Device: "/dev/sdz", Msg: "image is 10 bytes but device holds 5 bytes"}
	want := "write /dev/sdz: image is 10 bytes but device holds 5 bytes"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	bare := &Error{Kind: ErrDeviceGone}
	if bare.Error() != ErrDeviceGone.Error() {
		t.Fatalf("bare Error() = %q", bare.Error())
	}
}

func TestDiagnosticOf(t *testing.T) {
	res := Result{Command: []string{"mkfs.vfat", "-F", "32", "/dev/sdz1"}, Stderr: []byte("mkfs.vfat: unable to open /dev/sdz1\n"), Code: 1}
	err := fmt.Errorf("format: %w", &Error{Kind: ErrFormat, Diag: res.Diagnostic()})

	d := DiagnosticOf(err)
	if d == nil {
		t.Fatalf("no diagnostic found")
	}
	if d.ExitCode != 1 {
		t.Fatalf("exit code = %d", d.ExitCode)
	}
	s := d.String()
	for _, want := range []string{"command: mkfs.vfat -F 32 /dev/sdz1", "exit code: 1", "stderr: mkfs.vfat: unable to open"} {
		if !strings.Contains(s, want) {
			t.Fatalf("diagnostic %q missing %q", s, want)
		}
	}
	if DiagnosticOf(errors.New("plain")) != nil {
		t.Fatalf("plain errors carry no diagnostic")
	}
}

func TestClassifyIO(t *testing.T) {
	if got := classifyIO(&fs.PathError{Op: "open", Path: "/dev/sdz", Err: fs.ErrNotExist}, ErrWrite); got != ErrDeviceGone {
		t.Fatalf("missing node classified as %v", got)
	}
	if got := classifyIO(&fs.PathError{Op: "open", Path: "/dev/sdz", Err: fs.ErrPermission}, ErrWrite); got != ErrPermission {
		t.Fatalf("permission classified as %v", got)
	}
	if got := classifyIO(errors.New("odd"), ErrWrite); got != ErrWrite {
		t.Fatalf("unknown classified as %v", got)
	}
}
