package disk

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	ErrEnumeration    = errors.New("device enumeration failed")
	ErrDeviceGone     = errors.New("device disappeared")
	ErrPermission     = errors.New("insufficient privileges")
	ErrFormat         = errors.New("format failed")
	ErrMount          = errors.New("mount operation failed")
	ErrImageTooLarge  = errors.New("image larger than device")
	ErrWrite          = errors.New("image write failed")
	ErrVerify         = errors.New("image verification failed")
	ErrVerifyMismatch = errors.New("image checksum mismatch")
	ErrCancelled      = errors.New("operation cancelled")
	ErrUnsupported    = errors.New("operation not supported on this platform")
)

// Diagnostic is what an external command left behind when it failed.
type Diagnostic struct {
	Command  []string `json:"command,omitempty"`
	ExitCode int      `json:"exitCode"`
	Stderr   string   `json:"stderr,omitempty"`
	Stack    string   `json:"stack,omitempty"`
}

func (d *Diagnostic) String() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	if len(d.Command) > 0 {
		fmt.Fprintf(&b, "command: %s\n", strings.Join(d.Command, " "))
		fmt.Fprintf(&b, "exit code: %d\n", d.ExitCode)
	}
	if s := strings.TrimSpace(d.Stderr); s != "" {
		fmt.Fprintf(&b, "stderr: %s\n", s)
	}
	if d.Stack != "" {
		fmt.Fprintf(&b, "stack:\n%s", d.Stack)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Error is the concrete error type of this package.
type Error struct {
	Kind   error
	Op     string
	Device string
	Msg    string
	Diag   *Diagnostic
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Device != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Device)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(kind error, op, device string, err error) *Error {
	return &Error{Kind: kind, Op: op, Device: device, Err: err}
}

// DiagnosticOf returns the diagnostic attached anywhere in err's chain.
func DiagnosticOf(err error) *Diagnostic {
	var e *Error
	if errors.As(err, &e) {
		return e.Diag
	}
	return nil
}

// KindOf returns the error kind of err, or nil for foreign errors.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	return nil
}

// classifyIO maps an I/O error on a target device to an error kind.
// Platform specific errno tables live in errno_*.go.
func classifyIO(err error, fallback error) error {
	switch {
	case err == nil:
		return nil
	case isNoSpace(err):
		return ErrImageTooLarge
	case isDeviceGone(err):
		return ErrDeviceGone
	case isPermission(err):
		return ErrPermission
	}
	return fallback
}
