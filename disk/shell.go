package disk

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command outlives its runner timeout.
var ErrTimeout = errors.New("command timed out")

// Result holds the captured output of one external command.
type Result struct {
	Command []string
	Stdout  []byte
	Stderr  []byte
	Code    int
}

// Diagnostic converts the result into an error diagnostic.
func (r Result) Diagnostic() *Diagnostic {
	return &Diagnostic{Command: r.Command, ExitCode: r.Code, Stderr: string(r.Stderr)}
}

// Runner executes OS tools. Tests replace it with a scripted fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
}

// DefaultTimeout bounds every external command; formatting large cards is the
// slowest thing we shell out for.
const DefaultTimeout = 10 * time.Minute

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{
		Command: append([]string{name}, args...),
		Stdout:  outBuf.Bytes(),
		Stderr:  errBuf.Bytes(),
		Code:    exitCode(err),
	}
	if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, ErrTimeout
	}
	if ctx.Err() != nil {
		return res, ErrCancelled
	}
	return res, err
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// runTool runs a command and wraps a failure in an *Error of the given kind
// carrying the command diagnostic.
func runTool(ctx context.Context, r Runner, kind error, op, device, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err == nil {
		return res, nil
	}
	switch {
	case errors.Is(err, ErrCancelled):
		kind = ErrCancelled
	case deniedByStderr(res.Stderr):
		kind = ErrPermission
	}
	return res, &Error{Kind: kind, Op: op, Device: device, Diag: res.Diagnostic(), Err: err}
}

// permissionHints are what the platform tools print when they lack privileges.
var permissionHints = []string{
	"permission denied",
	"operation not permitted",
	"must be root",
	"must be run as root",
	"access is denied",
	"requires elevation",
	"not privileged",
}

func deniedByStderr(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	for _, h := range permissionHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
