package disk

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// scriptedRunner answers commands from a table keyed by the command line.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string]Result
	errs    map[string]error
	queued  map[string][]string
	missing map[string]bool
	calls   []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{results: map[string]Result{}, errs: map[string]error{}, queued: map[string][]string{}, missing: map[string]bool{}}
}

// then answers successive runs of cmdline with each stdout in turn; the last
// one repeats.
func (r *scriptedRunner) then(cmdline string, stdouts ...string) {
	r.queued[cmdline] = append(r.queued[cmdline], stdouts...)
}

func (r *scriptedRunner) on(cmdline string, stdout string) {
	r.results[cmdline] = Result{Command: strings.Fields(cmdline), Stdout: []byte(stdout)}
}

func (r *scriptedRunner) fail(cmdline string, code int, stderr string, err error) {
	r.results[cmdline] = Result{Command: strings.Fields(cmdline), Stderr: []byte(stderr), Code: code}
	r.errs[cmdline] = err
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, line)
	if q := r.queued[line]; len(q) > 0 {
		if len(q) > 1 {
			r.queued[line] = q[1:]
		}
		return Result{Command: append([]string{name}, args...), Stdout: []byte(q[0])}, nil
	}
	if res, ok := r.results[line]; ok {
		return res, r.errs[line]
	}
	return Result{Command: append([]string{name}, args...)}, nil
}

func (r *scriptedRunner) LookPath(name string) (string, error) {
	if r.missing[name] {
		return "", os.ErrNotExist
	}
	return "/usr/bin/" + name, nil
}

func (r *scriptedRunner) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *scriptedRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rnd := rand.New(rand.NewSource(int64(n)))
	_, _ = rnd.Read(b)
	return b
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// blankDevice creates a zero filled file standing in for a device.
func blankDevice(t *testing.T, size int64) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "device.bin")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate device: %v", err)
	}
	_ = f.Close()
	return p
}

func readPrefix(t *testing.T, path string, n int) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(b) < n {
		t.Fatalf("%s holds %d bytes, want at least %d", path, len(b), n)
	}
	return b[:n]
}

func allZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
