package main

import (
	"errors"
	"strings"
	"testing"

	tui "github.com/network-plane/planetui"

	"piflash/install"
)

// shellRuntime records output; everything else panics if a verb reaches it.
type shellRuntime struct {
	tui.CommandRuntime
	session tui.SessionStore
	out     *shellOutput
}

func (r *shellRuntime) Session() tui.SessionStore { return r.session }
func (r *shellRuntime) Output() tui.OutputChannel { return r.out }

type shellOutput struct {
	tui.OutputChannel
	infos, errs []string
}

func (o *shellOutput) Info(msg string) { o.infos = append(o.infos, msg) }
func (o *shellOutput) Error(msg string) { o.errs = append(o.errs, msg) }

func newShellRuntime() *shellRuntime {
	return &shellRuntime{session: tui.NewSessionStore(), out: &shellOutput{}}
}

func TestShellClear(t *testing.T) {
	tracker := install.NewTracker()
	sh := &shell{orch: install.New(nil, install.Config{Tracker: tracker})}

	rt := newShellRuntime()
	if res := sh.clear(rt, tui.CommandInput{}); res.Error == nil || !strings.Contains(res.Error.Message, "no device selected") {
		t.Fatalf("clear without selection = %+v", res)
	}

	rt.session.Set(sessionDevice, "/dev/sdb")
	if res := sh.clear(rt, tui.CommandInput{}); res.Error == nil || !strings.Contains(res.Error.Message, "/dev/sdb") {
		t.Fatalf("clear of unknown device = %+v", res)
	}

	if err := tracker.Publish(install.InstallationProgress{DeviceID: "sdb", Stage: install.StageDownloading}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rt = newShellRuntime()
	rt.session.Set(sessionDevice, "/dev/sdb")
	if res := sh.clear(rt, tui.CommandInput{}); res.Error != nil {
		t.Fatalf("clear = %+v", res.Error)
	}
	if len(rt.out.infos) != 1 || !strings.Contains(rt.out.infos[0], "/dev/sdb") {
		t.Fatalf("output = %q", rt.out.infos)
	}
	if _, err := tracker.Snapshot("/dev/sdb"); !errors.Is(err, install.ErrNotFound) {
		t.Fatalf("snapshot after clear: %v", err)
	}

	res := sh.status(rt, tui.CommandInput{})
	if res.Error != nil || rt.out.infos[len(rt.out.infos)-1] != "No installations in this session" {
		t.Fatalf("status after clear = %+v %q", res, rt.out.infos)
	}
}
