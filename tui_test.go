package main

import (
	"strings"
	"testing"
	"time"

	"piflash/install"
)

func TestProgressBar(t *testing.T) {
	if got := progressBar(17, 50); got != "[#####-----]  50%" {
		t.Fatalf("progressBar(17, 50) = %q", got)
	}
	if got := progressBar(17, 150); !strings.HasSuffix(got, "100%") || strings.Contains(got, "-") {
		t.Fatalf("progressBar clamps: %q", got)
	}
	if got := progressBar(3, 7); got != "7%" {
		t.Fatalf("narrow progressBar = %q", got)
	}
	if got := len(progressBar(40, 33)); got != 40 {
		t.Fatalf("width = %d", got)
	}
}

func TestTailLogs(t *testing.T) {
	logs := []install.LogEntry{{Message: "a"}, {Message: "b"}, {Message: "c"}}
	if got := tailLogs(logs, 2); len(got) != 2 || got[0].Message != "b" {
		t.Fatalf("tailLogs = %+v", got)
	}
	if got := tailLogs(logs, 0); got != nil {
		t.Fatalf("tailLogs(0) = %+v", got)
	}
	if got := tailLogs(logs, 10); len(got) != 3 {
		t.Fatalf("tailLogs(10) = %+v", got)
	}
}

func TestWrapWords(t *testing.T) {
	got := wrapWords("the quick brown fox jumps", 10)
	want := []string{"the quick", "brown fox", "jumps"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wrapWords = %q", got)
	}
	if got := wrapWords("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("wrapWords empty = %q", got)
	}
}

func TestDeviceName(t *testing.T) {
	cases := map[string]string{
		"/dev/sdb":           "sdb",
		"/dev/disk4":         "disk4",
		`\\.\PHYSICALDRIVE2`: "PHYSICALDRIVE2",
		"mmcblk0":            "mmcblk0",
	}
	for in, want := range cases {
		if got := deviceName(in); got != want {
			t.Errorf("deviceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogEcho(t *testing.T) {
	t0 := time.Now()
	entry := func(i int, msg string) install.LogEntry {
		return install.LogEntry{Time: t0.Add(time.Duration(i) * time.Millisecond), Message: msg}
	}
	var echo logEcho
	first := echo.next([]install.LogEntry{entry(0, "a"), entry(1, "b")})
	if len(first) != 2 {
		t.Fatalf("first = %+v", first)
	}
	if again := echo.next([]install.LogEntry{entry(0, "a"), entry(1, "b")}); len(again) != 0 {
		t.Fatalf("repeat printed %+v", again)
	}
	more := echo.next([]install.LogEntry{entry(1, "b"), entry(2, "c"), entry(3, "d")})
	if len(more) != 2 || more[0].Message != "c" {
		t.Fatalf("more = %+v", more)
	}
	// ring dropped everything printed so far
	dropped := echo.next([]install.LogEntry{entry(5, "e"), entry(6, "f")})
	if len(dropped) != 2 || dropped[0].Message != "e" {
		t.Fatalf("dropped = %+v", dropped)
	}
}
