package main

import (
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1536, "1.50 KB"},
		{4 * mb, "4.00 MB"},
		{15 * gb / 2, "7.50 GB"},
		{-2048, "-2.00 KB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.in); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
	if got := formatBytes(uint64(tb)); got != "1.00 TB" {
		t.Errorf("formatBytes(uint64 tb) = %q", got)
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := formatSpeed(0); got != "0 bytes/s" {
		t.Fatalf("formatSpeed(0) = %q", got)
	}
	if got := formatSpeed(20 * mb); got != "20.00 MB/s" {
		t.Fatalf("formatSpeed(20MB) = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "N/A"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 7*time.Second, "3m07s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h02m03s"},
	}
	for _, c := range cases {
		if got := formatDuration(c.in); got != c.want {
			t.Errorf("formatDuration(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"4m", 4 * mb},
		{"4MiB", 4 * mb},
		{"512k", 512 * kb},
		{"1g", gb},
		{"4096", 4096},
		{" 2M ", 2 * mb},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if err != nil || got != c.want {
			t.Errorf("parseSize(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
	}
	for _, bad := range []string{"", "abc", "-4m", "0"} {
		if _, err := parseSize(bad); err == nil {
			t.Errorf("parseSize(%q) succeeded", bad)
		}
	}
}
