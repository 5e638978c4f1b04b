package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var appversion = "0.5.0"

const (
	kb = 1 << 10
	mb = 1 << 20
	gb = 1 << 30
	tb = 1 << 40
	pb = 1 << 50
)

// dataSizeNumber is a type constraint that allows any signed or unsigned integer type.
type dataSizeNumber interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~uintptr
}

// Unit represents a data size unit with its name and threshold.
type Unit struct {
	Name      string
	Threshold uint64
}

// Predefined units in descending order.
var units = []Unit{
	{"PB", pb},
	{"TB", tb},
	{"GB", gb},
	{"MB", mb},
	{"KB", kb},
	{"bytes", 1},
}

// formatBytes renders n with the largest unit it reaches.
func formatBytes[T dataSizeNumber](n T) string {
	if n < 0 {
		return "-" + formatBytes(-int64(n))
	}
	v := uint64(n)
	for _, u := range units {
		if v < u.Threshold {
			continue
		}
		if u.Threshold == 1 {
			return fmt.Sprintf("%d bytes", v)
		}
		return fmt.Sprintf("%.2f %s", float64(v)/float64(u.Threshold), u.Name)
	}
	return "0 bytes"
}

// formatSpeed renders a byte rate.
func formatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 bytes/s"
	}
	return formatBytes(uint64(bps)) + "/s"
}

// formatDuration prints 42s, 3m07s or 1h02m03s.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "N/A"
	}
	s := int(d.Round(time.Second).Seconds())
	h, m := s/3600, (s%3600)/60
	s %= 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// parseSize accepts plain byte counts or k/m/g suffixed values (4m, 512k).
func parseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	ss = strings.TrimSuffix(strings.TrimSuffix(ss, "ib"), "b")
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = kb
	case strings.HasSuffix(ss, "m"):
		mult = mb
	case strings.HasSuffix(ss, "g"):
		mult = gb
	}
	if mult != 1 {
		ss = ss[:len(ss)-1]
	}
	v, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s)
	}
	return int64(v * float64(mult)), nil
}
