package disk

import (
	"testing"
)

func TestRemovableDiskFilter(t *testing.T) {
	devices := []Device{
		{Name: "sda", Type: "disk", SizeBytes: 512 << 30, System: true},
		{Name: "sdb", Type: "disk", SizeBytes: 32 << 30, Removable: true, Transport: "usb"},
		{Name: "sdb1", Type: "part", SizeBytes: 32 << 30, Removable: true},
		{Name: "sdc", Type: "disk", SizeBytes: 0, Removable: true},
		{Name: "mmcblk0", Type: "disk", SizeBytes: 16 << 30, Hotplug: true, Transport: "mmc"},
		{Name: "loop0", Type: "loop", SizeBytes: 1 << 30, Removable: true},
		{Name: "zram0", Type: "disk", SizeBytes: 1 << 30, Removable: true},
		{Name: "sdd", Type: "disk", SizeBytes: 8 << 30, Removable: true, System: true},
	}
	var got []Device
	for _, d := range devices {
		if RemovableDiskFilter.Match(d) {
			got = append(got, d)
		}
	}
	if len(got) != 2 || got[0].Name != "sdb" || got[1].Name != "mmcblk0" {
		t.Fatalf("filtered = %+v", got)
	}
}

func TestTransportFilter(t *testing.T) {
	f := NewTransportFilter("USB", " sd ")
	if !f.Match(Device{Transport: "usb"}) || !f.Match(Device{Transport: "SD"}) {
		t.Fatalf("expected usb and sd to match")
	}
	if f.Match(Device{Transport: "sata"}) || f.Match(Device{}) {
		t.Fatalf("sata and empty transports must not match")
	}
}

func TestExcludeNameFilterFallsBackToPath(t *testing.T) {
	f := NewExcludeNameFilter("loop")
	if f.Match(Device{Path: "/dev/loop7"}) {
		t.Fatalf("loop device by path should be excluded")
	}
	if !f.Match(Device{Path: "/dev/sdb"}) {
		t.Fatalf("sdb should pass")
	}
}
