package disk

import (
	"strings"
)

// Device is a raw enumeration candidate before it is filtered down to a
// removable DiskInfo.
type Device struct {
	Name      string
	Path      string
	Type      string
	Transport string
	Model     string
	SizeBytes uint64
	Removable bool
	Hotplug   bool
	ReadOnly  bool
	System    bool
}

// RemovableDiskFilter accepts whole, non-empty, removable disks that do not
// hold the running system.
var RemovableDiskFilter = &Filter{
	Filters: []FilterPredicate{
		&TypeFilter{Type: "disk"},
		NewExcludeNameFilter("loop", "zram", "ram", "nbd", "dm-", "md", "sr"),
		RemovableFilter{},
		MinSizeFilter{Bytes: 1},
		NotSystemFilter{},
	},
}

// FilterPredicate defines a predicate for filtering devices.
type FilterPredicate interface {
	Match(device Device) bool
}

// Filter holds multiple filters and matches if all contained filters match.
type Filter struct {
	Filters []FilterPredicate
}

func (f *Filter) Match(device Device) bool {
	for _, filter := range f.Filters {
		if !filter.Match(device) {
			return false
		}
	}
	return true
}

// TypeFilter matches devices by type.
type TypeFilter struct {
	Type string
}

func (f *TypeFilter) Match(device Device) bool {
	return strings.EqualFold(device.Type, f.Type)
}

// ExcludeNameFilter rejects virtual devices by kernel name prefix.
type ExcludeNameFilter struct {
	prefixes []string
}

func NewExcludeNameFilter(prefixes ...string) *ExcludeNameFilter {
	return &ExcludeNameFilter{prefixes: prefixes}
}

func (f *ExcludeNameFilter) Match(device Device) bool {
	name := device.Name
	if name == "" {
		name = strings.TrimPrefix(device.Path, "/dev/")
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

// RemovableFilter matches media the OS flags as removable or hot-pluggable.
// Some USB card readers only set the hotplug bit.
type RemovableFilter struct{}

func (RemovableFilter) Match(device Device) bool {
	return device.Removable || device.Hotplug
}

// MinSizeFilter rejects empty card reader slots, which report size zero.
type MinSizeFilter struct {
	Bytes uint64
}

func (f MinSizeFilter) Match(device Device) bool {
	return device.SizeBytes >= f.Bytes
}

// NotSystemFilter rejects the disk backing the running system.
type NotSystemFilter struct{}

func (NotSystemFilter) Match(device Device) bool {
	return !device.System
}

// TransportFilter matches devices on one of the given buses (usb, mmc, sd).
type TransportFilter struct {
	transports map[string]struct{}
}

func NewTransportFilter(transports ...string) *TransportFilter {
	m := make(map[string]struct{}, len(transports))
	for _, t := range transports {
		m[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &TransportFilter{transports: m}
}

func (f *TransportFilter) Match(device Device) bool {
	_, ok := f.transports[strings.ToLower(strings.TrimSpace(device.Transport))]
	return ok
}
