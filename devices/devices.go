//
// devices - enumerates removable block devices eligible as write targets
//
// Copyright (c) 2024 vicrodh
//
package devices

// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License version 3, as published
// by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranties of
// MERCHANTABILITY, SATISFACTORY QUALITY, or FITNESS FOR A PARTICULAR
// PURPOSE.  See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program.  If not, see <http://www.gnu.org/licenses/>.

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

var debugPrint bool

func init() {
	if debug := os.Getenv("DEBUG_DEVICES"); debug != "" {
		debugPrint = true
	}
}

func printOut(args ...interface{}) {
	if debugPrint {
		fmt.Fprintln(os.Stderr, args...)
	}
}

// Device is a candidate write target. Only whole disks appear here, never
// partitions.
type Device struct {
	// Path is the kernel block device, /dev/sdb style.
	Path string `json:"path"`

	Vendor string `json:"vendor,omitempty"`
	Model  string `json:"model,omitempty"`
	Serial string `json:"serial,omitempty"`

	// Size in bytes.
	Size int64 `json:"size"`

	// Removable reflects the kernel's removable flag; USB attached disks
	// without it still qualify via Bus.
	Removable bool `json:"removable"`

	// Bus is the connection type when known ("usb", "sata", ...).
	Bus string `json:"bus,omitempty"`
}

// Label renders the device for pickers and listings.
func (d Device) Label() string {
	name := strings.TrimSpace(strings.Join([]string{d.Vendor, d.Model}, " "))
	if name == "" {
		name = "unknown device"
	}
	return fmt.Sprintf("%s (%s)", name, d.Path)
}

// Candidate reports whether the device is something a user plausibly wants
// to flash: removable or USB attached.
func (d Device) Candidate() bool {
	return d.Removable || d.Bus == "usb"
}

// EventKind distinguishes hotplug arrivals from removals.
type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceRemoved
)

type Event struct {
	Kind   EventKind
	Device Device
}

// Enumerate lists candidate target devices, the system disk excluded. The
// UDisks2 daemon is the primary source; without a usable system bus the
// lsblk fallback answers instead. No source at all degrades to an empty
// list, enumeration failure must never take the tool down.
func Enumerate(ctx context.Context) ([]Device, error) {
	root := rootDisk()

	devices, err := enumerateUDisks(ctx)
	if err != nil {
		printOut("udisks enumeration failed, falling back to lsblk:", err)
		devices, err = enumerateLsblk(ctx)
		if err != nil {
			printOut("lsblk enumeration failed:", err)
			return nil, nil
		}
	}

	filtered := devices[:0]
	for _, d := range devices {
		if d.Path == root {
			continue
		}
		if !d.Candidate() {
			continue
		}
		filtered = append(filtered, d)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Path < filtered[j].Path })

	return filtered, nil
}

// Watch streams hotplug events until ctx is done. It needs UDisks2; when
// the system bus is unavailable the channel closes immediately and callers
// fall back to polling Enumerate.
func Watch(ctx context.Context) (<-chan Event, error) {
	return watchUDisks(ctx)
}

// rootDisk finds the whole disk backing "/", the one device enumeration
// must never offer.
func rootDisk() string {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return ""
	}
	return rootDiskFromMounts(string(data))
}

func rootDiskFromMounts(mounts string) string {
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "/" && strings.HasPrefix(fields[0], "/dev/") {
			return stripPartition(fields[0])
		}
	}
	return ""
}

// stripPartition maps a partition node to its disk: /dev/sda3 to /dev/sda,
// /dev/nvme0n1p2 to /dev/nvme0n1.
func stripPartition(dev string) string {
	name := strings.TrimPrefix(dev, "/dev/")

	if i := strings.LastIndex(name, "p"); i > 0 && allDigits(name[i+1:]) && strings.ContainsAny(name[:i], "0123456789") {
		return "/dev/" + name[:i]
	}

	if trimmed := strings.TrimRight(name, "0123456789"); trimmed != "" && trimmed != name {
		return "/dev/" + trimmed
	}

	return dev
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
