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
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	udisksService    = "org.freedesktop.UDisks2"
	udisksPath       = "/org/freedesktop/UDisks2"
	udisksDriveIface = "org.freedesktop.UDisks2.Drive"
	udisksBlockIface = "org.freedesktop.UDisks2.Block"
	udisksPartIface  = "org.freedesktop.UDisks2.Partition"

	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the ObjectManager shape: path to interface to property.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func enumerateUDisks(ctx context.Context) ([]Device, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("unable to reach the system bus: %s", err)
	}

	var objects managedObjects
	obj := conn.Object(udisksService, udisksPath)
	call := obj.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("unable to list UDisks2 objects: %s", err)
	}

	return devicesFromObjects(objects), nil
}

// devicesFromObjects joins Block rows to their Drive rows. Blocks that are
// partitions, or that point at no drive, do not produce devices.
func devicesFromObjects(objects managedObjects) []Device {
	var devices []Device

	for _, ifaces := range objects {
		block, ok := ifaces[udisksBlockIface]
		if !ok {
			continue
		}
		if _, isPart := ifaces[udisksPartIface]; isPart {
			continue
		}

		drivePath, _ := block["Drive"].Value().(dbus.ObjectPath)
		driveIfaces, ok := objects[drivePath]
		if !ok {
			continue
		}
		drive, ok := driveIfaces[udisksDriveIface]
		if !ok {
			continue
		}

		devices = append(devices, Device{
			Path:      devicePath(block),
			Vendor:    variantString(drive["Vendor"]),
			Model:     variantString(drive["Model"]),
			Serial:    variantString(drive["Serial"]),
			Size:      variantInt64(block["Size"]),
			Removable: variantBool(drive["Removable"]),
			Bus:       variantString(drive["ConnectionBus"]),
		})
	}

	return devices
}

// devicePath decodes the Block.Device property, a NUL terminated byte
// array on the wire.
func devicePath(block map[string]dbus.Variant) string {
	raw, _ := block["Device"].Value().([]byte)
	return strings.TrimRight(string(raw), "\x00")
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantInt64(v dbus.Variant) int64 {
	switch n := v.Value().(type) {
	case uint64:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	}
	return 0
}

// watchUDisks subscribes to ObjectManager signals and re-enumerates on
// each, hotplug needs the joined Drive row which the signal alone does not
// carry.
func watchUDisks(ctx context.Context) (<-chan Event, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("unable to reach the system bus: %s", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(udisksService),
		dbus.WithMatchInterface(objectManagerIface),
	); err != nil {
		return nil, fmt.Errorf("unable to subscribe to UDisks2 signals: %s", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	events := make(chan Event, 16)

	go func() {
		defer close(events)

		known := make(map[string]Device)
		if devices, err := Enumerate(ctx); err == nil {
			for _, d := range devices {
				known[d.Path] = d
			}
		}

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if !strings.HasPrefix(string(sig.Name), objectManagerIface) {
					continue
				}

				current, err := Enumerate(ctx)
				if err != nil {
					continue
				}
				diffDevices(known, current, events)
			}
		}
	}()

	return events, nil
}

// diffDevices emits added and removed events against the known set and
// updates it in place.
func diffDevices(known map[string]Device, current []Device, events chan<- Event) {
	seen := make(map[string]bool, len(current))

	for _, d := range current {
		seen[d.Path] = true
		if _, ok := known[d.Path]; !ok {
			known[d.Path] = d
			events <- Event{Kind: DeviceAdded, Device: d}
		}
	}

	for path, d := range known {
		if !seen[path] {
			delete(known, path)
			events <- Event{Kind: DeviceRemoved, Device: d}
		}
	}
}
