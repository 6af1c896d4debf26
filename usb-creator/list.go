//
// usb-creator - Tool to turn bootable disk images into USB installation
//               media
//
// Copyright (c) 2024 vicrodh
//
package main

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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"

	"github.com/vicrodh/usb-bootable-creator/devices"
)

type ListCmd struct {
	Watch bool `short:"w" long:"watch" description:"Keep running and report devices as they come and go"`
	JSON  bool `long:"json" description:"Print the device list as JSON"`
}

var listCmd ListCmd

func init() {
	parser.AddCommand("list",
		"List candidate USB devices",
		"Lists removable devices eligible as write targets; the system disk never appears",
		&listCmd)
}

func (cmd *ListCmd) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	found, err := devices.Enumerate(ctx)
	if err != nil {
		return err
	}

	if cmd.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if found == nil {
			found = []devices.Device{}
		}
		return enc.Encode(found)
	}

	if len(found) == 0 {
		fmt.Println("No candidate devices found.")
	}
	for _, d := range found {
		printDevice(d)
	}

	if !cmd.Watch {
		return nil
	}

	events, err := devices.Watch(ctx)
	if err != nil {
		return err
	}

	for ev := range events {
		switch ev.Kind {
		case devices.DeviceAdded:
			fmt.Print("added:   ")
		case devices.DeviceRemoved:
			fmt.Print("removed: ")
		}
		printDevice(ev.Device)
	}

	return nil
}

func printDevice(d devices.Device) {
	fmt.Printf("%-12s %8s  %s\n", d.Path, humanize.Bytes(uint64(d.Size)), d.Label())
}
