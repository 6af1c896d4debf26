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
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/vicrodh/usb-bootable-creator/isoimage"
)

type InspectCmd struct {
	Positional struct {
		Image string `positional-arg-name:"image" description:"Bootable image to classify"`
	} `positional-args:"yes" required:"yes"`
}

var inspectCmd InspectCmd

func init() {
	parser.AddCommand("inspect",
		"Classify a bootable image",
		"Reports which preparation flow an image calls for and what it carries",
		&inspectCmd)
}

func (cmd *InspectCmd) Execute(args []string) error {
	info, err := isoimage.Inspect(cmd.Positional.Image)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := err.(isoimage.ErrUnrecognizedImage); ok {
			os.Exit(exitUnrecognized)
		}
		os.Exit(exitInternal)
	}

	fmt.Printf("flow:  %s\n", info.Flow)
	if info.Label != "" {
		fmt.Printf("label: %s\n", info.Label)
	}
	fmt.Printf("size:  %s\n", humanize.Bytes(uint64(info.TotalSize)))

	if info.Flow == isoimage.FlowWindows {
		fmt.Printf("install image: %s (%s)\n", info.InstallImage.Path,
			humanize.Bytes(uint64(info.InstallImage.Size)))
		if info.NeedsSplit() {
			fmt.Println("install image exceeds the FAT32 file limit; fat32 data partitions need splitting")
		}
	}

	return nil
}
