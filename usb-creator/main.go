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
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/vicrodh/usb-bootable-creator/creator"
)

type GlobalArgs struct {
	Config string `long:"config" description:"Alternate configuration file"`
}

var globalArgs GlobalArgs

var parser = flags.NewParser(&globalArgs, flags.Default)

func main() {
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

// Exit codes per failure class, stable for scripting.
const (
	exitOK                = 0
	exitUsage             = 1
	exitDeviceBusy        = 2
	exitInsufficientSpace = 3
	exitUnsupportedFS     = 4
	exitPrivilegeDenied   = 5
	exitUnauthorized      = 6
	exitToolMissing       = 7
	exitTableMismatch     = 8
	exitChecksum          = 9
	exitInjection         = 10
	exitInterrupted       = 11
	exitUnrecognized      = 12
	exitCancelled         = 13
	exitInternal          = 14
)

func exitCode(err error) int {
	switch creator.KindOf(err) {
	case creator.KindDeviceBusy:
		return exitDeviceBusy
	case creator.KindInsufficientSpace:
		return exitInsufficientSpace
	case creator.KindUnsupportedFilesystem:
		return exitUnsupportedFS
	case creator.KindPrivilegeDenied:
		return exitPrivilegeDenied
	case creator.KindUnauthorizedOperation:
		return exitUnauthorized
	case creator.KindExternalToolMissing:
		return exitToolMissing
	case creator.KindPartitionTableMismatch:
		return exitTableMismatch
	case creator.KindChecksumMismatch:
		return exitChecksum
	case creator.KindImageInjectionFailed:
		return exitInjection
	case creator.KindWriteInterrupted:
		return exitInterrupted
	case creator.KindUnrecognizedImage:
		return exitUnrecognized
	case creator.KindCancelled:
		return exitCancelled
	}
	return exitInternal
}
