//
// usb-creator-helper - privileged backend for usb-creator
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

	"github.com/vicrodh/usb-bootable-creator/helper"
	"github.com/vicrodh/usb-bootable-creator/sysutils"
)

// The helper speaks the framed protocol on stdin/stdout and streams
// progress on stderr. It is meant to be launched through pkexec by the
// usb-creator frontend, never interactively.
func main() {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "usb-creator-helper must run as root")
		os.Exit(1)
	}

	if uid, _ := sysutils.GetUserEnvInt(); uid != 0 {
		fmt.Fprintf(os.Stderr, "serving uid %d\n", uid)
	}

	executor := helper.NewExecutor(os.Stdout, os.Stderr)
	if err := executor.Serve(os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
