//
// sysutils - helpers shared between the usb-creator binaries
//
// Copyright (c) 2024 vicrodh
//
package sysutils

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
	"strconv"
)

type unit int64

const (
	GiB unit = 1024
	GB  unit = 1000
)

// CreateEmptyFile creates a sparse file of the given size, mostly useful to
// stage fake devices and images in tests.
func CreateEmptyFile(path string, size int64, u unit) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	switch u {
	case GiB:
		size = size * 1024 * 1024 * 1024
	case GB:
		// Commercial drives are smaller than what they claim, 975 comes from
		// 97.5% of the total size, but we want to be a multiple of 512 (and
		// size is an int) so we divide by 512 and multiply it again.
		size = size * 1000 * 1000 * 975 / 512 * 512
	default:
		panic("improper sizing unit used")
	}

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("unable to create %s of size %d: %s", path, size, err)
	}

	return nil
}

// GetUserEnv checks if the process was elevated through sudo or pkexec by
// checking SUDO_UID and SUDO_GID or PKEXEC_UID, and returns the invoking
// user's uid and gid, or 0 otherwise.
func GetUserEnv() (uid, gid string) {
	if v := os.Getenv("SUDO_UID"); v != "" {
		uid = v
	} else if v := os.Getenv("PKEXEC_UID"); v != "" {
		uid = v
	} else {
		uid = "0"
	}

	if v := os.Getenv("SUDO_GID"); v != "" {
		gid = v
	} else {
		gid = "0"
	}
	return uid, gid
}

func GetUserEnvInt() (uid, gid int) {
	uidString, gidString := GetUserEnv()
	uid, _ = strconv.Atoi(uidString)
	gid, _ = strconv.Atoi(gidString)
	return uid, gid
}
