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
	"os"

	"golang.org/x/sys/unix"
)

// BlockSize returns the total size in bytes of a block device, falling back
// to stat for regular files so tests can use sparse images as devices.
func BlockSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode().IsRegular() {
		return fi.Size(), nil
	}

	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}

	return int64(size), nil
}

// SectorSize returns the logical sector size of a block device, 512 for
// regular files.
func SectorSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode().IsRegular() {
		return 512, nil
	}

	return unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
}

// RereadPartitionTable asks the kernel to drop and re-read the partition
// table of a device. EBUSY is returned while the old partitions are still
// held open, callers are expected to retry.
func RereadPartitionTable(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
}
