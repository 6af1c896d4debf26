//
// diskimage - partition layout planning for USB installation media
//
// Copyright (c) 2024 vicrodh
//
package diskimage

import "fmt"

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

// ErrInsufficientSpace means the target device cannot hold the boot
// partition plus the image payload.
type ErrInsufficientSpace struct {
	Capacity int64
	Needed   int64
}

func (e ErrInsufficientSpace) Error() string {
	return fmt.Sprintf("device holds %d bytes but the layout needs %d", e.Capacity, e.Needed)
}

// ErrUnsupportedFilesystem means a partition role was requested with a
// filesystem outside the supported set.
type ErrUnsupportedFilesystem struct {
	FS   string
	Role string
}

func (e ErrUnsupportedFilesystem) Error() string {
	return fmt.Sprintf("filesystem %q not supported for the %s partition", e.FS, e.Role)
}

// ErrBadClusterSize means the requested NTFS cluster size is not in the
// supported set or does not fit the data partition.
type ErrBadClusterSize struct {
	Requested string
	Reason    string
}

func (e ErrBadClusterSize) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cluster size %s: %s", e.Requested, e.Reason)
	}
	return fmt.Sprintf("cluster size %s is not supported", e.Requested)
}

// ErrPlanMismatch means the partition table read back from the device does
// not agree with the computed plan.
type ErrPlanMismatch struct {
	Field     string
	Partition int
	Expected  int64
	Found     int64
	Want      string
	Have      string
}

func (e ErrPlanMismatch) Error() string {
	if e.Want != "" || e.Have != "" {
		return fmt.Sprintf("partition %d %s: expected %q, found %q", e.Partition, e.Field, e.Want, e.Have)
	}
	if e.Partition > 0 {
		return fmt.Sprintf("partition %d %s: expected %d, found %d", e.Partition, e.Field, e.Expected, e.Found)
	}
	return fmt.Sprintf("%s: expected %d, found %d", e.Field, e.Expected, e.Found)
}

// ErrNoTable means the device carries no recognizable GPT.
type ErrNoTable struct {
	Device string
}

func (e ErrNoTable) Error() string {
	return fmt.Sprintf("no GPT found on %s", e.Device)
}
