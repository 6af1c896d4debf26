//
// diskimage - partition layout planning for USB installation media
//
// Copyright (c) 2024 vicrodh
//
package diskimage

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
	"strconv"
)

type FSType string

const (
	FSFat32 FSType = "fat32"
	FSNtfs  FSType = "ntfs"
	FSExt4  FSType = "ext4"
	FSNone  FSType = ""
)

const (
	BootLabel = "BOOT"
	DataLabel = "ESD-USB"
)

const (
	// Partitions start at 1MiB, the conventional alignment parted uses.
	firstPartitionOffset = 1 * 1024 * 1024

	// BootPartitionSize is the fixed capacity of the FAT32 boot partition,
	// large enough for the boot files of every Windows release in support.
	BootPartitionSize = 1 * 1024 * 1024 * 1024

	// Space kept free at the end of the device for the backup GPT.
	backupTableReserve = 1 * 1024 * 1024

	// Copying needs scratch beyond the raw payload (directory overhead,
	// unattend files, wim split padding).
	copySlack = 64 * 1024 * 1024
)

// NTFS addresses at most 2^32-1 clusters, the cluster size puts a floor on
// how small it can be for a given volume.
const maxNtfsClusters = 1<<32 - 1

// ClusterSize is an NTFS allocation unit size in bytes.
type ClusterSize int64

// ClusterSizes enumerates the NTFS cluster sizes mkfs.ntfs accepts.
var ClusterSizes = map[string]ClusterSize{
	"512":  512,
	"1K":   1 << 10,
	"2K":   2 << 10,
	"4K":   4 << 10,
	"8K":   8 << 10,
	"16K":  16 << 10,
	"32K":  32 << 10,
	"64K":  64 << 10,
	"128K": 128 << 10,
	"256K": 256 << 10,
	"512K": 512 << 10,
	"1M":   1 << 20,
	"2M":   2 << 20,
	"4M":   4 << 20,
}

const DefaultClusterSize ClusterSize = 4 << 10

// ParseClusterSize maps a user facing size name ("4K", "2M") to its byte
// value.
func ParseClusterSize(name string) (ClusterSize, error) {
	if name == "" {
		return DefaultClusterSize, nil
	}

	if size, ok := ClusterSizes[name]; ok {
		return size, nil
	}

	return 0, &ErrBadClusterSize{Requested: name}
}

// Partition describes one planned partition on the target device.
type Partition struct {
	Label   string
	FS      FSType
	Start   int64
	Size    int64
	Cluster ClusterSize
}

func (p Partition) End() int64 {
	return p.Start + p.Size
}

// PartitionPlan is the full computed layout for a Windows flow target: a GPT
// with exactly a boot and a data partition.
type PartitionPlan struct {
	Device     string
	DeviceSize int64
	Partitions []Partition
}

func (p *PartitionPlan) Boot() Partition {
	return p.Partitions[0]
}

func (p *PartitionPlan) Data() Partition {
	return p.Partitions[1]
}

// Plan computes the dual partition layout for a device of the given capacity
// holding an image payload of imageSize bytes. The boot partition is fixed
// capacity FAT32, the data partition spans the remainder with the requested
// filesystem and cluster size.
func Plan(device string, capacity, imageSize int64, dataFS FSType, cluster ClusterSize) (*PartitionPlan, error) {
	switch dataFS {
	case FSNtfs, FSFat32:
	default:
		return nil, &ErrUnsupportedFilesystem{FS: string(dataFS), Role: "data"}
	}

	if _, ok := clusterName(cluster); !ok {
		return nil, &ErrBadClusterSize{Requested: clusterString(cluster)}
	}

	needed := int64(firstPartitionOffset) + BootPartitionSize + imageSize + copySlack + backupTableReserve
	if capacity < needed {
		return nil, &ErrInsufficientSpace{Capacity: capacity, Needed: needed}
	}

	dataStart := int64(firstPartitionOffset) + BootPartitionSize
	dataSize := capacity - dataStart - backupTableReserve

	if dataFS == FSNtfs && dataSize/int64(cluster) > maxNtfsClusters {
		return nil, &ErrBadClusterSize{
			Requested: clusterString(cluster),
			Reason:    "too small for the data partition, NTFS runs out of cluster numbers",
		}
	}

	return &PartitionPlan{
		Device:     device,
		DeviceSize: capacity,
		Partitions: []Partition{
			{Label: BootLabel, FS: FSFat32, Start: firstPartitionOffset, Size: BootPartitionSize},
			{Label: DataLabel, FS: dataFS, Start: dataStart, Size: dataSize, Cluster: cluster},
		},
	}, nil
}

func clusterName(size ClusterSize) (string, bool) {
	for name, s := range ClusterSizes {
		if s == size {
			return name, true
		}
	}
	return "", false
}

func clusterString(size ClusterSize) string {
	if name, ok := clusterName(size); ok {
		return name
	}
	return strconv.FormatInt(int64(size), 10)
}

// Matches verifies a partition table read back from the device against the
// plan. Partition managers round boundaries to their own alignment, so starts
// and sizes are compared with a small tolerance.
func (p *PartitionPlan) Matches(table *GPTTable) error {
	const tolerance = 4 * 1024 * 1024

	if len(table.Partitions) != len(p.Partitions) {
		return &ErrPlanMismatch{
			Field:    "partition count",
			Expected: int64(len(p.Partitions)),
			Found:    int64(len(table.Partitions)),
		}
	}

	for i, want := range p.Partitions {
		got := table.Partitions[i]

		if got.Name != want.Label {
			return &ErrPlanMismatch{Field: "label", Partition: i + 1, Want: want.Label, Have: got.Name}
		}

		if delta(got.Start, want.Start) > tolerance {
			return &ErrPlanMismatch{Field: "start offset", Partition: i + 1, Expected: want.Start, Found: got.Start}
		}

		if delta(got.Size, want.Size) > tolerance {
			return &ErrPlanMismatch{Field: "size", Partition: i + 1, Expected: want.Size, Found: got.Size}
		}
	}

	return nil
}

func delta(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
