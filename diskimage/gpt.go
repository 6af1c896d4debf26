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
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/vicrodh/usb-bootable-creator/sysutils"
)

const gptSignature = "EFI PART"

// Well known partition type GUIDs.
const (
	GUIDBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	GUIDEFISystem = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
)

// GPTPartition is one in-use entry of a GPT.
type GPTPartition struct {
	Index    int
	TypeGUID string
	Name     string
	Start    int64
	Size     int64
}

// GPTTable is the primary partition table read back from a device.
type GPTTable struct {
	SectorSize int
	Partitions []GPTPartition
}

// ReadGPT parses the primary GPT of a device. It only reads, never holds the
// device open, and works against regular files so tests can use staged
// images.
func ReadGPT(device string) (*GPTTable, error) {
	sectorSize, err := sysutils.SectorSize(device)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(device)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// The primary header lives in LBA 1.
	header := make([]byte, 92)
	if _, err := f.ReadAt(header, int64(sectorSize)); err != nil {
		return nil, ErrNoTable{Device: device}
	}

	if string(header[:8]) != gptSignature {
		return nil, ErrNoTable{Device: device}
	}

	entriesLBA := int64(binary.LittleEndian.Uint64(header[72:80]))
	numEntries := int(binary.LittleEndian.Uint32(header[80:84]))
	entrySize := int(binary.LittleEndian.Uint32(header[84:88]))

	if entrySize < 128 || numEntries <= 0 || numEntries > 1024 {
		return nil, fmt.Errorf("implausible GPT on %s: %d entries of %d bytes", device, numEntries, entrySize)
	}

	entries := make([]byte, numEntries*entrySize)
	if _, err := f.ReadAt(entries, entriesLBA*int64(sectorSize)); err != nil {
		return nil, fmt.Errorf("unable to read GPT entries from %s: %s", device, err)
	}

	table := &GPTTable{SectorSize: sectorSize}
	unusedType := make([]byte, 16)

	for i := 0; i < numEntries; i++ {
		entry := entries[i*entrySize : (i+1)*entrySize]

		if bytes.Equal(entry[:16], unusedType) {
			continue
		}

		firstLBA := int64(binary.LittleEndian.Uint64(entry[32:40]))
		lastLBA := int64(binary.LittleEndian.Uint64(entry[40:48]))

		table.Partitions = append(table.Partitions, GPTPartition{
			Index:    i + 1,
			TypeGUID: formatGUID(entry[:16]),
			Name:     decodePartName(entry[56:128]),
			Start:    firstLBA * int64(sectorSize),
			Size:     (lastLBA - firstLBA + 1) * int64(sectorSize),
		})
	}

	if len(table.Partitions) == 0 {
		return nil, ErrNoTable{Device: device}
	}

	return table, nil
}

// formatGUID renders the on-disk mixed endian GUID layout in the canonical
// text form.
func formatGUID(b []byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}

// decodePartName turns the fixed UTF-16LE name field into a Go string.
func decodePartName(b []byte) string {
	codes := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i : i+2])
		if c == 0 {
			break
		}
		codes = append(codes, c)
	}
	return string(utf16.Decode(codes))
}
