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
	"encoding/binary"
	"os"
	"path/filepath"
	"unicode/utf16"

	. "gopkg.in/check.v1"
)

type GPTTestSuite struct {
	tmpdir string
}

var _ = Suite(&GPTTestSuite{})

func (s *GPTTestSuite) SetUpTest(c *C) {
	s.tmpdir = c.MkDir()
}

type fakePart struct {
	name     string
	firstLBA uint64
	lastLBA  uint64
}

// writeFakeGPT stages a minimal primary GPT in a sparse file: protective MBR
// space, header in LBA 1, entries from LBA 2.
func (s *GPTTestSuite) writeFakeGPT(c *C, parts []fakePart) string {
	path := filepath.Join(s.tmpdir, "disk")

	f, err := os.Create(path)
	c.Assert(err, IsNil)
	defer f.Close()
	c.Assert(f.Truncate(64*1024*1024), IsNil)

	header := make([]byte, 92)
	copy(header, gptSignature)
	binary.LittleEndian.PutUint32(header[8:12], 0x00010000) // revision 1.0
	binary.LittleEndian.PutUint32(header[12:16], 92)
	binary.LittleEndian.PutUint64(header[24:32], 1)  // current LBA
	binary.LittleEndian.PutUint64(header[72:80], 2)  // entries LBA
	binary.LittleEndian.PutUint32(header[80:84], 128)
	binary.LittleEndian.PutUint32(header[84:88], 128)
	_, err = f.WriteAt(header, 512)
	c.Assert(err, IsNil)

	typeGUID := []byte{
		0xa2, 0xa0, 0xd0, 0xeb, 0xe5, 0xb9, 0x33, 0x44,
		0x87, 0xc0, 0x68, 0xb6, 0xb7, 0x26, 0x99, 0xc7,
	} // basic data, mixed endian layout

	for i, part := range parts {
		entry := make([]byte, 128)
		copy(entry[:16], typeGUID)
		entry[16] = byte(i + 1) // any non-zero unique GUID
		binary.LittleEndian.PutUint64(entry[32:40], part.firstLBA)
		binary.LittleEndian.PutUint64(entry[40:48], part.lastLBA)
		for j, r := range utf16.Encode([]rune(part.name)) {
			binary.LittleEndian.PutUint16(entry[56+2*j:], r)
		}
		_, err = f.WriteAt(entry, 2*512+int64(i)*128)
		c.Assert(err, IsNil)
	}

	return path
}

func (s *GPTTestSuite) TestReadGPT(c *C) {
	path := s.writeFakeGPT(c, []fakePart{
		{name: "BOOT", firstLBA: 2048, lastLBA: 2099199},
		{name: "ESD-USB", firstLBA: 2099200, lastLBA: 62500000},
	})

	table, err := ReadGPT(path)
	c.Assert(err, IsNil)

	c.Assert(table.SectorSize, Equals, 512)
	c.Assert(table.Partitions, HasLen, 2)

	c.Check(table.Partitions[0].Name, Equals, "BOOT")
	c.Check(table.Partitions[0].Start, Equals, int64(2048*512))
	c.Check(table.Partitions[0].Size, Equals, int64(2099200-2048)*512)
	c.Check(table.Partitions[0].TypeGUID, Equals, GUIDBasicData)

	c.Check(table.Partitions[1].Name, Equals, "ESD-USB")
	c.Check(table.Partitions[1].Index, Equals, 2)
}

func (s *GPTTestSuite) TestReadGPTNoTable(c *C) {
	path := filepath.Join(s.tmpdir, "blank")
	f, err := os.Create(path)
	c.Assert(err, IsNil)
	c.Assert(f.Truncate(8*1024*1024), IsNil)
	f.Close()

	_, err = ReadGPT(path)
	c.Assert(err, FitsTypeOf, ErrNoTable{})
}

func (s *GPTTestSuite) TestReadGPTEmptyTable(c *C) {
	path := s.writeFakeGPT(c, nil)

	_, err := ReadGPT(path)
	c.Assert(err, FitsTypeOf, ErrNoTable{})
}
