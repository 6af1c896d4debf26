//
// isoimage - classifies bootable disk images by their on-disc layout
//
// Copyright (c) 2024 vicrodh
//
package isoimage

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
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type InspectTestSuite struct {
	tmpdir string
}

var _ = Suite(&InspectTestSuite{})

func (s *InspectTestSuite) SetUpTest(c *C) {
	s.tmpdir = c.MkDir()
}

// makeISO masters a small ISO9660 image with the given volume label, the
// listed directories, and files with a few bytes of content each.
func (s *InspectTestSuite) makeISO(c *C, label string, dirs []string, files map[string][]byte) string {
	path := filepath.Join(s.tmpdir, "image.iso")

	// ISO9660 only accepts 2048 byte (or larger) sectors.
	d, err := diskfs.Create(path, 8*1024*1024, diskfs.Raw, diskfs.SectorSize(2048))
	c.Assert(err, IsNil)

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: label,
	})
	c.Assert(err, IsNil)

	for _, dir := range dirs {
		c.Assert(fs.Mkdir(dir), IsNil)
	}

	for name, content := range files {
		f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
		c.Assert(err, IsNil)
		_, err = f.Write(content)
		c.Assert(err, IsNil)
	}

	iso, ok := fs.(*iso9660.FileSystem)
	c.Assert(ok, Equals, true)
	c.Assert(iso.Finalize(iso9660.FinalizeOptions{VolumeIdentifier: label}), IsNil)
	c.Assert(d.Close(), IsNil)

	return path
}

func (s *InspectTestSuite) TestInspectWindows(c *C) {
	path := s.makeISO(c, "CCCOMA_X64", []string{"/sources"}, map[string][]byte{
		"/bootmgr":             []byte("MZ"),
		"/sources/boot.wim":    []byte("MSWIM"),
		"/sources/install.wim": []byte("MSWIM payload"),
	})

	info, err := Inspect(path)
	c.Assert(err, IsNil)

	c.Check(info.Flow, Equals, FlowWindows)
	c.Check(info.Label, Equals, "CCCOMA_X64")
	c.Check(info.InstallImage.Path, Equals, "sources/install.wim")
	c.Check(info.InstallImage.Size, Equals, int64(len("MSWIM payload")))
	c.Check(info.TotalSize > 0, Equals, true)
	c.Check(info.NeedsSplit(), Equals, false)
}

func (s *InspectTestSuite) TestInspectWindowsESD(c *C) {
	path := s.makeISO(c, "WIN11", []string{"/sources"}, map[string][]byte{
		"/bootmgr":             []byte("MZ"),
		"/sources/boot.wim":    []byte("MSWIM"),
		"/sources/install.esd": []byte("payload"),
	})

	info, err := Inspect(path)
	c.Assert(err, IsNil)
	c.Check(info.Flow, Equals, FlowWindows)
	c.Check(info.InstallImage.Path, Equals, "sources/install.esd")
}

func (s *InspectTestSuite) TestInspectLinuxIsolinux(c *C) {
	path := s.makeISO(c, "UBUNTU", []string{"/isolinux", "/casper"}, map[string][]byte{
		"/isolinux/isolinux.bin": []byte("boot"),
	})

	info, err := Inspect(path)
	c.Assert(err, IsNil)
	c.Check(info.Flow, Equals, FlowLinux)
	c.Check(info.Label, Equals, "UBUNTU")
	c.Check(info.InstallImage.Path, Equals, "")
}

func (s *InspectTestSuite) TestInspectLinuxGrub(c *C) {
	path := s.makeISO(c, "FEDORA", []string{"/boot", "/boot/grub"}, map[string][]byte{
		"/boot/grub/grub.cfg": []byte("menuentry"),
	})

	info, err := Inspect(path)
	c.Assert(err, IsNil)
	c.Check(info.Flow, Equals, FlowLinux)
}

func (s *InspectTestSuite) TestInspectBootmgrWithoutWim(c *C) {
	// bootmgr alone does not make a Windows installer.
	path := s.makeISO(c, "ODD", []string{"/sources"}, map[string][]byte{
		"/bootmgr": []byte("MZ"),
	})

	_, err := Inspect(path)
	c.Assert(err, FitsTypeOf, ErrUnrecognizedImage{})
}

func (s *InspectTestSuite) TestInspectUnrecognized(c *C) {
	path := s.makeISO(c, "DATA", []string{"/photos"}, map[string][]byte{
		"/photos/cat.jpg": []byte("jpeg"),
	})

	_, err := Inspect(path)
	c.Assert(err, FitsTypeOf, ErrUnrecognizedImage{})
	c.Assert(err, ErrorMatches, ".* not a recognizable Windows or Linux installation image")
}

func (s *InspectTestSuite) TestInspectNotAnImage(c *C) {
	path := filepath.Join(s.tmpdir, "junk.iso")
	c.Assert(os.WriteFile(path, []byte("this is not an iso"), 0644), IsNil)

	_, err := Inspect(path)
	c.Assert(err, FitsTypeOf, ErrUnrecognizedImage{})
}

func (s *InspectTestSuite) TestInspectMissingFile(c *C) {
	_, err := Inspect(filepath.Join(s.tmpdir, "absent.iso"))
	c.Assert(os.IsNotExist(err), Equals, true)
}
