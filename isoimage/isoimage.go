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
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
)

// Flow names the preparation strategy an image calls for.
type Flow string

const (
	// FlowWindows lays out a two partition stick and copies files.
	FlowWindows Flow = "windows"
	// FlowLinux writes the hybrid image to the device as-is.
	FlowLinux Flow = "linux"
)

// fat32MaxFile is the largest file FAT32 can hold.
const fat32MaxFile = 4*1024*1024*1024 - 1

// InstallImage points at the payload Windows setup installs from.
type InstallImage struct {
	Path string
	Size int64
}

// Info is what classification learned about an image.
type Info struct {
	Flow         Flow
	Label        string
	TotalSize    int64
	InstallImage InstallImage
}

// NeedsSplit reports whether the install image exceeds what a FAT32 data
// partition can hold in one file.
func (i *Info) NeedsSplit() bool {
	return i.InstallImage.Size > fat32MaxFile
}

// ErrUnrecognizedImage means the image carries neither Windows setup files
// nor a known Linux boot layout.
type ErrUnrecognizedImage struct {
	Path string
}

func (e ErrUnrecognizedImage) Error() string {
	return fmt.Sprintf("%s is not a recognizable Windows or Linux installation image", e.Path)
}

// linuxMarkers are directories whose presence identifies a bootable Linux
// image. Any one of them is enough.
var linuxMarkers = []string{
	"/isolinux",
	"/syslinux",
	"/boot/grub",
	"/casper",
	"/live",
}

// Inspect opens the ISO9660 descriptor of the image and decides which flow
// applies. It never mounts anything and needs no privileges.
func Inspect(imagePath string) (*Info, error) {
	fi, err := os.Stat(imagePath)
	if err != nil {
		return nil, err
	}

	disk, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, ErrUnrecognizedImage{Path: imagePath}
	}
	defer disk.Close()

	fs, err := disk.GetFilesystem(0)
	if err != nil {
		return nil, ErrUnrecognizedImage{Path: imagePath}
	}

	info := &Info{
		// Volume identifiers come back padded to their fixed field width,
		// with NULs or spaces depending on the mastering tool.
		Label:     strings.Trim(fs.Label(), "\x00 "),
		TotalSize: fi.Size(),
	}

	if install, ok := windowsInstallImage(fs); ok {
		info.Flow = FlowWindows
		info.InstallImage = install
		return info, nil
	}

	for _, marker := range linuxMarkers {
		if dirExists(fs, marker) {
			info.Flow = FlowLinux
			return info, nil
		}
	}

	return nil, ErrUnrecognizedImage{Path: imagePath}
}

// windowsInstallImage checks the Windows setup markers: bootmgr in the root,
// sources/boot.wim, and an install.wim or install.esd payload. Reported
// paths are lower case, which is also how the kernel presents a plain
// ISO9660 namespace once the image is mounted.
func windowsInstallImage(fs filesystem.FileSystem) (InstallImage, bool) {
	if !fileExists(fs, "/", "bootmgr") {
		return InstallImage{}, false
	}

	sources, ok := subdir(fs, "/", "sources")
	if !ok {
		return InstallImage{}, false
	}
	if !fileExists(fs, sources, "boot.wim") {
		return InstallImage{}, false
	}

	entries, err := fs.ReadDir(sources)
	if err != nil {
		return InstallImage{}, false
	}

	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if name == "install.wim" || name == "install.esd" {
			return InstallImage{
				Path: path.Join("sources", name),
				Size: entry.Size(),
			}, true
		}
	}

	return InstallImage{}, false
}

// fileExists looks for name in dir, case insensitively. Plain ISO9660
// stores everything upper case, Joliet and UDF keep the authored case, so
// path lookups can never assume either.
func fileExists(fs filesystem.FileSystem, dir, name string) bool {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), name) {
			return true
		}
	}
	return false
}

// subdir resolves the on-disc name of a directory entry, case
// insensitively, and returns its full path.
func subdir(fs filesystem.FileSystem, dir, name string) (string, bool) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(entry.Name(), name) {
			return path.Join(dir, entry.Name()), true
		}
	}
	return "", false
}

// dirExists walks p one component at a time so that nested markers such as
// /boot/grub resolve whatever case the disc stores them in.
func dirExists(fs filesystem.FileSystem, p string) bool {
	dir := "/"
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		next, ok := subdir(fs, dir, part)
		if !ok {
			return false
		}
		dir = next
	}
	return true
}
