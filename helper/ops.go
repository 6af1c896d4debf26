//
// helper - privileged block device operations behind a framed protocol
//
// Copyright (c) 2024 vicrodh
//
package helper

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

// Op names one privileged operation. The set is closed: the helper refuses
// anything outside it, so a compromised caller cannot turn the helper into a
// generic root shell.
type Op string

const (
	OpProbe           Op = "probe"
	OpWipe            Op = "wipe"
	OpCreateTable     Op = "create-table"
	OpCreatePartition Op = "create-partition"
	OpFormat          Op = "format"
	OpMount           Op = "mount"
	OpUnmount         Op = "unmount"
	OpCopy            Op = "copy"
	OpInjectFile      Op = "inject-file"
	OpSplitImage      Op = "split-image"
	OpWriteImage      Op = "write-image"
	OpResize          Op = "resize"
	OpSettle          Op = "settle"
)

var knownOps = map[Op]bool{
	OpProbe:           true,
	OpWipe:            true,
	OpCreateTable:     true,
	OpCreatePartition: true,
	OpFormat:          true,
	OpMount:           true,
	OpUnmount:         true,
	OpCopy:            true,
	OpInjectFile:      true,
	OpSplitImage:      true,
	OpWriteImage:      true,
	OpResize:          true,
	OpSettle:          true,
}

// Wire error kinds. The creator package maps these onto its own error type;
// the strings are the contract between the two processes.
const (
	KindDeviceBusy            = "device-busy"
	KindInsufficientSpace     = "insufficient-space"
	KindUnsupportedFilesystem = "unsupported-filesystem"
	KindPrivilegeDenied       = "privilege-denied"
	KindUnauthorizedOperation = "unauthorized-operation"
	KindExternalToolMissing   = "external-tool-missing"
	KindChecksumMismatch      = "checksum-mismatch"
	KindImageInjectionFailed  = "image-injection-failed"
	KindWriteInterrupted      = "write-interrupted"
	KindInternal              = "internal"
)
