//
// creator - orchestrates turning bootable images into USB install media
//
// Copyright (c) 2024 vicrodh
//
package creator

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
	"context"
	"fmt"

	"github.com/vicrodh/usb-bootable-creator/diskimage"
	"github.com/vicrodh/usb-bootable-creator/helper"
	"github.com/vicrodh/usb-bootable-creator/isoimage"
)

// Kind classifies failures for callers that react differently per cause,
// the CLI exit codes among them.
type Kind string

const (
	KindDeviceBusy             Kind = "device-busy"
	KindInsufficientSpace      Kind = "insufficient-space"
	KindUnsupportedFilesystem  Kind = "unsupported-filesystem"
	KindPrivilegeDenied        Kind = "privilege-denied"
	KindUnauthorizedOperation  Kind = "unauthorized-operation"
	KindExternalToolMissing    Kind = "external-tool-missing"
	KindPartitionTableMismatch Kind = "partition-table-mismatch"
	KindChecksumMismatch       Kind = "checksum-mismatch"
	KindImageInjectionFailed   Kind = "image-injection-failed"
	KindWriteInterrupted       Kind = "write-interrupted"
	KindUnrecognizedImage      Kind = "unrecognized-image"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// Error is the single error type jobs report.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s", e.Step, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from any error a job returned.
func KindOf(err error) Kind {
	if cerr, ok := err.(*Error); ok {
		return cerr.Kind
	}
	return KindInternal
}

// classify wraps an arbitrary failure from a flow step, folding the typed
// errors of the lower layers into kinds.
func classify(step string, err error) *Error {
	if cerr, ok := err.(*Error); ok {
		return cerr
	}

	kind := KindInternal

	switch e := err.(type) {
	case *diskimage.ErrInsufficientSpace:
		kind = KindInsufficientSpace
	case *diskimage.ErrUnsupportedFilesystem:
		kind = KindUnsupportedFilesystem
	case *diskimage.ErrBadClusterSize:
		kind = KindUnsupportedFilesystem
	case *diskimage.ErrPlanMismatch:
		kind = KindPartitionTableMismatch
	case diskimage.ErrNoTable:
		kind = KindPartitionTableMismatch
	case isoimage.ErrUnrecognizedImage:
		kind = KindUnrecognizedImage
	case *helper.RemoteError:
		kind = remoteKind(e.Kind)
	}

	if err == context.Canceled || err == context.DeadlineExceeded {
		kind = KindCancelled
	}

	return &Error{Kind: kind, Step: step, Err: err}
}

// remoteKind maps helper wire kinds onto local ones. The strings match by
// contract; unknown ones degrade to internal.
func remoteKind(wire string) Kind {
	switch wire {
	case helper.KindDeviceBusy:
		return KindDeviceBusy
	case helper.KindInsufficientSpace:
		return KindInsufficientSpace
	case helper.KindUnsupportedFilesystem:
		return KindUnsupportedFilesystem
	case helper.KindPrivilegeDenied:
		return KindPrivilegeDenied
	case helper.KindUnauthorizedOperation:
		return KindUnauthorizedOperation
	case helper.KindExternalToolMissing:
		return KindExternalToolMissing
	case helper.KindChecksumMismatch:
		return KindChecksumMismatch
	case helper.KindImageInjectionFailed:
		return KindImageInjectionFailed
	case helper.KindWriteInterrupted:
		return KindWriteInterrupted
	}
	return KindInternal
}
