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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/vicrodh/usb-bootable-creator/helper"
)

// runLinux writes the hybrid image to the device byte for byte. The image
// carries its own partition table and bootloader, nothing to build.
func (env *flowEnv) runLinux(ctx context.Context) error {
	steps := []flowStep{
		{"checking the device", env.stepCheckCapacity},
		{"computing the image checksum", env.stepChecksum},
		{"unmounting existing filesystems", env.preflightUnmount},
		{fmt.Sprintf("writing the image (%s)", humanize.Bytes(uint64(env.info.TotalSize))), env.stepWriteImage},
		{"flushing writes", env.settle},
	}

	return env.job.runSteps(ctx, steps)
}

func (env *flowEnv) stepCheckCapacity(ctx context.Context) error {
	resp, err := env.call(ctx, &helper.Request{Op: helper.OpProbe, Device: env.opts.Device})
	if err != nil {
		return err
	}

	if resp.Size < env.info.TotalSize {
		return &Error{
			Kind: KindInsufficientSpace,
			Err: fmt.Errorf("%s holds %s but the image needs %s", env.opts.Device,
				humanize.Bytes(uint64(resp.Size)), humanize.Bytes(uint64(env.info.TotalSize))),
		}
	}

	return nil
}

// stepChecksum hashes the source before anything touches the device, so
// the helper can fail the write on a mismatch instead of us discovering a
// corrupt download afterwards.
func (env *flowEnv) stepChecksum(ctx context.Context) error {
	f, err := os.Open(env.opts.Image)
	if err != nil {
		return err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return fmt.Errorf("unable to hash %s: %s", env.opts.Image, err)
	}

	env.imageChecksum = hex.EncodeToString(hash.Sum(nil))

	if env.opts.Checksum != "" && !strings.EqualFold(env.opts.Checksum, env.imageChecksum) {
		return &Error{
			Kind: KindChecksumMismatch,
			Err: fmt.Errorf("%s hashes to %s, expected %s", env.opts.Image,
				env.imageChecksum, env.opts.Checksum),
		}
	}
	return nil
}

// stepWriteImage streams the image down. No retry on interruption and no
// cleanup wipe either: the half written device is left for the user to
// inspect, only a fresh run helps.
func (env *flowEnv) stepWriteImage(ctx context.Context) error {
	_, err := env.call(ctx, &helper.Request{
		Op:       helper.OpWriteImage,
		Device:   env.opts.Device,
		Source:   env.opts.Image,
		Checksum: env.imageChecksum,
	})
	return err
}
