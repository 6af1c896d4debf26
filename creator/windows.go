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
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/vicrodh/usb-bootable-creator/diskimage"
	"github.com/vicrodh/usb-bootable-creator/helper"
	"github.com/vicrodh/usb-bootable-creator/unattend"
)

// runWindows builds the two partition layout: FAT32 BOOT that firmware can
// always read, plus a large data partition carrying the full image
// contents.
func (env *flowEnv) runWindows(ctx context.Context) error {
	steps := []flowStep{
		{"checking the layout", env.stepPlan},
	}
	if env.opts.Checksum != "" {
		steps = append(steps, flowStep{"verifying the image checksum", env.stepChecksum})
	}

	steps = append(steps,
		flowStep{"unmounting existing filesystems", env.preflightUnmount},
		flowStep{fmt.Sprintf("wiping %s", env.opts.Device), env.stepWipe},
		flowStep{"creating the partition table", env.stepPartition},
		flowStep{"formatting the partitions", env.stepFormat},
		flowStep{fmt.Sprintf("mounting %s", filepath.Base(env.opts.Image)), env.stepMountImage},
		flowStep{"mounting the new partitions", env.stepMountTargets},
		flowStep{"copying boot files", env.stepCopyBoot},
		flowStep{fmt.Sprintf("copying installation files (%s)", humanize.Bytes(uint64(env.info.TotalSize))), env.stepCopyData},
	)

	// Whether the install image actually needs splitting is only certain
	// once the image is mounted and the file can be stat'ed, so the step
	// is scheduled for any FAT32 layout and decides for itself.
	if env.opts.DataFS == diskimage.FSFat32 {
		steps = append(steps, flowStep{"splitting the install image", env.stepSplitInstall})
	}
	if !env.opts.Bypass.Empty() {
		steps = append(steps, flowStep{
			fmt.Sprintf("disabling installation checks (%s)", env.opts.Bypass),
			env.stepInjectUnattend,
		})
	}

	steps = append(steps,
		flowStep{"flushing writes", env.unmountAll},
		flowStep{"verifying the result", env.stepVerify},
	)

	return env.job.runSteps(ctx, steps)
}

func (env *flowEnv) stepPlan(ctx context.Context) error {
	resp, err := env.call(ctx, &helper.Request{Op: helper.OpProbe, Device: env.opts.Device})
	if err != nil {
		return err
	}
	env.sectorSize = resp.SectorSize

	plan, err := diskimage.Plan(env.opts.Device, resp.Size, env.info.TotalSize, env.opts.DataFS, env.opts.Cluster)
	if err != nil {
		return err
	}
	env.plan = plan

	return nil
}

func (env *flowEnv) stepWipe(ctx context.Context) error {
	env.partitioned = true
	_, err := env.call(ctx, &helper.Request{Op: helper.OpWipe, Device: env.opts.Device})
	return err
}

func (env *flowEnv) stepPartition(ctx context.Context) error {
	if _, err := env.call(ctx, &helper.Request{
		Op: helper.OpCreateTable, Device: env.opts.Device, Table: "gpt",
	}); err != nil {
		return err
	}

	for _, part := range env.plan.Partitions {
		if _, err := env.call(ctx, &helper.Request{
			Op:     helper.OpCreatePartition,
			Device: env.opts.Device,
			Label:  part.Label,
			FS:     string(part.FS),
			Start:  part.Start,
			Size:   part.Size,
		}); err != nil {
			return err
		}
	}

	return env.settle(ctx)
}

func (env *flowEnv) stepFormat(ctx context.Context) error {
	for i, part := range env.plan.Partitions {
		req := &helper.Request{
			Op:     helper.OpFormat,
			Device: partitionNode(env.opts.Device, i+1),
			FS:     string(part.FS),
			Label:  part.Label,
		}
		switch part.FS {
		case diskimage.FSNtfs:
			req.Cluster = int64(part.Cluster)
		case diskimage.FSFat32:
			req.Cluster = env.fat32Cluster()
		}
		if _, err := env.call(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// fat32Cluster derives the FAT32 cluster size from the probed logical
// sector size, 32 sectors per cluster. Zero lets mkfs pick.
func (env *flowEnv) fat32Cluster() int64 {
	if env.sectorSize == 0 {
		return 0
	}
	return int64(32 * env.sectorSize)
}

func (env *flowEnv) stepMountImage(ctx context.Context) error {
	resp, err := env.call(ctx, &helper.Request{
		Op: helper.OpMount, Device: env.opts.Image,
		Options: []string{"loop", "ro"},
	})
	if err != nil {
		return err
	}
	env.isoMount = resp.Mountpoint

	// ISO9660 directory records under-report files that only the UDF
	// descriptors size correctly; the mounted view is authoritative.
	if env.info.InstallImage.Path != "" {
		mounted := filepath.Join(env.isoMount, filepath.FromSlash(env.info.InstallImage.Path))
		if fi, err := os.Stat(mounted); err == nil && fi.Size() > env.info.InstallImage.Size {
			env.info.InstallImage.Size = fi.Size()
		}
	}
	return nil
}

func (env *flowEnv) stepMountTargets(ctx context.Context) error {
	resp, err := env.call(ctx, &helper.Request{
		Op: helper.OpMount, Device: partitionNode(env.opts.Device, 1),
	})
	if err != nil {
		return err
	}
	env.bootMount = resp.Mountpoint

	dataReq := &helper.Request{
		Op: helper.OpMount, Device: partitionNode(env.opts.Device, 2),
	}
	if env.opts.DataFS == diskimage.FSNtfs {
		// ntfs-3g only; the helper drops the option where the ntfs3
		// kernel driver rejects it.
		dataReq.Options = []string{"big_writes"}
	}
	resp, err = env.call(ctx, dataReq)
	if err != nil {
		return err
	}
	env.dataMount = resp.Mountpoint

	return nil
}

// stepCopyBoot fills BOOT with everything except the bulky sources tree,
// then adds back the one file setup's first stage needs from it.
func (env *flowEnv) stepCopyBoot(ctx context.Context) error {
	if _, err := env.call(ctx, &helper.Request{
		Op:       helper.OpCopy,
		Source:   env.isoMount,
		Dest:     env.bootMount,
		Excludes: []string{"sources"},
	}); err != nil {
		return err
	}

	_, err := env.call(ctx, &helper.Request{
		Op:     helper.OpInjectFile,
		Source: filepath.Join(env.isoMount, "sources", "boot.wim"),
		Dest:   filepath.Join(env.bootMount, "sources", "boot.wim"),
	})
	return err
}

func (env *flowEnv) stepCopyData(ctx context.Context) error {
	req := &helper.Request{
		Op:     helper.OpCopy,
		Source: env.isoMount,
		Dest:   env.dataMount,
	}

	// When the install image gets split, the oversized original never
	// lands on the FAT32 data partition.
	if env.opts.DataFS == diskimage.FSFat32 && env.info.NeedsSplit() {
		req.Excludes = []string{filepath.Base(env.info.InstallImage.Path)}
	}

	_, err := env.call(ctx, req)
	return err
}

// swmChunkSize keeps split chunks comfortably under the FAT32 file limit.
const swmChunkSize = 3800 * 1024 * 1024

func (env *flowEnv) stepSplitInstall(ctx context.Context) error {
	if !env.info.NeedsSplit() {
		return nil
	}

	source := filepath.Join(env.isoMount, filepath.FromSlash(env.info.InstallImage.Path))
	dest := filepath.Join(env.dataMount, "sources", "install.swm")

	_, err := env.call(ctx, &helper.Request{
		Op:        helper.OpSplitImage,
		Source:    source,
		Dest:      dest,
		ChunkSize: swmChunkSize,
	})
	return err
}

// bootWimSetupIndex is the Microsoft Windows Setup image inside boot.wim.
// Index 1 is Windows PE, which never reads the answer file.
const bootWimSetupIndex = 2

// stepInjectUnattend drops the generated answer file onto both partition
// roots and into the setup image inside boot.wim; setup reads it from
// whichever it booted off.
func (env *flowEnv) stepInjectUnattend(ctx context.Context) error {
	// Failure here leaves media that still installs, just without the
	// bypasses; cleanup must not wipe it.
	env.keepOnFailure = true

	dir, err := os.MkdirTemp("", "unattend-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, unattend.FileName)
	if err := os.WriteFile(path, unattend.Render(unattend.ArchX64, env.opts.Bypass), 0644); err != nil {
		return err
	}

	for _, root := range []string{env.bootMount, env.dataMount} {
		if _, err := env.call(ctx, &helper.Request{
			Op:     helper.OpInjectFile,
			Source: path,
			Dest:   filepath.Join(root, unattend.FileName),
		}); err != nil {
			return &Error{Kind: KindImageInjectionFailed, Step: "disabling installation checks", Err: err}
		}
	}

	bootWim := filepath.Join(env.bootMount, "sources", "boot.wim")
	if _, err := env.call(ctx, &helper.Request{
		Op:         helper.OpInjectFile,
		Source:     path,
		Dest:       bootWim + ":/" + unattend.FileName,
		ImageIndex: bootWimSetupIndex,
	}); err != nil {
		return &Error{Kind: KindImageInjectionFailed, Step: "disabling installation checks", Err: err}
	}

	env.keepOnFailure = false
	return nil
}

func (env *flowEnv) stepVerify(ctx context.Context) error {
	if err := env.settle(ctx); err != nil {
		return err
	}
	return env.verifyTable(ctx)
}
