//
// usb-creator - Tool to turn bootable disk images into USB installation
//               media
//
// Copyright (c) 2024 vicrodh
//
package main

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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/dustin/go-humanize"

	"github.com/vicrodh/usb-bootable-creator/creator"
	"github.com/vicrodh/usb-bootable-creator/diskimage"
	"github.com/vicrodh/usb-bootable-creator/helper"
	"github.com/vicrodh/usb-bootable-creator/unattend"
)

type WriteCmd struct {
	Filesystem string `long:"fs" description:"Data partition filesystem (ntfs or fat32)"`
	Cluster    string `long:"cluster" description:"NTFS cluster size (512 to 4M)"`
	Bypass     string `long:"bypass" description:"Installation checks to disable (tpm,secureboot,ram,online-account or all)"`
	Checksum   string `long:"checksum" description:"Expected SHA-256 of the image, hex encoded"`
	Direct     bool   `long:"direct" description:"Write the image to the device as-is, skipping the layout build"`
	Yes        bool   `short:"y" long:"yes" description:"Skip the confirmation prompt"`
	Helper     string `long:"helper" description:"Path to the privileged helper binary"`

	Positional struct {
		Image  string `positional-arg-name:"image" description:"Bootable image to write"`
		Device string `positional-arg-name:"device" description:"Target block device"`
	} `positional-args:"yes" required:"yes"`
}

var writeCmd WriteCmd

func init() {
	parser.AddCommand("write",
		"Write an image to a USB device",
		"Turns the given bootable image into USB installation media, wiping the target device",
		&writeCmd)
}

func (cmd *WriteCmd) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	opts, err := cmd.options(config)
	if err != nil {
		return err
	}

	if !cmd.Yes && !confirm(opts.Device) {
		fmt.Println("Aborted.")
		os.Exit(exitCancelled)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	job, err := creator.NewManager().Start(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}

	go func() {
		<-ctx.Done()
		job.Cancel()
	}()

	renderProgress(job)

	if err := job.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}

	metrics := job.Metrics()
	fmt.Printf("Done in %s (%s/s).\n", metrics.Total().Round(time.Second),
		humanize.Bytes(uint64(metrics.Throughput())))
	return nil
}

func (cmd *WriteCmd) options(config *Config) (creator.Options, error) {
	fsName := cmd.Filesystem
	if fsName == "" {
		fsName = config.DataFilesystem
	}
	var dataFS diskimage.FSType
	switch fsName {
	case "", "ntfs":
		dataFS = diskimage.FSNtfs
	case "fat32":
		dataFS = diskimage.FSFat32
	default:
		return creator.Options{}, fmt.Errorf("unsupported data filesystem %q", fsName)
	}

	clusterName := cmd.Cluster
	if clusterName == "" {
		clusterName = config.ClusterSize
	}
	cluster, err := diskimage.ParseClusterSize(clusterName)
	if err != nil {
		return creator.Options{}, err
	}

	bypassFlags := cmd.Bypass
	if bypassFlags == "" {
		bypassFlags = config.Bypass
	}
	bypass, err := unattend.ParseFlags(bypassFlags)
	if err != nil {
		return creator.Options{}, err
	}

	helperPath := cmd.Helper
	if helperPath == "" {
		helperPath = config.HelperPath
	}

	return creator.Options{
		Image:      cmd.Positional.Image,
		Device:     cmd.Positional.Device,
		DataFS:     dataFS,
		Cluster:    cluster,
		Bypass:     bypass,
		Checksum:   cmd.Checksum,
		Direct:     cmd.Direct,
		HelperPath: helperPath,
	}, nil
}

func confirm(device string) bool {
	fmt.Printf("This will erase everything on %s. Continue? [y/N] ", device)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// renderProgress drives one progress bar per step off the job's event
// stream.
func renderProgress(job *creator.Job) {
	var bar *pb.ProgressBar

	finishBar := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}

	for ev := range job.Events() {
		switch ev.Kind {
		case helper.ProgressStep:
			finishBar()
			fmt.Printf("[%d/%d] %s\n", ev.Step, ev.Total, ev.Message)
		case helper.ProgressPercent:
			if bar == nil {
				bar = pb.New(100)
				bar.ShowCounters = false
				bar.Start()
			}
			bar.Set(int(ev.Percent))
		}
	}

	finishBar()
}
