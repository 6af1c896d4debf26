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

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vicrodh/usb-bootable-creator/diskimage"
	"github.com/vicrodh/usb-bootable-creator/sysutils"
)

// writeCadence paces percent events during image writes.
const writeCadence = 500 * time.Millisecond

// Executor runs privileged operations. It reads framed requests, answers
// each with exactly one framed response on out, and streams progress as
// text lines on progress (the process stderr in production).
type Executor struct {
	out      io.Writer
	progress *progressWriter

	// Indirections for tests.
	lookPath func(string) (string, error)
	run      func(name string, arg ...string) ([]byte, error)
	rootDisk func() string

	mounts map[string]string
}

func NewExecutor(out, progress io.Writer) *Executor {
	return &Executor{
		out:      out,
		progress: &progressWriter{w: progress},
		lookPath: exec.LookPath,
		run:      runCombined,
		rootDisk: systemRootDisk,
		mounts:   make(map[string]string),
	}
}

func runCombined(name string, arg ...string) ([]byte, error) {
	return exec.Command(name, arg...).CombinedOutput()
}

// Serve handles requests until EOF on r. Protocol errors terminate the
// session, operation errors do not.
func (e *Executor) Serve(r io.Reader) error {
	for {
		req, err := ReadRequest(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to read request: %s", err)
		}

		resp := e.execute(req)
		resp.Seq = req.Seq

		if err := WriteResponse(e.out, resp); err != nil {
			return fmt.Errorf("unable to write response: %s", err)
		}
	}
}

func (e *Executor) execute(req *Request) *Response {
	if !knownOps[req.Op] {
		return fail(KindUnauthorizedOperation, "operation %q is not in the allowed set", req.Op)
	}

	if destructiveOps[req.Op] {
		if root := e.rootDisk(); root != "" && onDisk(req.Device, root) {
			return fail(KindUnauthorizedOperation, "%s backs the running system", req.Device)
		}
	}

	switch req.Op {
	case OpProbe:
		return e.probe(req)
	case OpWipe:
		return e.wipe(req)
	case OpCreateTable:
		return e.createTable(req)
	case OpCreatePartition:
		return e.createPartition(req)
	case OpFormat:
		return e.format(req)
	case OpMount:
		return e.mount(req)
	case OpUnmount:
		return e.unmount(req)
	case OpCopy:
		return e.copyTree(req)
	case OpInjectFile:
		return e.injectFile(req)
	case OpSplitImage:
		return e.splitImage(req)
	case OpWriteImage:
		return e.writeImage(req)
	case OpResize:
		return e.resize(req)
	case OpSettle:
		return e.settle(req)
	}

	return fail(KindInternal, "no handler for %q", req.Op)
}

// destructiveOps lose data on the target device and are refused outright on
// the system disk.
var destructiveOps = map[Op]bool{
	OpWipe:            true,
	OpCreateTable:     true,
	OpCreatePartition: true,
	OpFormat:          true,
	OpWriteImage:      true,
	OpResize:          true,
}

func fail(kind, format string, args ...interface{}) *Response {
	return &Response{Kind: kind, Error: fmt.Sprintf(format, args...)}
}

// failFromTool classifies tool output into a wire kind. Busy and full
// conditions get their own kinds so the caller can react.
func failFromTool(tool string, out []byte, err error) *Response {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "busy") || strings.Contains(lower, "in use"):
		return fail(KindDeviceBusy, "%s: %s", tool, msg)
	case strings.Contains(lower, "no space left"):
		return fail(KindInsufficientSpace, "%s: %s", tool, msg)
	}

	return fail(KindInternal, "%s failed: %s", tool, msg)
}

// tool resolves an external command, mapping absence to its own kind so the
// caller can tell the user what to install.
func (e *Executor) tool(name string) (string, *Response) {
	path, err := e.lookPath(name)
	if err != nil {
		return "", fail(KindExternalToolMissing, "required tool %q not found in PATH", name)
	}
	return path, nil
}

func (e *Executor) runTool(name string, arg ...string) *Response {
	path, errResp := e.tool(name)
	if errResp != nil {
		return errResp
	}

	if out, err := e.run(path, arg...); err != nil {
		return failFromTool(name, out, err)
	}

	return &Response{OK: true}
}

// probe reports the device geometry and whatever partition table is on it.
// The unprivileged frontend cannot open block devices, so this is its only
// view of the target.
func (e *Executor) probe(req *Request) *Response {
	if req.Device == "" {
		return &Response{OK: true}
	}

	size, err := sysutils.BlockSize(req.Device)
	if err != nil {
		return fail(KindInternal, "unable to probe %s: %s", req.Device, err)
	}
	sector, err := sysutils.SectorSize(req.Device)
	if err != nil {
		return fail(KindInternal, "unable to probe %s: %s", req.Device, err)
	}

	resp := &Response{OK: true, Device: req.Device, Size: size, SectorSize: sector}

	// No table is a valid answer, freshly wiped devices have none.
	if table, err := diskimage.ReadGPT(req.Device); err == nil {
		resp.Table = tableInfo(table)
	}

	return resp
}

func tableInfo(table *diskimage.GPTTable) *TableInfo {
	info := &TableInfo{}
	for _, part := range table.Partitions {
		info.Partitions = append(info.Partitions, PartitionInfo{
			Label: part.Name,
			Start: part.Start,
			Size:  part.Size,
		})
	}
	return info
}

func (e *Executor) wipe(req *Request) *Response {
	return e.runTool("wipefs", "-a", req.Device)
}

func (e *Executor) createTable(req *Request) *Response {
	table := req.Table
	if table == "" {
		table = "gpt"
	}
	return e.runTool("parted", "-s", req.Device, "mklabel", table)
}

func (e *Executor) createPartition(req *Request) *Response {
	if req.Size <= 0 || req.Start <= 0 {
		return fail(KindInternal, "partition needs a positive start and size")
	}

	end := req.Start + req.Size - 1
	return e.runTool("parted", "-s", req.Device, "unit", "B",
		"mkpart", req.Label, req.FS,
		strconv.FormatInt(req.Start, 10), strconv.FormatInt(end, 10))
}

func (e *Executor) format(req *Request) *Response {
	switch req.FS {
	case "fat32":
		args := []string{"-F", "32"}
		if req.Cluster > 0 {
			// mkfs.vfat takes sectors per cluster, capped at its 128
			// sector maximum.
			sectors := req.Cluster / 512
			if sectors > 128 {
				sectors = 128
			}
			args = append(args, "-s", strconv.FormatInt(sectors, 10))
		}
		args = append(args, "-n", req.Label, req.Device)
		return e.runTool("mkfs.vfat", args...)
	case "ntfs":
		args := []string{"--quick"}
		if req.Cluster > 0 {
			args = append(args, "-c", strconv.FormatInt(req.Cluster, 10))
		}
		args = append(args, "-L", req.Label, req.Device)
		return e.runTool("mkfs.ntfs", args...)
	}

	return fail(KindUnsupportedFilesystem, "cannot format %q", req.FS)
}

func (e *Executor) mount(req *Request) *Response {
	dir, err := os.MkdirTemp("", "usb-creator-")
	if err != nil {
		return fail(KindInternal, "unable to create mountpoint: %s", err)
	}

	args := []string{}
	if len(req.Options) > 0 {
		args = append(args, "-o", strings.Join(req.Options, ","))
	}
	args = append(args, req.Device, dir)

	resp := e.runTool("mount", args...)
	if !resp.OK && len(req.Options) > 0 {
		// Driver specific options (big_writes on ntfs3) are best effort.
		resp = e.runTool("mount", req.Device, dir)
	}
	if !resp.OK {
		os.Remove(dir)
		return resp
	}

	e.mounts[req.Device] = dir

	return &Response{OK: true, Mountpoint: dir}
}

func (e *Executor) unmount(req *Request) *Response {
	target := req.Device
	if dir, ok := e.mounts[req.Device]; ok {
		target = dir
	}

	if resp := e.runTool("umount", target); !resp.OK {
		return resp
	}

	if dir, ok := e.mounts[req.Device]; ok {
		os.Remove(dir)
		delete(e.mounts, req.Device)
	}

	return &Response{OK: true}
}

// copyTree drives rsync and translates its progress2 output into percent
// events.
func (e *Executor) copyTree(req *Request) *Response {
	path, errResp := e.tool("rsync")
	if errResp != nil {
		return errResp
	}

	args := []string{"-a", "--info=progress2", "--no-inc-recursive"}
	for _, pattern := range req.Excludes {
		args = append(args, "--exclude", pattern)
	}
	// Trailing slash on the source copies contents, not the directory.
	args = append(args, strings.TrimSuffix(req.Source, "/")+"/", req.Dest)

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(KindInternal, "unable to pipe rsync: %s", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fail(KindInternal, "unable to start rsync: %s", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanCRLines)
	var lastOut string
	for scanner.Scan() {
		line := scanner.Text()
		lastOut = line
		if pct, ok := rsyncPercent(line); ok {
			e.progress.Percent(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return failFromTool("rsync", []byte(lastOut), err)
	}

	return &Response{OK: true}
}

// scanCRLines splits on both \n and \r, progress2 redraws its line with
// carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := strings.IndexAny(string(data), "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// rsyncPercent extracts the percent column from a progress2 line such as
// "  1,234,567  42%  10.2MB/s  0:00:03".
func rsyncPercent(line string) (float64, bool) {
	for _, field := range strings.Fields(line) {
		if strings.HasSuffix(field, "%") {
			pct, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64)
			if err == nil {
				return pct, true
			}
		}
	}
	return 0, false
}

// injectFile adds a file either into a mounted tree (ImageIndex zero) or
// into a WIM image via wimlib.
func (e *Executor) injectFile(req *Request) *Response {
	if req.ImageIndex == 0 {
		if err := copyFileInto(req.Source, req.Dest); err != nil {
			return fail(KindImageInjectionFailed, "unable to place %s: %s", filepath.Base(req.Source), err)
		}
		return &Response{OK: true}
	}

	path, errResp := e.tool("wimlib-imagex")
	if errResp != nil {
		return errResp
	}

	// Dest here is "<wim path>:<path inside image>".
	wim, inside, ok := strings.Cut(req.Dest, ":")
	if !ok {
		return fail(KindImageInjectionFailed, "wim destination %q needs the form file.wim:/path", req.Dest)
	}

	cmd := exec.Command(path, "update", wim, strconv.Itoa(req.ImageIndex))
	cmd.Stdin = strings.NewReader(fmt.Sprintf("add '%s' '%s'\n", req.Source, inside))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fail(KindImageInjectionFailed, "wimlib-imagex update failed: %s", strings.TrimSpace(string(out)))
	}

	return &Response{OK: true}
}

func copyFileInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return sysutils.CopyFile(src, dst)
}

// splitImage breaks a WIM into .swm chunks that fit FAT32.
func (e *Executor) splitImage(req *Request) *Response {
	chunkMiB := req.ChunkSize / (1024 * 1024)
	if chunkMiB <= 0 {
		chunkMiB = 3800
	}

	return e.runTool("wimlib-imagex", "split", req.Source, req.Dest,
		strconv.FormatInt(chunkMiB, 10))
}

// writeImage streams an image onto the device, hashing as it goes. No
// external tool, the kernel page cache plus a final sync is all dd would
// give us anyway.
func (e *Executor) writeImage(req *Request) *Response {
	in, err := os.Open(req.Source)
	if err != nil {
		return fail(KindInternal, "unable to open %s: %s", req.Source, err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return fail(KindInternal, "unable to stat %s: %s", req.Source, err)
	}
	total := fi.Size()

	out, err := os.OpenFile(req.Device, os.O_WRONLY, 0)
	if err != nil {
		return fail(KindInternal, "unable to open %s for writing: %s", req.Device, err)
	}
	defer out.Close()

	hash := sha256.New()
	buf := make([]byte, 4*1024*1024)
	var written int64
	lastReport := time.Now()

	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fail(KindWriteInterrupted, "write failed after %d bytes: %s", written, werr)
			}
			hash.Write(buf[:n])
			written += int64(n)

			if time.Since(lastReport) >= writeCadence {
				e.progress.Percent(float64(written) / float64(total) * 100)
				lastReport = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(KindWriteInterrupted, "read failed after %d bytes: %s", written, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return fail(KindWriteInterrupted, "sync failed: %s", err)
	}
	e.progress.Percent(100)

	// The image carries its own partition table; prod the kernel to pick
	// it up. Best effort, udev settles it properly later.
	sysutils.RereadPartitionTable(req.Device)

	sum := hex.EncodeToString(hash.Sum(nil))
	if req.Checksum != "" && !strings.EqualFold(req.Checksum, sum) {
		return fail(KindChecksumMismatch, "expected %s, wrote %s", req.Checksum, sum)
	}

	return &Response{OK: true, Checksum: sum, Written: written}
}

// resize grows partition n to end at Start+Size-1.
func (e *Executor) resize(req *Request) *Response {
	if req.Partition <= 0 || req.Size <= 0 {
		return fail(KindInternal, "resize needs a partition number and a positive size")
	}

	end := req.Start + req.Size - 1
	return e.runTool("parted", "-s", req.Device, "unit", "B",
		"resizepart", strconv.Itoa(req.Partition), strconv.FormatInt(end, 10))
}

func (e *Executor) settle(req *Request) *Response {
	return e.runTool("udevadm", "settle")
}

// systemRootDisk names the whole disk backing the root filesystem, or ""
// when it cannot be determined. Detection failure must not brick the
// helper, the caller has its own exclusion list.
func systemRootDisk() string {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return ""
	}

	var rootDev string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "/" && strings.HasPrefix(fields[0], "/dev/") {
			rootDev = fields[0]
			break
		}
	}
	if rootDev == "" {
		return ""
	}

	return wholeDisk(rootDev)
}

// wholeDisk strips the partition suffix: /dev/sda3 to /dev/sda,
// /dev/nvme0n1p2 to /dev/nvme0n1.
func wholeDisk(dev string) string {
	name := strings.TrimPrefix(dev, "/dev/")

	if i := strings.LastIndex(name, "p"); i > 0 && isDigits(name[i+1:]) && strings.ContainsAny(name[:i], "0123456789") {
		return "/dev/" + name[:i]
	}

	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed != "" && trimmed != name {
		return "/dev/" + trimmed
	}

	return dev
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// onDisk reports whether dev is the given disk or one of its partitions.
func onDisk(dev, disk string) bool {
	if dev == "" || disk == "" {
		return false
	}
	return dev == disk || wholeDisk(dev) == disk
}
