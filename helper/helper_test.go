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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ProtocolTestSuite struct{}

var _ = Suite(&ProtocolTestSuite{})

func (s *ProtocolTestSuite) TestRequestRoundTrip(c *C) {
	var buf bytes.Buffer

	sent := &Request{
		Seq:    7,
		Op:     OpCreatePartition,
		Device: "/dev/sdz",
		Label:  "BOOT",
		FS:     "fat32",
		Start:  1024 * 1024,
		Size:   1024 * 1024 * 1024,
	}
	c.Assert(WriteRequest(&buf, sent), IsNil)

	got, err := ReadRequest(&buf)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, sent)
}

func (s *ProtocolTestSuite) TestResponseRoundTrip(c *C) {
	var buf bytes.Buffer

	sent := &Response{Seq: 7, OK: false, Kind: KindDeviceBusy, Error: "target is mounted"}
	c.Assert(WriteResponse(&buf, sent), IsNil)

	got, err := ReadResponse(&buf)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, sent)

	rerr := got.Err()
	c.Assert(rerr, NotNil)
	c.Check(rerr.(*RemoteError).Kind, Equals, KindDeviceBusy)
}

func (s *ProtocolTestSuite) TestReadEOF(c *C) {
	_, err := ReadRequest(bytes.NewReader(nil))
	c.Assert(err, Equals, io.EOF)
}

func (s *ProtocolTestSuite) TestFrameTooLarge(c *C) {
	frame := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadResponse(bytes.NewReader(frame))
	c.Assert(err, ErrorMatches, "frame of .* exceeds .*")
}

type ProgressTestSuite struct{}

var _ = Suite(&ProgressTestSuite{})

func (s *ProgressTestSuite) TestParseStep(c *C) {
	ev := ParseProgressLine("[STEP] 3/9: formatting BOOT")
	c.Check(ev.Kind, Equals, ProgressStep)
	c.Check(ev.Step, Equals, 3)
	c.Check(ev.Total, Equals, 9)
	c.Check(ev.Message, Equals, "formatting BOOT")
}

func (s *ProgressTestSuite) TestParsePercent(c *C) {
	ev := ParseProgressLine("[PCT] 42.5")
	c.Check(ev.Kind, Equals, ProgressPercent)
	c.Check(ev.Percent, Equals, 42.5)
}

func (s *ProgressTestSuite) TestParseLogFallback(c *C) {
	for _, line := range []string{
		"mkfs.ntfs output line",
		"[STEP] not/a/counter: oops",
		"[PCT] many",
	} {
		c.Check(ParseProgressLine(line).Kind, Equals, ProgressLog)
	}
}

func (s *ProgressTestSuite) TestWriterFormat(c *C) {
	var buf bytes.Buffer
	pw := &progressWriter{w: &buf}

	pw.Step(1, 4, "wiping %s", "/dev/sdz")
	pw.Percent(99.95)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	c.Assert(lines, HasLen, 2)
	c.Check(lines[0], Equals, "[STEP] 1/4: wiping /dev/sdz")

	ev := ParseProgressLine(lines[1])
	c.Check(ev.Kind, Equals, ProgressPercent)
	c.Check(ev.Percent, Equals, 100.0)
}

func (s *ProgressTestSuite) TestRsyncPercent(c *C) {
	pct, ok := rsyncPercent("  1,234,567  42%  10.21MB/s    0:00:03")
	c.Assert(ok, Equals, true)
	c.Check(pct, Equals, 42.0)

	_, ok = rsyncPercent("sending incremental file list")
	c.Check(ok, Equals, false)
}

type DiskNamesTestSuite struct{}

var _ = Suite(&DiskNamesTestSuite{})

func (s *DiskNamesTestSuite) TestWholeDisk(c *C) {
	c.Check(wholeDisk("/dev/sda3"), Equals, "/dev/sda")
	c.Check(wholeDisk("/dev/sdb"), Equals, "/dev/sdb")
	c.Check(wholeDisk("/dev/nvme0n1p2"), Equals, "/dev/nvme0n1")
	c.Check(wholeDisk("/dev/mmcblk0p1"), Equals, "/dev/mmcblk0")
}

func (s *DiskNamesTestSuite) TestOnDisk(c *C) {
	c.Check(onDisk("/dev/sda1", "/dev/sda"), Equals, true)
	c.Check(onDisk("/dev/sda", "/dev/sda"), Equals, true)
	c.Check(onDisk("/dev/sdb1", "/dev/sda"), Equals, false)
	c.Check(onDisk("", "/dev/sda"), Equals, false)
}

type ExecutorTestSuite struct {
	out      bytes.Buffer
	progress bytes.Buffer
	executor *Executor
	commands [][]string
}

var _ = Suite(&ExecutorTestSuite{})

func (s *ExecutorTestSuite) SetUpTest(c *C) {
	s.out.Reset()
	s.progress.Reset()
	s.commands = nil

	s.executor = NewExecutor(&s.out, &s.progress)
	s.executor.lookPath = func(name string) (string, error) { return "/sbin/" + name, nil }
	s.executor.run = func(name string, arg ...string) ([]byte, error) {
		s.commands = append(s.commands, append([]string{name}, arg...))
		return nil, nil
	}
	s.executor.rootDisk = func() string { return "/dev/sda" }
}

func (s *ExecutorTestSuite) TestUnknownOpRefused(c *C) {
	resp := s.executor.execute(&Request{Op: Op("open-shell")})
	c.Check(resp.OK, Equals, false)
	c.Check(resp.Kind, Equals, KindUnauthorizedOperation)
}

func (s *ExecutorTestSuite) TestSystemDiskRefused(c *C) {
	for _, device := range []string{"/dev/sda", "/dev/sda2"} {
		resp := s.executor.execute(&Request{Op: OpWipe, Device: device})
		c.Check(resp.OK, Equals, false)
		c.Check(resp.Kind, Equals, KindUnauthorizedOperation)
	}
	c.Check(s.commands, HasLen, 0)
}

func (s *ExecutorTestSuite) TestProbeReportsGeometry(c *C) {
	device := filepath.Join(c.MkDir(), "device")
	c.Assert(os.WriteFile(device, make([]byte, 64*1024), 0644), IsNil)

	resp := s.executor.execute(&Request{Op: OpProbe, Device: device})
	c.Assert(resp.OK, Equals, true)
	c.Check(resp.Size, Equals, int64(64*1024))
	c.Check(resp.SectorSize, Equals, 512)
	// A blank device has no table to report.
	c.Check(resp.Table, IsNil)
}

func (s *ExecutorTestSuite) TestWipe(c *C) {
	resp := s.executor.execute(&Request{Op: OpWipe, Device: "/dev/sdz"})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{"/sbin/wipefs", "-a", "/dev/sdz"}})
}

func (s *ExecutorTestSuite) TestCreateTableDefaultsToGPT(c *C) {
	resp := s.executor.execute(&Request{Op: OpCreateTable, Device: "/dev/sdz"})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{"/sbin/parted", "-s", "/dev/sdz", "mklabel", "gpt"}})
}

func (s *ExecutorTestSuite) TestCreatePartition(c *C) {
	resp := s.executor.execute(&Request{
		Op: OpCreatePartition, Device: "/dev/sdz",
		Label: "BOOT", FS: "fat32",
		Start: 1048576, Size: 1073741824,
	})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{
		"/sbin/parted", "-s", "/dev/sdz", "unit", "B",
		"mkpart", "BOOT", "fat32", "1048576", "1074790399",
	}})
}

func (s *ExecutorTestSuite) TestFormatFat32ClusterInSectors(c *C) {
	resp := s.executor.execute(&Request{
		Op: OpFormat, Device: "/dev/sdz1",
		FS: "fat32", Label: "BOOT", Cluster: 16384,
	})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{
		"/sbin/mkfs.vfat", "-F", "32", "-s", "32", "-n", "BOOT", "/dev/sdz1",
	}})
}

func (s *ExecutorTestSuite) TestFormatNtfs(c *C) {
	resp := s.executor.execute(&Request{
		Op: OpFormat, Device: "/dev/sdz2",
		FS: "ntfs", Label: "ESD-USB", Cluster: 4 * 1024 * 1024,
	})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{
		"/sbin/mkfs.ntfs", "--quick", "-c", "4194304", "-L", "ESD-USB", "/dev/sdz2",
	}})
}

func (s *ExecutorTestSuite) TestResize(c *C) {
	resp := s.executor.execute(&Request{
		Op: OpResize, Device: "/dev/sdz",
		Partition: 2, Start: 1074790400, Size: 30000000000,
	})
	c.Assert(resp.OK, Equals, true)
	c.Check(s.commands, DeepEquals, [][]string{{
		"/sbin/parted", "-s", "/dev/sdz", "unit", "B",
		"resizepart", "2", "31074790399",
	}})
}

func (s *ExecutorTestSuite) TestResizeNeedsPartition(c *C) {
	resp := s.executor.execute(&Request{Op: OpResize, Device: "/dev/sdz", Size: 1024})
	c.Check(resp.OK, Equals, false)
	c.Check(s.commands, HasLen, 0)
}

func (s *ExecutorTestSuite) TestFormatUnsupported(c *C) {
	resp := s.executor.execute(&Request{Op: OpFormat, Device: "/dev/sdz1", FS: "btrfs"})
	c.Check(resp.Kind, Equals, KindUnsupportedFilesystem)
}

func (s *ExecutorTestSuite) TestMissingTool(c *C) {
	s.executor.lookPath = func(name string) (string, error) { return "", os.ErrNotExist }

	resp := s.executor.execute(&Request{Op: OpWipe, Device: "/dev/sdz"})
	c.Check(resp.Kind, Equals, KindExternalToolMissing)
	c.Check(resp.Error, Matches, `required tool "wipefs".*`)
}

func (s *ExecutorTestSuite) TestBusyToolOutput(c *C) {
	s.executor.run = func(name string, arg ...string) ([]byte, error) {
		return []byte("wipefs: error: /dev/sdz: probing initialization failed: Device or resource busy"), os.ErrInvalid
	}

	resp := s.executor.execute(&Request{Op: OpWipe, Device: "/dev/sdz"})
	c.Check(resp.Kind, Equals, KindDeviceBusy)
}

func (s *ExecutorTestSuite) TestWriteImage(c *C) {
	dir := c.MkDir()
	source := filepath.Join(dir, "image.iso")
	target := filepath.Join(dir, "device")

	payload := bytes.Repeat([]byte("bootable"), 4096)
	c.Assert(os.WriteFile(source, payload, 0644), IsNil)
	c.Assert(os.WriteFile(target, nil, 0644), IsNil)

	sum := sha256.Sum256(payload)

	resp := s.executor.execute(&Request{
		Op: OpWriteImage, Device: target,
		Source:   source,
		Checksum: hex.EncodeToString(sum[:]),
	})
	c.Assert(resp.Error, Equals, "")
	c.Assert(resp.OK, Equals, true)
	c.Check(resp.Written, Equals, int64(len(payload)))
	c.Check(resp.Checksum, Equals, hex.EncodeToString(sum[:]))

	written, err := os.ReadFile(target)
	c.Assert(err, IsNil)
	c.Check(bytes.Equal(written, payload), Equals, true)

	// A terminal 100 percent event lands on the progress stream.
	ev := ParseProgressLine(lastLine(s.progress.String()))
	c.Check(ev.Kind, Equals, ProgressPercent)
	c.Check(ev.Percent, Equals, 100.0)
}

func (s *ExecutorTestSuite) TestWriteImageChecksumMismatch(c *C) {
	dir := c.MkDir()
	source := filepath.Join(dir, "image.iso")
	target := filepath.Join(dir, "device")

	c.Assert(os.WriteFile(source, []byte("payload"), 0644), IsNil)
	c.Assert(os.WriteFile(target, nil, 0644), IsNil)

	resp := s.executor.execute(&Request{
		Op: OpWriteImage, Device: target,
		Source:   source,
		Checksum: strings.Repeat("00", 32),
	})
	c.Check(resp.OK, Equals, false)
	c.Check(resp.Kind, Equals, KindChecksumMismatch)
}

func (s *ExecutorTestSuite) TestInjectPlainFile(c *C) {
	dir := c.MkDir()
	source := filepath.Join(dir, "Autounattend.xml")
	dest := filepath.Join(dir, "mounted", "Autounattend.xml")
	c.Assert(os.MkdirAll(filepath.Dir(dest), 0755), IsNil)
	c.Assert(os.WriteFile(source, []byte("<unattend/>"), 0644), IsNil)

	resp := s.executor.execute(&Request{Op: OpInjectFile, Source: source, Dest: dest})
	c.Assert(resp.OK, Equals, true)

	data, err := os.ReadFile(dest)
	c.Assert(err, IsNil)
	c.Check(string(data), Equals, "<unattend/>")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

type BrokerTestSuite struct{}

var _ = Suite(&BrokerTestSuite{})

// startSession wires a broker to an in-process executor over real pipes,
// the same framing production uses across the pkexec boundary.
func (s *BrokerTestSuite) startSession(c *C) (*Broker, *Executor, func()) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	progR, progW := io.Pipe()

	executor := NewExecutor(respW, progW)
	executor.lookPath = func(name string) (string, error) { return "/sbin/" + name, nil }
	executor.run = func(name string, arg ...string) ([]byte, error) { return nil, nil }
	executor.rootDisk = func() string { return "/dev/sda" }

	done := make(chan struct{})
	go func() {
		executor.Serve(reqR)
		respW.Close()
		progW.Close()
		close(done)
	}()

	broker := newBrokerPipes(reqW, respR, progR)

	return broker, executor, func() {
		broker.Close()
		<-done
	}
}

func (s *BrokerTestSuite) TestCallRoundTrip(c *C) {
	broker, _, shutdown := s.startSession(c)
	defer shutdown()

	resp, err := broker.Call(context.Background(), &Request{Op: OpSettle})
	c.Assert(err, IsNil)
	c.Check(resp.OK, Equals, true)
	c.Check(resp.Seq, Equals, uint64(1))

	resp, err = broker.Call(context.Background(), &Request{Op: OpWipe, Device: "/dev/sdz"})
	c.Assert(err, IsNil)
	c.Check(resp.Seq, Equals, uint64(2))
}

func (s *BrokerTestSuite) TestCallSurfacesRemoteError(c *C) {
	broker, _, shutdown := s.startSession(c)
	defer shutdown()

	resp, err := broker.Call(context.Background(), &Request{Op: Op("open-shell")})
	c.Assert(err, IsNil)
	c.Check(resp.OK, Equals, false)

	rerr := resp.Err()
	c.Assert(rerr, FitsTypeOf, &RemoteError{})
	c.Check(rerr.(*RemoteError).Kind, Equals, KindUnauthorizedOperation)
}

func (s *BrokerTestSuite) TestAbandonedCallSessionSurvives(c *C) {
	broker, _, shutdown := s.startSession(c)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The executor may or may not have answered before the cancellation
	// lands; either way the session stays usable and a late response to
	// the abandoned request is skipped, not misdelivered.
	broker.Call(ctx, &Request{Op: OpSettle})

	resp, err := broker.Call(context.Background(), &Request{Op: OpWipe, Device: "/dev/sdz"})
	c.Assert(err, IsNil)
	c.Check(resp.OK, Equals, true)
	c.Check(resp.Seq, Equals, uint64(2))
}
