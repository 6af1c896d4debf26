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
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vicrodh/usb-bootable-creator/diskimage"
	"github.com/vicrodh/usb-bootable-creator/helper"
	"github.com/vicrodh/usb-bootable-creator/isoimage"
	"github.com/vicrodh/usb-bootable-creator/unattend"
)

// Options describes one media creation request.
type Options struct {
	Image  string
	Device string

	// DataFS selects the data partition filesystem for the two partition
	// layout. Zero value means NTFS.
	DataFS diskimage.FSType

	// Cluster is the NTFS cluster size. Zero means the default.
	Cluster diskimage.ClusterSize

	// Bypass selects the installation checks to disable on Windows media.
	Bypass unattend.Spec

	// Checksum is the expected SHA-256 of the source image, hex encoded.
	// Empty skips source verification.
	Checksum string

	// Direct forces the raw image write path regardless of what the image
	// classifier found.
	Direct bool

	// HelperPath overrides where the privileged helper binary lives.
	HelperPath string
}

// DefaultHelperPath is where packaging installs the privileged helper.
const DefaultHelperPath = "/usr/libexec/usb-creator-helper"

// Manager starts jobs and enforces one job per device.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Job

	// newSession is swapped out by tests.
	newSession func(ctx context.Context, helperPath string) (session, error)
}

func NewManager() *Manager {
	return &Manager{
		active: make(map[string]*Job),
		newSession: func(ctx context.Context, helperPath string) (session, error) {
			return helper.NewBroker(ctx, helperPath)
		},
	}
}

// Start classifies the image, picks the matching flow and launches it. The
// returned job is already running.
func (m *Manager) Start(ctx context.Context, opts Options) (*Job, error) {
	if opts.Device == "" {
		return nil, &Error{Kind: KindInternal, Err: fmt.Errorf("no target device given")}
	}
	if opts.DataFS == diskimage.FSNone {
		opts.DataFS = diskimage.FSNtfs
	}
	if opts.Cluster == 0 {
		opts.Cluster = diskimage.DefaultClusterSize
	}
	if opts.HelperPath == "" {
		opts.HelperPath = DefaultHelperPath
	}

	info, err := isoimage.Inspect(opts.Image)
	if err != nil {
		return nil, classify("inspecting image", err)
	}

	flow := info.Flow
	if opts.Direct {
		flow = isoimage.FlowLinux
	}

	m.mu.Lock()
	if _, busy := m.active[opts.Device]; busy {
		m.mu.Unlock()
		return nil, &Error{
			Kind: KindDeviceBusy,
			Err:  fmt.Errorf("a job is already running on %s", opts.Device),
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		Device: opts.Device,
		events: make(chan ProgressEvent, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	job.metrics.Started = time.Now()
	job.metrics.Bytes = info.TotalSize
	m.active[opts.Device] = job
	m.mu.Unlock()

	go m.runJob(jobCtx, job, opts, info, flow)

	return job, nil
}

func (m *Manager) runJob(ctx context.Context, job *Job, opts Options, info *isoimage.Info, flow isoimage.Flow) {
	defer func() {
		m.mu.Lock()
		delete(m.active, job.Device)
		m.mu.Unlock()
		job.cancel()
	}()

	sess, err := m.newSession(ctx, opts.HelperPath)
	if err != nil {
		job.finish(classify("starting helper", err))
		return
	}

	forwarded := make(chan struct{})
	go func() {
		job.forwardEvents(sess.Events())
		close(forwarded)
	}()

	env := &flowEnv{job: job, session: sess, opts: opts, info: info}

	var flowErr error
	switch flow {
	case isoimage.FlowWindows:
		flowErr = env.runWindows(ctx)
	case isoimage.FlowLinux:
		flowErr = env.runLinux(ctx)
	default:
		flowErr = &Error{Kind: KindInternal, Err: fmt.Errorf("no flow for %q", flow)}
	}

	if flowErr != nil {
		env.cleanup(flowErr)
	}

	// The forwarder must drain before the job's event channel closes.
	sess.Close()
	<-forwarded

	job.finish(flowErr)
}

// flowEnv carries the mutable state of one running flow.
type flowEnv struct {
	job     *Job
	session session
	opts    Options
	info    *isoimage.Info
	plan    *diskimage.PartitionPlan

	isoMount  string
	bootMount string
	dataMount string

	// sectorSize is the device's logical sector size as probed by the
	// helper; the frontend cannot open the device itself.
	sectorSize int

	// imageChecksum is the SHA-256 of the source image, hex encoded.
	imageChecksum string

	// partitioned flips once the device's old content is gone; from then
	// on failure cleanup wipes rather than leaving a half built stick.
	partitioned bool

	// keepOnFailure marks failures that leave the media still usable
	// without the failed nicety, unattend injection being the one case.
	keepOnFailure bool
}

// Bounded waits for helper operations. Bulk data movers get hours;
// anything else still running after the short deadline is wedged.
var (
	quickCallTimeout = 2 * time.Minute
	bulkCallTimeout  = 6 * time.Hour
	callRetryDelay   = 2 * time.Second
)

const callAttempts = 3

func callTimeout(op helper.Op) time.Duration {
	switch op {
	case helper.OpCopy, helper.OpWriteImage, helper.OpSplitImage, helper.OpInjectFile:
		return bulkCallTimeout
	}
	return quickCallTimeout
}

// call sends one helper request with a bounded wait. A stalled operation
// counts as the device being busy and is retried with backoff before
// failing permanently; helper errors and cancellation are final.
func (env *flowEnv) call(ctx context.Context, req *helper.Request) (*helper.Response, error) {
	timeout := callTimeout(req.Op)

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := env.session.Call(callCtx, req)
		cancel()

		if err == nil {
			if err := resp.Err(); err != nil {
				return nil, err
			}
			return resp, nil
		}

		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if attempt == callAttempts {
			return nil, &Error{
				Kind: KindDeviceBusy,
				Err:  fmt.Errorf("%s did not finish within %s", req.Op, timeout),
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * callRetryDelay):
		}
	}
}

// cleanup tears down after a failed flow: unmount everything, then wipe the
// half written device unless the failure was marked keepable or nothing was
// destroyed yet. The original context may already be cancelled, cleanup
// gets its own deadline.
func (env *flowEnv) cleanup(flowErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, mount := range []string{env.isoMount, env.bootMount, env.dataMount} {
		if mount != "" {
			env.call(ctx, &helper.Request{Op: helper.OpUnmount, Device: mount})
		}
	}

	if !env.partitioned || env.keepOnFailure {
		return
	}
	if KindOf(flowErr) == KindPrivilegeDenied {
		return
	}

	env.call(ctx, &helper.Request{Op: helper.OpWipe, Device: env.opts.Device})
}

// unmountAll is the success path counterpart of cleanup.
func (env *flowEnv) unmountAll(ctx context.Context) error {
	for _, mount := range []string{env.dataMount, env.bootMount, env.isoMount} {
		if mount == "" {
			continue
		}
		if _, err := env.call(ctx, &helper.Request{Op: helper.OpUnmount, Device: mount}); err != nil {
			return err
		}
	}
	env.isoMount, env.bootMount, env.dataMount = "", "", ""
	return nil
}

func (env *flowEnv) settle(ctx context.Context) error {
	_, err := env.call(ctx, &helper.Request{Op: helper.OpSettle})
	return err
}

const verifyAttempts = 3

var verifyRetryDelay = 500 * time.Millisecond

// verifyTable asks the helper to read the partition table back and
// compares it to the plan. The kernel can lag behind parted, so a missing
// table is retried with backoff; a confirmed mismatch is final.
func (env *flowEnv) verifyTable(ctx context.Context) error {
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		resp, err := env.call(ctx, &helper.Request{Op: helper.OpProbe, Device: env.opts.Device})
		if err != nil {
			return err
		}

		if resp.Table != nil {
			if err := env.plan.Matches(wireTable(resp.Table)); err != nil {
				return &Error{Kind: KindPartitionTableMismatch, Err: err}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * verifyRetryDelay):
		}
	}

	return &Error{
		Kind: KindDeviceBusy,
		Err:  fmt.Errorf("%s still shows no partition table after %d reads", env.opts.Device, verifyAttempts),
	}
}

// wireTable rebuilds the planner's table type from the probe response.
func wireTable(info *helper.TableInfo) *diskimage.GPTTable {
	table := &diskimage.GPTTable{}
	for i, part := range info.Partitions {
		table.Partitions = append(table.Partitions, diskimage.GPTPartition{
			Index: i + 1,
			Name:  part.Label,
			Start: part.Start,
			Size:  part.Size,
		})
	}
	return table
}

// preflightUnmount takes down anything auto-mounted from the target before
// destructive work starts. Failures are left for the destructive op itself
// to report, it produces the better error.
func (env *flowEnv) preflightUnmount(ctx context.Context) error {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], env.opts.Device) {
			continue
		}
		env.call(ctx, &helper.Request{Op: helper.OpUnmount, Device: fields[0]})
	}

	return nil
}

// partitionNode names partition n of a whole disk device.
func partitionNode(device string, n int) string {
	name := strings.TrimPrefix(device, "/dev/")
	if strings.ContainsAny(name[len(name)-1:], "0123456789") {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}
