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
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// pkexec reserves these exit codes for authorization failures.
const (
	pkexecDismissed    = 126
	pkexecUnauthorized = 127
)

// Broker runs one helper session and multiplexes requests over it. One
// privilege prompt per session, not one per operation.
type Broker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	events chan ProgressEvent
	resps  chan respResult
	quit   chan struct{}

	mu        sync.Mutex
	seq       uint64
	closed    bool
	abandoned bool
}

type respResult struct {
	resp *Response
	err  error
}

// NewBroker launches the helper binary, via pkexec unless already running
// as root.
func NewBroker(ctx context.Context, helperPath string) (*Broker, error) {
	var cmd *exec.Cmd
	if os.Geteuid() == 0 {
		cmd = exec.CommandContext(ctx, helperPath)
	} else {
		pkexec, err := exec.LookPath("pkexec")
		if err != nil {
			return nil, &RemoteError{
				Kind:    KindPrivilegeDenied,
				Message: "pkexec not found and not running as root",
			}
		}
		cmd = exec.CommandContext(ctx, pkexec, helperPath)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start helper: %s", err)
	}

	b := newBrokerPipes(stdin, stdout, stderr)
	b.cmd = cmd

	return b, nil
}

// newBrokerPipes wires a broker over raw pipes. Tests use this to talk to
// an in-process Executor.
func newBrokerPipes(stdin io.WriteCloser, stdout, stderr io.Reader) *Broker {
	b := &Broker{
		stdin:  stdin,
		events: make(chan ProgressEvent, 64),
		resps:  make(chan respResult),
		quit:   make(chan struct{}),
	}

	go b.pumpResponses(bufio.NewReader(stdout))
	go b.pumpProgress(stderr)

	return b
}

// pumpResponses is the session's only stdout reader. Routing responses
// through one goroutine lets a caller abandon a slow request without
// desynchronizing the stream.
func (b *Broker) pumpResponses(r *bufio.Reader) {
	for {
		resp, err := ReadResponse(r)
		select {
		case b.resps <- respResult{resp, err}:
		case <-b.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// Events delivers the helper's progress stream. The channel closes when
// the helper's stderr does.
func (b *Broker) Events() <-chan ProgressEvent {
	return b.events
}

func (b *Broker) pumpProgress(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case b.events <- ParseProgressLine(scanner.Text()):
		default:
			// A stalled consumer must not deadlock the helper.
		}
	}
	close(b.events)
}

// Call sends one request and waits for its response. Calls serialize; the
// helper processes one operation at a time by design.
func (b *Broker) Call(ctx context.Context, req *Request) (*Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("helper session already closed")
	}

	b.seq++
	req.Seq = b.seq

	if err := WriteRequest(b.stdin, req); err != nil {
		return nil, b.sessionError(err)
	}

	for {
		select {
		case <-ctx.Done():
			// The in-flight operation cannot be recalled. Its eventual
			// response is skipped by the next call; the session stays
			// usable for retries and cleanup.
			b.abandoned = true
			return nil, ctx.Err()
		case r := <-b.resps:
			if r.err != nil {
				return nil, b.sessionError(r.err)
			}
			if r.resp.Seq < req.Seq {
				// Late answer to an abandoned request.
				continue
			}
			if r.resp.Seq != req.Seq {
				return nil, fmt.Errorf("response out of sequence: sent %d, got %d", req.Seq, r.resp.Seq)
			}
			return r.resp, nil
		}
	}
}

// sessionError upgrades a broken pipe to a privilege error when pkexec
// refused to run the helper at all.
func (b *Broker) sessionError(err error) error {
	b.teardown()

	if b.cmd == nil {
		return err
	}

	werr := b.cmd.Wait()
	var exitErr *exec.ExitError
	if ok := asExitError(werr, &exitErr); ok {
		switch exitErr.ExitCode() {
		case pkexecDismissed:
			return &RemoteError{Kind: KindPrivilegeDenied, Message: "authorization dismissed"}
		case pkexecUnauthorized:
			return &RemoteError{Kind: KindPrivilegeDenied, Message: "not authorized to run the helper"}
		}
	}

	return err
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func (b *Broker) teardown() {
	if b.closed {
		return
	}
	b.closed = true
	close(b.quit)
	b.stdin.Close()
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
}

// Close ends the session. The helper exits on EOF.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.quit)

	b.stdin.Close()
	if b.abandoned && b.cmd != nil && b.cmd.Process != nil {
		// A wedged operation never sees the EOF; don't wait behind it.
		b.cmd.Process.Kill()
	}
	if b.cmd != nil {
		return b.cmd.Wait()
	}
	return nil
}
