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
	"sync"
	"time"

	"github.com/vicrodh/usb-bootable-creator/helper"
)

// ProgressEvent is what jobs stream to their consumers, the same shape the
// helper emits.
type ProgressEvent = helper.ProgressEvent

// StepMetric records how long one flow step took.
type StepMetric struct {
	Name     string
	Duration time.Duration
}

// Metrics summarizes a finished job.
type Metrics struct {
	Started  time.Time
	Finished time.Time
	Bytes    int64
	Steps    []StepMetric
}

func (m Metrics) Total() time.Duration {
	return m.Finished.Sub(m.Started)
}

// Throughput is the average rate in bytes per second over the whole job.
func (m Metrics) Throughput() float64 {
	total := m.Total().Seconds()
	if total <= 0 {
		return 0
	}
	return float64(m.Bytes) / total
}

// session is the slice of the helper broker the flows need. Tests
// substitute scripted fakes.
type session interface {
	Call(ctx context.Context, req *helper.Request) (*helper.Response, error)
	Events() <-chan helper.ProgressEvent
	Close() error
}

// Job is one in-flight media creation. A job runs to completion or first
// error; Cancel asks it to stop between steps.
type Job struct {
	Device string

	events chan ProgressEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	metrics Metrics
}

// Events streams progress. The channel closes when the job ends.
func (j *Job) Events() <-chan ProgressEvent {
	return j.events
}

// Wait blocks until the job ends and returns its outcome.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel requests a stop. The in-flight helper operation finishes first,
// partial state is cleaned up by the flow's failure path.
func (j *Job) Cancel() {
	j.cancel()
}

// Metrics is valid once Wait returned.
func (j *Job) Metrics() Metrics {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metrics
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.metrics.Finished = time.Now()
	j.mu.Unlock()
	close(j.events)
	close(j.done)
}

func (j *Job) emit(ev ProgressEvent) {
	select {
	case j.events <- ev:
	default:
		// A slow consumer drops events rather than stalling the flow.
	}
}

func (j *Job) step(n, total int, format string, args ...interface{}) {
	j.emit(ProgressEvent{
		Kind:    helper.ProgressStep,
		Step:    n,
		Total:   total,
		Message: fmt.Sprintf(format, args...),
	})
}

// forwardEvents relays the helper's progress stream into the job until the
// helper closes it.
func (j *Job) forwardEvents(events <-chan helper.ProgressEvent) {
	for ev := range events {
		j.emit(ev)
	}
}

// step is one named unit of a flow. Flows check the context between steps,
// never inside them.
type flowStep struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps executes the steps in order, recording per-step timing on the
// job and stopping at the first failure.
func (j *Job) runSteps(ctx context.Context, steps []flowStep) error {
	total := len(steps)

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return classify(st.name, err)
		}

		j.step(i+1, total, "%s", st.name)

		begin := time.Now()
		err := st.run(ctx)
		j.mu.Lock()
		j.metrics.Steps = append(j.metrics.Steps, StepMetric{Name: st.name, Duration: time.Since(begin)})
		j.mu.Unlock()

		if err != nil {
			return classify(st.name, err)
		}
	}

	return nil
}
