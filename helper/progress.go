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
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Progress rides the helper's stderr as text lines, one event per line,
// so responses on stdout stay strictly framed:
//
//	[STEP] 3/9: formatting BOOT
//	[PCT] 42.5
//	anything else is a log line
type ProgressKind int

const (
	ProgressLog ProgressKind = iota
	ProgressStep
	ProgressPercent
)

type ProgressEvent struct {
	Kind    ProgressKind
	Step    int
	Total   int
	Message string
	Percent float64
}

const (
	stepPrefix = "[STEP] "
	pctPrefix  = "[PCT] "
)

// ParseProgressLine decodes one stderr line. Unparseable lines degrade to
// log events rather than erroring, the stream must survive stray tool
// output.
func ParseProgressLine(line string) ProgressEvent {
	line = strings.TrimRight(line, "\r\n")

	if rest, ok := strings.CutPrefix(line, stepPrefix); ok {
		counter, msg, ok := strings.Cut(rest, ": ")
		if ok {
			stepStr, totalStr, ok := strings.Cut(counter, "/")
			if ok {
				step, err1 := strconv.Atoi(stepStr)
				total, err2 := strconv.Atoi(totalStr)
				if err1 == nil && err2 == nil {
					return ProgressEvent{Kind: ProgressStep, Step: step, Total: total, Message: msg}
				}
			}
		}
	}

	if rest, ok := strings.CutPrefix(line, pctPrefix); ok {
		if pct, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
			return ProgressEvent{Kind: ProgressPercent, Percent: pct}
		}
	}

	return ProgressEvent{Kind: ProgressLog, Message: line}
}

// progressWriter emits events on the helper side.
type progressWriter struct {
	w io.Writer
}

func (p *progressWriter) Step(step, total int, format string, args ...interface{}) {
	fmt.Fprintf(p.w, "%s%d/%d: %s\n", stepPrefix, step, total, fmt.Sprintf(format, args...))
}

func (p *progressWriter) Percent(pct float64) {
	fmt.Fprintf(p.w, "%s%.1f\n", pctPrefix, pct)
}

func (p *progressWriter) Logf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
