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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frames are a 4 byte big endian length followed by a JSON document. The
// length guards against a desynchronized peer flooding the reader.
const maxFrame = 1 << 20

// Request is one operation sent to the helper on its stdin.
type Request struct {
	Seq uint64 `json:"seq"`
	Op  Op     `json:"op"`

	// Device is the block device (or partition) the op targets.
	Device string `json:"device,omitempty"`

	// Partitioning and formatting. Partition counts from 1.
	Partition int    `json:"partition,omitempty"`
	Table     string `json:"table,omitempty"`
	Label     string `json:"label,omitempty"`
	FS        string `json:"fs,omitempty"`
	Start     int64  `json:"start,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Cluster   int64  `json:"cluster,omitempty"`

	// File movement. Source and Dest are absolute host paths, Excludes
	// are rsync-style patterns relative to Source.
	Source   string   `json:"source,omitempty"`
	Dest     string   `json:"dest,omitempty"`
	Excludes []string `json:"excludes,omitempty"`

	// Image injection and splitting.
	ImageIndex int   `json:"image_index,omitempty"`
	ChunkSize  int64 `json:"chunk_size,omitempty"`

	// Expected SHA-256 for write verification, hex encoded.
	Checksum string `json:"checksum,omitempty"`

	// Mount options.
	Options []string `json:"options,omitempty"`
}

// Response answers exactly one Request, matched by Seq.
type Response struct {
	Seq uint64 `json:"seq"`
	OK  bool   `json:"ok"`

	// Kind carries the wire error kind when OK is false.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`

	// Op specific results.
	Mountpoint string `json:"mountpoint,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Written    int64  `json:"written,omitempty"`
	Device     string `json:"device,omitempty"`

	// Probe results. The frontend has no read access to block devices,
	// everything it knows about one comes from here.
	Size       int64      `json:"size,omitempty"`
	SectorSize int        `json:"sector_size,omitempty"`
	Table      *TableInfo `json:"table,omitempty"`
}

// TableInfo is the partition table a probe found on the device. A nil
// Table in the response means none was readable.
type TableInfo struct {
	Partitions []PartitionInfo `json:"partitions"`
}

// PartitionInfo is one in-use partition entry.
type PartitionInfo struct {
	Label string `json:"label"`
	Start int64  `json:"start"`
	Size  int64  `json:"size"`
}

// Err converts a failed response into an error carrying the wire kind.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return &RemoteError{Kind: r.Kind, Message: r.Error}
}

// RemoteError is a helper-side failure surfaced to the caller.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(payload), maxFrame)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", n, maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	return json.Unmarshal(payload, v)
}

// WriteRequest frames a request onto w.
func WriteRequest(w io.Writer, req *Request) error {
	return writeFrame(w, req)
}

// ReadRequest reads one framed request. io.EOF means a clean shutdown.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := readFrame(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteResponse frames a response onto w.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeFrame(w, resp)
}

// ReadResponse reads one framed response.
func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := readFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
