// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testonly

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/transparency-dev/armored-sfu/api"
)

// FakeHost is a scripted host driving the device side of a transfer
// synchronously: each ReceiveChunk call returns the frame the host would
// send next, given the acknowledgements received so far.
type FakeHost struct {
	// Chunks are the DATA payloads, sent with sequence numbers 0..n-1 and
	// followed by an EOT frame with sequence number n.
	Chunks [][]byte

	// Corrupt holds, per sequence number, how many transmissions are
	// delivered with a CRC error.
	Corrupt map[uint16]int
	// Stall holds, per sequence number, how many transmissions time out.
	Stall map[uint16]int
	// Skip holds sequence numbers which are skipped once: the following
	// chunk is sent in their place.
	Skip map[uint16]bool
	// CancelAt aborts the transfer instead of sending this sequence number.
	CancelAt map[uint16]bool
	// QueryStatus requests the device status before the first chunk.
	QueryStatus bool
	// NoEOT makes the host disconnect instead of sending EOT.
	NoEOT bool

	// Sent counts transmissions per sequence number, including EOT.
	Sent map[uint16]int
	// ACKs and NACKs record the sequence numbers acknowledged by the device.
	ACKs  []uint16
	NACKs []uint16
	// Aborts records device abort status codes.
	Aborts []byte
	// Statuses records status responses.
	Statuses []*api.Status

	next uint16
}

// NewFakeHost returns a host which sends chunks.
func NewFakeHost(chunks [][]byte) *FakeHost {
	return &FakeHost{
		Chunks:   chunks,
		Corrupt:  map[uint16]int{},
		Stall:    map[uint16]int{},
		Skip:     map[uint16]bool{},
		CancelAt: map[uint16]bool{},
		Sent:     map[uint16]int{},
	}
}

// Retransmits returns the number of times seq was sent more than once.
func (h *FakeHost) Retransmits(seq uint16) int {
	if n := h.Sent[seq]; n > 1 {
		return n - 1
	}
	return 0
}

// ReceiveChunk returns the next frame sent by the host.
func (h *FakeHost) ReceiveChunk(_ time.Duration) (*api.Frame, error) {
	if h.QueryStatus {
		h.QueryStatus = false
		return &api.Frame{Type: api.TypeStatus}, nil
	}

	seq := h.next
	if h.CancelAt[seq] {
		return &api.Frame{Type: api.TypeAbort, Seq: seq, Payload: []byte{api.StatusCancelled}}, nil
	}
	if h.Skip[seq] && int(seq)+1 < len(h.Chunks) {
		delete(h.Skip, seq)
		seq++
	}

	if int(seq) > len(h.Chunks) {
		return nil, fmt.Errorf("host has nothing to send after EOT: %w", io.EOF)
	}
	if int(seq) == len(h.Chunks) && h.NoEOT {
		return nil, io.EOF
	}

	h.Sent[seq]++

	if h.Stall[seq] > 0 {
		h.Stall[seq]--
		return nil, os.ErrDeadlineExceeded
	}

	f := &api.Frame{Type: api.TypeEOT, Seq: seq}
	if int(seq) < len(h.Chunks) {
		f = &api.Frame{Type: api.TypeData, Seq: seq, Payload: h.Chunks[seq]}
	}

	if h.Corrupt[seq] > 0 {
		h.Corrupt[seq]--
		return f, fmt.Errorf("%w: frame %d", api.ErrCRC, seq)
	}

	return f, nil
}

// SendACK records an acknowledgement and moves the host to next.
func (h *FakeHost) SendACK(next uint16) error {
	h.ACKs = append(h.ACKs, next)
	h.next = next
	return nil
}

// SendNACK records a retransmission request for seq.
func (h *FakeHost) SendNACK(seq uint16) error {
	h.NACKs = append(h.NACKs, seq)
	h.next = seq
	return nil
}

// SendAbort records a device abort.
func (h *FakeHost) SendAbort(code byte) error {
	h.Aborts = append(h.Aborts, code)
	return nil
}

// SendStatus records a status response.
func (h *FakeHost) SendStatus(s *api.Status) error {
	h.Statuses = append(h.Statuses, s)
	return nil
}
