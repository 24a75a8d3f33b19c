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

package ingest

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/transparency-dev/armored-sfu/api"
)

// SerialTransport implements Transport over a byte stream.
//
// Chunk timeouts are enforced when the stream supports read deadlines, as
// net.Conn and pollable os.File values do, and silently skipped otherwise.
type SerialTransport struct {
	rw io.ReadWriter
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

var _ Transport = &SerialTransport{}

// NewSerialTransport returns a transport using rw.
func NewSerialTransport(rw io.ReadWriter) *SerialTransport {
	return &SerialTransport{rw: rw}
}

func (s *SerialTransport) ReceiveChunk(timeout time.Duration) (*api.Frame, error) {
	if d, ok := s.rw.(readDeadliner); ok {
		var t time.Time
		if timeout > 0 {
			t = time.Now().Add(timeout)
		}
		if err := d.SetReadDeadline(t); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return nil, err
		}
	}
	return api.ReadFrame(s.rw)
}

func (s *SerialTransport) SendACK(next uint16) error {
	return s.send(&api.Response{Type: api.TypeACK, Seq: next})
}

func (s *SerialTransport) SendNACK(seq uint16) error {
	return s.send(&api.Response{Type: api.TypeNACK, Seq: seq})
}

func (s *SerialTransport) SendAbort(code byte) error {
	return s.send(&api.Response{Type: api.TypeAbort, Status: code})
}

func (s *SerialTransport) SendStatus(st *api.Status) error {
	return s.send(&api.Response{Type: api.TypeStatus, Payload: st.Bytes()})
}

func (s *SerialTransport) send(r *api.Response) error {
	_, err := s.rw.Write(r.Bytes())
	return err
}
