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

package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame markers.
const (
	StartOfFrame = 0x01
	EndOfFrame   = 0x17

	// MaxPayload is the largest payload carried by a single frame.
	MaxPayload = 4096

	// frameHeaderSize covers SOP, type, sequence and length.
	frameHeaderSize = 6
	// frameTrailerSize covers the CRC and EOP.
	frameTrailerSize = 3
)

// Host to device frame types.
const (
	TypeData   = 0x01
	TypeEOT    = 0x04
	TypeStatus = 0x05
	TypeAbort  = 0x18
)

// Device to host response types, TypeStatus and TypeAbort are shared with
// the request direction.
const (
	TypeACK  = 0x06
	TypeNACK = 0x15
)

// Abort status codes, reported by the device in ABORT responses and by the
// host in ABORT frames (as the first payload byte).
const (
	StatusOK              = 0x00
	StatusUnknownSlot     = 0x01
	StatusImageTooLarge   = 0x02
	StatusSizeMismatch    = 0x03
	StatusRetriesExceeded = 0x04
	StatusFlashError      = 0x05
	StatusProtocolError   = 0x06
	StatusCancelled       = 0x07
	StatusInstallFailed   = 0x08
	StatusBusy            = 0x09
)

var statusNames = map[byte]string{
	StatusOK:              "OK",
	StatusUnknownSlot:     "unknown slot",
	StatusImageTooLarge:   "image too large",
	StatusSizeMismatch:    "size mismatch",
	StatusRetriesExceeded: "retries exceeded",
	StatusFlashError:      "flash error",
	StatusProtocolError:   "protocol error",
	StatusCancelled:       "cancelled",
	StatusInstallFailed:   "install failed",
	StatusBusy:            "busy, install pending",
}

// StatusName returns a human readable name for an abort status code.
func StatusName(code byte) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown status %#02x", code)
}

var (
	// ErrFraming is returned when a frame is malformed: bad markers or an
	// oversized length field.
	ErrFraming = errors.New("framing error")
	// ErrCRC is returned when the frame payload CRC does not match.
	ErrCRC = errors.New("CRC mismatch")
)

// Frame is a host to device protocol unit.
type Frame struct {
	Type    byte
	Seq     uint16
	Payload []byte
}

// Bytes encodes the frame:
//
//	SOP | type | seq:u16le | len:u16le | payload | crc16:u16le | EOP
func (f *Frame) Bytes() []byte {
	b := make([]byte, 0, frameHeaderSize+len(f.Payload)+frameTrailerSize)
	b = append(b, StartOfFrame, f.Type)
	b = binary.LittleEndian.AppendUint16(b, f.Seq)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(f.Payload)))
	b = append(b, f.Payload...)
	b = binary.LittleEndian.AppendUint16(b, CRC16(f.Payload))
	return append(b, EndOfFrame)
}

// ReadFrame reads a single frame from r.
//
// Bytes preceding a start of frame marker are discarded. A frame whose
// payload fails the CRC check is returned along with ErrCRC so that the
// caller can identify it.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [frameHeaderSize]byte

	for {
		if _, err := io.ReadFull(r, hdr[:1]); err != nil {
			return nil, err
		}
		if hdr[0] == StartOfFrame {
			break
		}
	}

	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, err
	}

	f := &Frame{
		Type: hdr[1],
		Seq:  binary.LittleEndian.Uint16(hdr[2:4]),
	}

	n := int(binary.LittleEndian.Uint16(hdr[4:6]))
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrFraming, n, MaxPayload)
	}

	buf := make([]byte, n+frameTrailerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if buf[n+2] != EndOfFrame {
		return nil, fmt.Errorf("%w: invalid end of frame %#02x", ErrFraming, buf[n+2])
	}

	f.Payload = buf[:n:n]

	if crc := binary.LittleEndian.Uint16(buf[n : n+2]); crc != CRC16(f.Payload) {
		return f, fmt.Errorf("%w: frame %d", ErrCRC, f.Seq)
	}

	return f, nil
}

// Response is a device to host acknowledgement.
//
// For TypeACK Seq is the next expected sequence number, for TypeNACK the
// sequence number to be retransmitted, for TypeAbort Status holds the abort
// reason. TypeStatus responses carry an encoded Status message in Payload.
type Response struct {
	Type    byte
	Seq     uint16
	Status  byte
	Payload []byte
}

// Bytes encodes the response:
//
//	type | seq:u16le | status        (ACK, NACK, ABORT)
//	type | len:u16le | payload       (STATUS)
func (r *Response) Bytes() []byte {
	if r.Type == TypeStatus {
		b := []byte{r.Type}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(r.Payload)))
		return append(b, r.Payload...)
	}

	b := []byte{r.Type}
	b = binary.LittleEndian.AppendUint16(b, r.Seq)
	return append(b, r.Status)
}

// ReadResponse reads a single response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [4]byte

	if _, err := io.ReadFull(r, hdr[:3]); err != nil {
		return nil, err
	}

	res := &Response{Type: hdr[0]}

	switch res.Type {
	case TypeStatus:
		res.Payload = make([]byte, binary.LittleEndian.Uint16(hdr[1:3]))
		if _, err := io.ReadFull(r, res.Payload); err != nil {
			return nil, err
		}
	case TypeACK, TypeNACK, TypeAbort:
		if _, err := io.ReadFull(r, hdr[3:]); err != nil {
			return nil, err
		}
		res.Seq = binary.LittleEndian.Uint16(hdr[1:3])
		res.Status = hdr[3]
	default:
		return nil, fmt.Errorf("%w: invalid response type %#02x", ErrFraming, res.Type)
	}

	return res, nil
}
