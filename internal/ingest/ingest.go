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

// Package ingest implements the device side of the chunked image transfer.
//
// The first DATA chunk carries the image metadata header, which selects
// the download slot and bounds the transfer before anything is erased or
// written. Subsequent chunks are streamed to flash in write granule units,
// and the transfer completes on an EOT frame once the declared number of
// bytes has been received.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/metrics"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"k8s.io/klog/v2"
)

// Session fatal errors.
var (
	ErrUnknownSlot      = errors.New("no download slot for image")
	ErrImageTooLarge    = errors.New("image too large")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrRetriesExceeded  = errors.New("retries exceeded")
	ErrCancelled        = errors.New("transfer cancelled")
	ErrProtocol         = errors.New("protocol error")
	ErrFlash            = errors.New("flash error")
	ErrTransportFailure = errors.New("transport failure")
	// ErrBusy is returned when the admission check refuses the transfer.
	ErrBusy = errors.New("device busy")
	// ErrCommit is returned when the commit hook fails on a complete image.
	ErrCommit = errors.New("could not commit image")

	errUnexpectedFrame = errors.New("unexpected frame type")
	errOutOfOrder      = errors.New("out of order chunk")
)

// State is the state of a transfer session.
type State int

const (
	AwaitingHeader State = iota
	ReceivingBody
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "AwaitingHeader"
	case ReceivingBody:
		return "ReceivingBody"
	case Complete:
		return "Complete"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Error reports a session abort, State is the state the session was in
// when the abort happened.
type Error struct {
	State State
	Seq   uint16
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer aborted in %v at chunk %d: %v", e.State, e.Seq, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRecoverable returns true for transport errors which are handled by
// re-requesting the chunk: CRC and framing errors, and timeouts.
func IsRecoverable(err error) bool {
	return errors.Is(err, api.ErrCRC) || errors.Is(err, api.ErrFraming) || errors.Is(err, os.ErrDeadlineExceeded)
}

// StatusCode maps a session error to the status code reported to the host.
func StatusCode(err error) byte {
	switch {
	case err == nil:
		return api.StatusOK
	case errors.Is(err, ErrUnknownSlot):
		return api.StatusUnknownSlot
	case errors.Is(err, ErrImageTooLarge):
		return api.StatusImageTooLarge
	case errors.Is(err, ErrSizeMismatch):
		return api.StatusSizeMismatch
	case errors.Is(err, ErrRetriesExceeded):
		return api.StatusRetriesExceeded
	case errors.Is(err, ErrFlash):
		return api.StatusFlashError
	case errors.Is(err, ErrCancelled):
		return api.StatusCancelled
	case errors.Is(err, ErrBusy):
		return api.StatusBusy
	case errors.Is(err, ErrCommit):
		return api.StatusInstallFailed
	default:
		return api.StatusProtocolError
	}
}

// abortReason labels an aborted session. A host hanging up before sending
// any image chunk, as after a status query, is not a failed transfer.
func abortReason(state State, received uint32, err error) string {
	if state == AwaitingHeader && received == 0 && errors.Is(err, ErrTransportFailure) {
		return "disconnected"
	}

	switch StatusCode(err) {
	case api.StatusUnknownSlot:
		return "unknown_slot"
	case api.StatusImageTooLarge:
		return "image_too_large"
	case api.StatusSizeMismatch:
		return "size_mismatch"
	case api.StatusRetriesExceeded:
		return "retries_exceeded"
	case api.StatusFlashError:
		return "flash_error"
	case api.StatusCancelled:
		return "cancelled"
	case api.StatusBusy:
		return "busy"
	case api.StatusInstallFailed:
		return "commit_failed"
	default:
		return "protocol_error"
	}
}

// Transport is the device side of the serial link.
type Transport interface {
	// ReceiveChunk returns the next frame from the host, waiting at most
	// timeout. CRC failures return the frame along with api.ErrCRC,
	// malformed frames api.ErrFraming and timeouts os.ErrDeadlineExceeded.
	ReceiveChunk(timeout time.Duration) (*api.Frame, error)
	// SendACK acknowledges all chunks preceding next.
	SendACK(next uint16) error
	// SendNACK requests retransmission of seq.
	SendNACK(seq uint16) error
	// SendAbort notifies the host that the session was aborted.
	SendAbort(code byte) error
	// SendStatus answers a status query.
	SendStatus(s *api.Status) error
}

// Result describes a completed transfer.
type Result struct {
	// Slot is the download slot holding the received image.
	Slot slots.Slot
	// Metadata is the received, not yet authenticated, header.
	Metadata *api.Metadata
	// Received is the number of header and firmware bytes received.
	Received uint32
}

// Ingestor receives images into download slots.
type Ingestor struct {
	dev   flash.Device
	table *slots.Table
	cfg   *config
}

// New returns an Ingestor writing to the download slots of table on dev.
func New(dev flash.Device, table *slots.Table, opts ...Option) *Ingestor {
	metrics.Init()

	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	return &Ingestor{
		dev:   dev,
		table: table,
		cfg:   cfg,
	}
}

// session holds the state of a single transfer.
type session struct {
	*Ingestor

	t     Transport
	state State
	// expected is the next expected sequence number.
	expected uint16
	retries  int

	slot  *slots.Slot
	meta  *api.Metadata
	total uint32
	// received counts payload bytes accepted so far.
	received uint32
	// addr is the next flash address to program.
	addr uint32
	// carry holds received bytes not yet filling a whole write granule.
	carry []byte
}

// Receive runs a transfer session over t until it completes or aborts.
//
// On abort the download slot, if one was selected, is erased and the host
// is notified with an ABORT response.
func (i *Ingestor) Receive(ctx context.Context, t Transport) (*Result, error) {
	s := &session{
		Ingestor: i,
		t:        t,
		state:    AwaitingHeader,
	}

	res, err := s.run(ctx)
	if err != nil {
		return nil, s.abort(err)
	}

	metrics.SessionsDone.Inc()
	klog.Infof("SFU transfer complete: %v, %d bytes in %v", res.Metadata, res.Received, res.Slot)

	return res, nil
}

func (s *session) run(ctx context.Context) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		f, err := s.t.ReceiveChunk(s.cfg.chunkTimeout)
		if err != nil {
			if !IsRecoverable(err) {
				return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}
			if err := s.retry(err, false); err != nil {
				return nil, err
			}
			continue
		}

		switch f.Type {
		case api.TypeStatus:
			if s.cfg.status == nil {
				klog.Warningf("SFU status query without status provider")
				continue
			}
			if err := s.t.SendStatus(s.cfg.status()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}

		case api.TypeAbort:
			code := byte(api.StatusCancelled)
			if len(f.Payload) > 0 {
				code = f.Payload[0]
			}
			return nil, fmt.Errorf("%w by host: %s", ErrCancelled, api.StatusName(code))

		case api.TypeData:
			if f.Seq != s.expected {
				if err := s.retry(fmt.Errorf("%w: got %d, want %d", errOutOfOrder, f.Seq, s.expected), true); err != nil {
					return nil, err
				}
				continue
			}
			if err := s.chunk(f.Payload); err != nil {
				return nil, err
			}
			s.retries = 0
			s.expected++
			if err := s.t.SendACK(s.expected); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}

		case api.TypeEOT:
			if f.Seq != s.expected {
				if err := s.retry(fmt.Errorf("%w: EOT %d, want %d", errOutOfOrder, f.Seq, s.expected), true); err != nil {
					return nil, err
				}
				continue
			}
			if err := s.finish(); err != nil {
				return nil, err
			}
			res := &Result{Slot: *s.slot, Metadata: s.meta, Received: s.received}
			if s.cfg.commit != nil {
				if err := s.cfg.commit(res); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrCommit, err)
				}
			}
			if err := s.t.SendACK(s.expected + 1); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}
			return res, nil

		default:
			if err := s.retry(fmt.Errorf("%w %#02x", errUnexpectedFrame, f.Type), false); err != nil {
				return nil, err
			}
		}
	}
}

// retry re-requests the expected chunk: out of order chunks are answered by
// repeating the last acknowledgement, anything else with a NACK.
func (s *session) retry(cause error, outOfOrder bool) error {
	s.retries++

	reason := "out_of_order"
	switch {
	case errors.Is(cause, api.ErrCRC):
		reason = "crc"
	case errors.Is(cause, os.ErrDeadlineExceeded):
		reason = "timeout"
	case !outOfOrder:
		reason = "framing"
	}
	metrics.ChunkRetries.Inc(reason)

	if s.retries > s.cfg.maxRetries {
		return fmt.Errorf("%w: chunk %d: %v", ErrRetriesExceeded, s.expected, cause)
	}

	klog.Warningf("SFU chunk %d retry %d/%d: %v", s.expected, s.retries, s.cfg.maxRetries, cause)

	var err error
	if outOfOrder {
		err = s.t.SendACK(s.expected)
	} else {
		err = s.t.SendNACK(s.expected)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

func (s *session) chunk(p []byte) error {
	if s.state == AwaitingHeader {
		if err := s.header(p); err != nil {
			return err
		}
	}

	if uint64(s.received)+uint64(len(p)) > uint64(s.total) {
		return fmt.Errorf("%w: chunk %d overflows declared size %d", ErrImageTooLarge, s.expected, s.total)
	}

	if err := s.write(p); err != nil {
		return err
	}

	s.received += uint32(len(p))
	metrics.ChunksReceived.Inc()
	klog.V(2).Infof("SFU chunk %d: %d bytes (%d/%d)", s.expected, len(p), s.received, s.total)

	if s.cfg.progress != nil {
		s.cfg.progress(s.received, s.total)
	}

	return nil
}

// header validates the first chunk, selects the download slot and erases it.
func (s *session) header(p []byte) error {
	if s.cfg.admit != nil {
		if err := s.cfg.admit(); err != nil {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
	}

	m, err := api.ParseMetadata(p)
	if err != nil {
		return fmt.Errorf("%w: first chunk must carry the image header: %v", ErrProtocol, err)
	}

	slot, err := s.table.Find(slots.Download, m.Magic)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrUnknownSlot, api.MagicString(m.Magic), err)
	}

	total := uint64(api.HeaderSize) + uint64(m.FirmwareSize)
	if total > uint64(slot.Capacity()) {
		return fmt.Errorf("%w: %d bytes, %v holds %d", ErrImageTooLarge, total, slot, slot.Capacity())
	}

	klog.Infof("SFU receiving %v into %v", m, slot)

	s.slot = &slot
	s.meta = m
	s.total = uint32(total)
	s.addr = slot.Header().Base

	if err := s.dev.Erase(slot.Region); err != nil {
		return fmt.Errorf("%w: erase %v: %w", ErrFlash, slot, err)
	}

	s.state = ReceivingBody

	return nil
}

// write programs all whole write granules of carry || p.
func (s *session) write(p []byte) error {
	ws := int(s.dev.Geometry().WriteSize)

	buf := append(s.carry, p...)
	n := len(buf) - len(buf)%ws

	if n > 0 {
		if err := s.program(buf[:n]); err != nil {
			return err
		}
	}

	s.carry = append([]byte(nil), buf[n:]...)

	return nil
}

func (s *session) program(b []byte) error {
	if !s.slot.Region.Contains(s.addr, len(b)) {
		return fmt.Errorf("%w: write of %d bytes @ %#08x exceeds %v", ErrImageTooLarge, len(b), s.addr, s.slot)
	}
	if err := s.dev.Write(s.addr, b); err != nil {
		return fmt.Errorf("%w: %w", ErrFlash, err)
	}
	s.addr += uint32(len(b))
	return nil
}

// finish flushes the trailing partial granule and checks the received size.
func (s *session) finish() error {
	if s.state != ReceivingBody {
		return fmt.Errorf("%w: EOT before image header", ErrSizeMismatch)
	}
	if s.received != s.total {
		return fmt.Errorf("%w: received %d bytes, header declares %d", ErrSizeMismatch, s.received, s.total)
	}

	if len(s.carry) > 0 {
		b := flash.Pad(s.carry, int(s.dev.Geometry().WriteSize), s.dev.Geometry().EraseValue)
		if err := s.program(b); err != nil {
			return err
		}
		s.carry = nil
	}

	s.state = Complete

	return nil
}

// abort erases the partial download, notifies the host and returns the
// session error.
func (s *session) abort(cause error) error {
	err := &Error{State: s.state, Seq: s.expected, Err: cause}
	s.state = Aborted

	reason := abortReason(err.State, s.received, cause)
	metrics.SessionsAborted.Inc(reason)
	if reason == "disconnected" {
		klog.Infof("SFU host closed session: %v", cause)
	} else {
		klog.Errorf("SFU %v", err)
	}

	if s.slot != nil {
		klog.Infof("SFU erasing partial download in %v", s.slot)
		if eErr := s.dev.Erase(s.slot.Region); eErr != nil {
			klog.Errorf("SFU failed to erase %v: %v", s.slot, eErr)
		}
	}

	if !errors.Is(cause, ErrTransportFailure) {
		if tErr := s.t.SendAbort(StatusCode(cause)); tErr != nil {
			klog.Warningf("SFU failed to send abort: %v", tErr)
		}
	}

	return err
}
