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

// Package sender implements the host side of the firmware update protocol.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/transparency-dev/armored-sfu/api"
	"k8s.io/klog/v2"
)

var (
	// ErrAborted matches any AbortError.
	ErrAborted = errors.New("device aborted transfer")
	// ErrTooManyRetries is returned when a frame was retransmitted more
	// times than allowed.
	ErrTooManyRetries = errors.New("too many retransmissions")
	// ErrUnexpectedResponse is returned for responses which do not fit
	// the transfer state.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// AbortError reports a transfer aborted by the device.
type AbortError struct {
	Code byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAborted, api.StatusName(e.Code))
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Sender transfers images to a device over a byte stream.
type Sender struct {
	rw  io.ReadWriter
	cfg *config
}

// New returns a Sender using rw.
func New(rw io.ReadWriter, opts ...Option) *Sender {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return &Sender{rw: rw, cfg: cfg}
}

// Chunks splits an image into frame payloads, the first of which carries at
// least the whole header.
func Chunks(img []byte, size int) ([][]byte, error) {
	if size < api.HeaderSize || size > api.MaxPayload {
		return nil, fmt.Errorf("chunk size %d outside [%d, %d]", size, api.HeaderSize, api.MaxPayload)
	}
	if len(img) < api.HeaderSize {
		return nil, fmt.Errorf("image too short (%d bytes)", len(img))
	}

	var c [][]byte
	for len(img) > 0 {
		n := min(size, len(img))
		c = append(c, img[:n])
		img = img[n:]
	}
	if len(c) >= 0xffff {
		return nil, fmt.Errorf("image needs %d chunks", len(c))
	}
	return c, nil
}

// Send transfers img, returning once the device acknowledged the end of
// transmission.
//
// Frames are retransmitted on NACK. When the device does not answer within
// the response timeout the current frame is resent after an exponential
// backoff. Cancelling ctx aborts the transfer on the device.
func (s *Sender) Send(ctx context.Context, img []byte) error {
	chunks, err := Chunks(img, s.cfg.chunkSize)
	if err != nil {
		return err
	}
	n := uint16(len(chunks))

	bo := backoff.WithContext(backoff.WithMaxRetries(s.cfg.backoff(), uint64(s.cfg.maxRetries)), ctx)
	retries := 0
	sent := 0

	for seq := uint16(0); ; {
		if err := ctx.Err(); err != nil {
			s.cancel(seq)
			return err
		}

		f := &api.Frame{Type: api.TypeEOT, Seq: seq}
		if seq < n {
			f = &api.Frame{Type: api.TypeData, Seq: seq, Payload: chunks[seq]}
		}
		if _, err := s.rw.Write(f.Bytes()); err != nil {
			return fmt.Errorf("could not send frame %d: %w", seq, err)
		}

		res, err := s.response()
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			d := bo.NextBackOff()
			if d == backoff.Stop {
				s.cancel(seq)
				return fmt.Errorf("%w: no response to frame %d", ErrTooManyRetries, seq)
			}
			klog.V(1).Infof("No response to frame %d, resending in %v", seq, d)
			select {
			case <-ctx.Done():
				s.cancel(seq)
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		case err != nil:
			return fmt.Errorf("could not read response to frame %d: %w", seq, err)
		}

		switch res.Type {
		case api.TypeACK:
			if res.Seq > seq+1 {
				return fmt.Errorf("%w: ACK %d for frame %d", ErrUnexpectedResponse, res.Seq, seq)
			}
			if res.Seq == seq+1 {
				if seq < n {
					sent += len(chunks[seq])
					if s.cfg.progress != nil {
						s.cfg.progress(sent, len(img))
					}
				}
				retries = 0
				bo.Reset()
				if seq == n {
					klog.V(1).Infof("Transfer of %d bytes complete", len(img))
					return nil
				}
			} else {
				// The device expects an earlier frame than the one
				// it acknowledged.
				sent = 0
				for i := uint16(0); i < res.Seq; i++ {
					sent += len(chunks[i])
				}
			}
			seq = res.Seq
		case api.TypeNACK:
			if res.Seq > n {
				return fmt.Errorf("%w: NACK %d beyond EOT %d", ErrUnexpectedResponse, res.Seq, n)
			}
			if retries++; retries > s.cfg.maxRetries {
				s.cancel(seq)
				return fmt.Errorf("%w: frame %d", ErrTooManyRetries, res.Seq)
			}
			klog.V(1).Infof("Device requested frame %d again", res.Seq)
			seq = res.Seq
		case api.TypeAbort:
			return &AbortError{Code: res.Status}
		default:
			return fmt.Errorf("%w: type %#02x", ErrUnexpectedResponse, res.Type)
		}
	}
}

// Status queries the device status.
func (s *Sender) Status(ctx context.Context) (*api.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := &api.Frame{Type: api.TypeStatus}
	if _, err := s.rw.Write(f.Bytes()); err != nil {
		return nil, fmt.Errorf("could not send status query: %w", err)
	}

	res, err := s.response()
	if err != nil {
		return nil, fmt.Errorf("could not read status: %w", err)
	}
	switch res.Type {
	case api.TypeStatus:
		return api.ParseStatus(res.Payload)
	case api.TypeAbort:
		return nil, &AbortError{Code: res.Status}
	default:
		return nil, fmt.Errorf("%w: type %#02x", ErrUnexpectedResponse, res.Type)
	}
}

// Cancel asks the device to abort the transfer in progress and waits for
// its acknowledgement.
func (s *Sender) Cancel() error {
	f := &api.Frame{Type: api.TypeAbort, Payload: []byte{api.StatusCancelled}}
	if _, err := s.rw.Write(f.Bytes()); err != nil {
		return err
	}

	res, err := s.response()
	if err != nil {
		return err
	}
	if res.Type != api.TypeAbort {
		return fmt.Errorf("%w: type %#02x to cancel", ErrUnexpectedResponse, res.Type)
	}
	return nil
}

func (s *Sender) cancel(seq uint16) {
	if err := s.Cancel(); err != nil {
		klog.Warningf("Could not cancel transfer at frame %d: %v", seq, err)
	}
}

func (s *Sender) response() (*api.Response, error) {
	if d, ok := s.rw.(readDeadliner); ok {
		var t time.Time
		if s.cfg.responseTimeout > 0 {
			t = time.Now().Add(s.cfg.responseTimeout)
		}
		if err := d.SetReadDeadline(t); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return nil, err
		}
	}
	return api.ReadResponse(s.rw)
}
