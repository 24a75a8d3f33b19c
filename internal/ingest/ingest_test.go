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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"github.com/transparency-dev/armored-sfu/internal/testonly"
)

type fixture struct {
	dev      *flash.MemDevice
	table    *slots.Table
	download slots.Slot
	signer   crypto.Signer
	writes   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dev:    testonly.NewDevice(t),
		table:  testonly.NewTable(t, true),
		signer: testonly.NewSigner(t),
	}
	f.download = testonly.Slots(true)[1]
	f.dev.OnWrite = func(op string, addr uint32, n int) error {
		f.writes++
		return nil
	}
	return f
}

// image returns a signed image of exactly n bytes, header included.
func (f *fixture) image(t *testing.T, n int) []byte {
	t.Helper()
	return testonly.SignedImage(t, f.signer, "1.0.0", testonly.Firmware(n-api.HeaderSize, 7))
}

func (f *fixture) slotImage(n int) []byte {
	return f.dev.Snapshot(flash.Region{Base: f.download.Header().Base, Len: uint32(n)})
}

func (f *fixture) assertErased(t *testing.T) {
	t.Helper()
	assert.Equal(t, bytes.Repeat([]byte{0xff}, int(f.download.Region.Len)), f.dev.Snapshot(f.download.Region), "download slot not erased")
}

func TestReceiveFourChunks(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, 4096)
	host := testonly.NewFakeHost(testonly.Chunks(img, 1024))
	require.Len(t, host.Chunks, 4)

	var progress []uint32
	res, err := New(f.dev, f.table, WithProgress(func(r, _ uint32) { progress = append(progress, r) })).Receive(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, f.download.ID, res.Slot.ID)
	assert.Equal(t, uint32(4096), res.Received)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, host.ACKs)
	assert.Empty(t, host.NACKs)
	assert.Empty(t, host.Aborts)
	assert.Equal(t, []uint32{1024, 2048, 3072, 4096}, progress)
	assert.Equal(t, img, f.slotImage(len(img)))

	_, err = auth.New(f.dev, crypto.Software{}, f.signer.Scheme()).Authenticate(res.Slot)
	require.NoError(t, err)
}

func TestReceiveCRCRetransmit(t *testing.T) {
	clean := newFixture(t)
	img := clean.image(t, 4096)
	_, err := New(clean.dev, clean.table).Receive(context.Background(), testonly.NewFakeHost(testonly.Chunks(img, 1024)))
	require.NoError(t, err)

	f := newFixture(t)
	host := testonly.NewFakeHost(testonly.Chunks(img, 1024))
	// Third chunk fails its CRC check on first transmission.
	host.Corrupt[2] = 1

	_, err = New(f.dev, f.table).Receive(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, 1, host.Retransmits(2))
	assert.Equal(t, []uint16{2}, host.NACKs)
	for _, seq := range []uint16{0, 1, 3, 4} {
		assert.Zero(t, host.Retransmits(seq), "chunk %d retransmitted", seq)
	}
	assert.Equal(t, clean.dev.Snapshot(testonly.Geometry.Region()), f.dev.Snapshot(testonly.Geometry.Region()))
}

func TestReceiveRecoverable(t *testing.T) {
	for _, test := range []struct {
		name      string
		script    func(h *testonly.FakeHost)
		wantNACKs []uint16
		wantACKs  []uint16
	}{
		{
			name:      "timeout",
			script:    func(h *testonly.FakeHost) { h.Stall[0] = 1 },
			wantNACKs: []uint16{0},
			wantACKs:  []uint16{1, 2, 3},
		}, {
			name:     "out of order",
			script:   func(h *testonly.FakeHost) { h.Skip[0] = true },
			wantACKs: []uint16{0, 1, 2, 3},
		}, {
			name:      "retries up to the bound",
			script:    func(h *testonly.FakeHost) { h.Corrupt[1] = 3 },
			wantNACKs: []uint16{1, 1, 1},
			wantACKs:  []uint16{1, 2, 3},
		}, {
			name:      "EOT corrupted",
			script:    func(h *testonly.FakeHost) { h.Corrupt[2] = 1 },
			wantNACKs: []uint16{2},
			wantACKs:  []uint16{1, 2, 3},
		}, {
			name: "status query",
			script: func(h *testonly.FakeHost) {
				h.QueryStatus = true
			},
			wantACKs: []uint16{1, 2, 3},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			img := f.image(t, 3000)
			host := testonly.NewFakeHost(testonly.Chunks(img, 1500))
			test.script(host)

			status := &api.Status{Version: "test"}
			_, err := New(f.dev, f.table, WithStatusProvider(func() *api.Status { return status })).Receive(context.Background(), host)
			require.NoError(t, err)

			assert.Equal(t, test.wantNACKs, host.NACKs)
			assert.Equal(t, test.wantACKs, host.ACKs)
			assert.Equal(t, img, f.slotImage(len(img)))
			if test.name == "status query" {
				assert.Equal(t, []*api.Status{status}, host.Statuses)
			}
		})
	}
}

func TestReceiveFatal(t *testing.T) {
	for _, test := range []struct {
		name string
		// build returns the chunks sent by the host.
		build      func(t *testing.T, f *fixture) [][]byte
		script     func(h *testonly.FakeHost)
		wantErr    error
		wantCode   byte
		wantState  State
		wantWrites bool
	}{
		{
			name: "retries exceeded",
			build: func(t *testing.T, f *fixture) [][]byte {
				return testonly.Chunks(f.image(t, 4096), 1024)
			},
			script:     func(h *testonly.FakeHost) { h.Corrupt[1] = 4 },
			wantErr:    ErrRetriesExceeded,
			wantCode:   api.StatusRetriesExceeded,
			wantState:  ReceivingBody,
			wantWrites: true,
		}, {
			name: "timeouts and CRC errors",
			build: func(t *testing.T, f *fixture) [][]byte {
				return testonly.Chunks(f.image(t, 4096), 1024)
			},
			script: func(h *testonly.FakeHost) {
				h.Stall[0] = 2
				h.Corrupt[0] = 2
			},
			wantErr:   ErrRetriesExceeded,
			wantCode:  api.StatusRetriesExceeded,
			wantState: AwaitingHeader,
		}, {
			name: "unknown slot",
			build: func(t *testing.T, f *fixture) [][]byte {
				img := f.image(t, 1024)
				img[0] ^= 0xff
				return testonly.Chunks(img, 512)
			},
			wantErr:   ErrUnknownSlot,
			wantCode:  api.StatusUnknownSlot,
			wantState: AwaitingHeader,
		}, {
			name: "one byte over capacity",
			build: func(t *testing.T, f *fixture) [][]byte {
				return testonly.Chunks(f.image(t, testonly.Capacity+1), api.MaxPayload)
			},
			wantErr:   ErrImageTooLarge,
			wantCode:  api.StatusImageTooLarge,
			wantState: AwaitingHeader,
		}, {
			name: "short header chunk",
			build: func(t *testing.T, f *fixture) [][]byte {
				return testonly.Chunks(f.image(t, 1024), api.HeaderSize-1)
			},
			wantErr:   ErrProtocol,
			wantCode:  api.StatusProtocolError,
			wantState: AwaitingHeader,
		}, {
			name: "missing chunk",
			build: func(t *testing.T, f *fixture) [][]byte {
				c := testonly.Chunks(f.image(t, 4096), 1024)
				return c[:3]
			},
			wantErr:    ErrSizeMismatch,
			wantCode:   api.StatusSizeMismatch,
			wantState:  ReceivingBody,
			wantWrites: true,
		}, {
			name: "trailing data",
			build: func(t *testing.T, f *fixture) [][]byte {
				c := testonly.Chunks(f.image(t, 4096), 1024)
				return append(c, []byte{0})
			},
			wantErr:    ErrImageTooLarge,
			wantCode:   api.StatusImageTooLarge,
			wantState:  ReceivingBody,
			wantWrites: true,
		}, {
			name: "EOT without header",
			build: func(t *testing.T, f *fixture) [][]byte {
				return nil
			},
			wantErr:   ErrSizeMismatch,
			wantCode:  api.StatusSizeMismatch,
			wantState: AwaitingHeader,
		}, {
			name: "host cancel",
			build: func(t *testing.T, f *fixture) [][]byte {
				return testonly.Chunks(f.image(t, 4096), 1024)
			},
			script:     func(h *testonly.FakeHost) { h.CancelAt[2] = true },
			wantErr:    ErrCancelled,
			wantCode:   api.StatusCancelled,
			wantState:  ReceivingBody,
			wantWrites: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			chunks := test.build(t, f)
			if chunks == nil {
				chunks = [][]byte{}
			}
			host := testonly.NewFakeHost(chunks)
			if test.script != nil {
				test.script(host)
			}

			_, err := New(f.dev, f.table).Receive(context.Background(), host)
			require.ErrorIs(t, err, test.wantErr)

			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, test.wantState, ie.State)
			assert.Equal(t, []byte{test.wantCode}, host.Aborts)

			if test.wantWrites {
				assert.NotZero(t, f.writes)
			} else {
				assert.Zero(t, f.writes, "flash modified")
			}
			f.assertErased(t)
		})
	}
}

func TestReceiveExactCapacity(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, testonly.Capacity)
	host := testonly.NewFakeHost(testonly.Chunks(img, api.MaxPayload))

	res, err := New(f.dev, f.table).Receive(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, uint32(testonly.Capacity), res.Received)
	assert.Equal(t, img, f.slotImage(len(img)))
}

func TestReceiveUnalignedChunks(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, 2501)
	// Chunk sizes deliberately not multiples of the write granule.
	host := testonly.NewFakeHost([][]byte{img[:333], img[333:1000], img[1000:1001], img[1001:]})

	_, err := New(f.dev, f.table).Receive(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, img, f.slotImage(len(img)))

	// Trailing partial granule is padded with the erase value.
	pad := f.dev.Snapshot(flash.Region{Base: f.download.Header().Base + uint32(len(img)), Len: 3})
	assert.Equal(t, []byte{0xff, 0xff, 0xff}, pad)
}

func TestReceiveFlashFailure(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, 4096)
	host := testonly.NewFakeHost(testonly.Chunks(img, 1024))

	fail := errors.New("program failure")
	f.dev.OnWrite = func(op string, addr uint32, n int) error {
		if op == "write" && addr >= f.download.Header().Base+2048 {
			return fail
		}
		return nil
	}

	_, err := New(f.dev, f.table).Receive(context.Background(), host)
	require.ErrorIs(t, err, ErrFlash)
	require.ErrorIs(t, err, fail)
	assert.Equal(t, []byte{api.StatusFlashError}, host.Aborts)
	f.assertErased(t)
}

func TestReceiveDisconnect(t *testing.T) {
	f := newFixture(t)
	host := testonly.NewFakeHost(testonly.Chunks(f.image(t, 4096), 1024))
	host.NoEOT = true

	_, err := New(f.dev, f.table).Receive(context.Background(), host)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Empty(t, host.Aborts, "abort sent over a failed transport")
	f.assertErased(t)
}

func TestReceiveContextCancelled(t *testing.T) {
	f := newFixture(t)
	host := testonly.NewFakeHost(testonly.Chunks(f.image(t, 4096), 1024))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(f.dev, f.table).Receive(ctx, host)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []byte{api.StatusCancelled}, host.Aborts)
}

// TestCorruptionEvadingCRC checks that corrupted bytes which pass the
// transport checks are caught by authentication.
func TestCorruptionEvadingCRC(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, 4096)
	chunks := testonly.Chunks(append([]byte(nil), img...), 1024)
	chunks[3][100] ^= 0x10

	res, err := New(f.dev, f.table).Receive(context.Background(), testonly.NewFakeHost(chunks))
	require.NoError(t, err)

	_, err = auth.New(f.dev, crypto.Software{}, f.signer.Scheme()).Authenticate(res.Slot)
	require.ErrorIs(t, err, auth.ErrFirmwareHashMismatch)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, byte(api.StatusOK), StatusCode(nil))
	assert.Equal(t, byte(api.StatusImageTooLarge), StatusCode(&Error{Err: ErrImageTooLarge}))
	assert.Equal(t, byte(api.StatusBusy), StatusCode(&Error{Err: ErrBusy}))
	assert.Equal(t, byte(api.StatusInstallFailed), StatusCode(&Error{Err: ErrCommit}))
	assert.Equal(t, byte(api.StatusProtocolError), StatusCode(errors.New("other")))
	assert.True(t, IsRecoverable(api.ErrCRC))
	assert.False(t, IsRecoverable(ErrSizeMismatch))
}

func TestReceiveNotAdmitted(t *testing.T) {
	f := newFixture(t)
	previous := f.image(t, 3000)
	testonly.WriteImage(t, f.dev, f.download, previous)
	before := f.dev.Snapshot(testonly.Geometry.Region())
	writes := f.writes

	busy := errors.New("install pending")
	host := testonly.NewFakeHost(testonly.Chunks(f.image(t, 4096), 1024))
	_, err := New(f.dev, f.table, WithAdmission(func() error { return busy })).Receive(context.Background(), host)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, busy)

	assert.Equal(t, []byte{api.StatusBusy}, host.Aborts)
	assert.Empty(t, host.ACKs)
	assert.Equal(t, writes, f.writes, "flash modified by refused transfer")
	assert.Equal(t, before, f.dev.Snapshot(testonly.Geometry.Region()))
}

func TestReceiveCommit(t *testing.T) {
	f := newFixture(t)
	img := f.image(t, 4096)

	host := testonly.NewFakeHost(testonly.Chunks(img, 1024))
	var acked int
	res, err := New(f.dev, f.table, WithCommit(func(r *Result) error {
		acked = len(host.ACKs)
		assert.Equal(t, f.download.ID, r.Slot.ID)
		assert.Equal(t, img, f.slotImage(len(img)), "commit before image is written")
		return nil
	})).Receive(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, f.download.ID, res.Slot.ID)
	assert.Equal(t, 4, acked, "commit after EOT was acknowledged")
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, host.ACKs)
}

func TestReceiveCommitFailure(t *testing.T) {
	f := newFixture(t)
	host := testonly.NewFakeHost(testonly.Chunks(f.image(t, 4096), 1024))

	fail := errors.New("record write failed")
	_, err := New(f.dev, f.table, WithCommit(func(*Result) error { return fail })).Receive(context.Background(), host)
	require.ErrorIs(t, err, ErrCommit)
	require.ErrorIs(t, err, fail)

	// The host never sees the EOT acknowledged.
	assert.Equal(t, []uint16{1, 2, 3, 4}, host.ACKs)
	assert.Equal(t, []byte{api.StatusInstallFailed}, host.Aborts)
	f.assertErased(t)
}

func TestAbortReason(t *testing.T) {
	hangup := fmt.Errorf("%w: EOF", ErrTransportFailure)
	for _, test := range []struct {
		name     string
		state    State
		received uint32
		err      error
		want     string
	}{
		{name: "status only session", state: AwaitingHeader, err: hangup, want: "disconnected"},
		{name: "hangup mid transfer", state: ReceivingBody, received: 1024, err: hangup, want: "protocol_error"},
		{name: "busy", state: AwaitingHeader, err: ErrBusy, want: "busy"},
		{name: "commit", state: Complete, received: 4096, err: ErrCommit, want: "commit_failed"},
		{name: "size", state: ReceivingBody, received: 10, err: ErrSizeMismatch, want: "size_mismatch"},
	} {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, abortReason(test.state, test.received, test.err))
		})
	}
}
