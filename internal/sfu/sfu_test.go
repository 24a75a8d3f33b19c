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

package sfu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/boot"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/ingest"
	"github.com/transparency-dev/armored-sfu/internal/install"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"github.com/transparency-dev/armored-sfu/internal/testonly"
	"github.com/transparency-dev/armored-sfu/rpmb"
)

var recordsKey = bytes.Repeat([]byte{0x11}, 32)

type resetter struct{ n int }

func (r *resetter) Reset() error {
	r.n++
	return nil
}

type cpu struct {
	branched bool
	sp, pc   uint32
}

func (c *cpu) WipeRAM() error { return nil }

func (c *cpu) Branch(sp, pc uint32) error {
	c.branched, c.sp, c.pc = true, sp, pc
	return nil
}

type indicator struct{ faults []error }

func (i *indicator) Fault(err error) { i.faults = append(i.faults, err) }

// rig is a device whose components are recreated on every reset, only the
// flash contents persist.
type rig struct {
	dev    *flash.MemDevice
	table  *slots.Table
	signer crypto.Signer
	reset  *resetter
	cpu    *cpu
	ind    *indicator
}

func newRig(t *testing.T, signer crypto.Signer, active []byte) *rig {
	t.Helper()
	r := &rig{
		dev:    testonly.NewDevice(t),
		table:  testonly.NewTable(t, true),
		signer: signer,
		reset:  &resetter{},
		ind:    &indicator{},
	}
	if active != nil {
		testonly.WriteImage(t, r.dev, r.activeSlot(), active)
	}
	return r
}

func (r *rig) activeSlot() slots.Slot {
	return testonly.Slots(true)[0]
}

// power returns a freshly started bootloader.
func (r *rig) power(t *testing.T) *Bootloader {
	t.Helper()
	card, err := rpmb.NewFlashCard(r.dev, testonly.RecordsRegion())
	require.NoError(t, err)
	records, err := install.OpenRecords(card, recordsKey)
	require.NoError(t, err)

	a := auth.New(r.dev, crypto.Software{}, r.signer.Scheme())
	r.cpu = &cpu{}
	b, err := New(Config{
		Flash:     r.dev,
		Table:     r.table,
		Auth:      a,
		Install:   install.New(r.dev, r.table, a, records, r.reset),
		Jumper:    boot.New(r.dev, r.cpu),
		Indicator: r.ind,
		Info:      Info{Version: "0.0.1"},
		Ingest:    []ingest.Option{ingest.WithMaxRetries(3)},
	})
	require.NoError(t, err)
	return b
}

type update struct {
	signer   crypto.Signer
	v1, v2   []byte
	fw1, fw2 []byte
}

// newUpdate returns a running image and a 4096 byte update image.
func newUpdate(t *testing.T) *update {
	s := testonly.NewSigner(t)
	u := &update{
		signer: s,
		fw1:    testonly.Firmware(2000, 1),
		fw2:    testonly.Firmware(4096-api.HeaderSize, 2),
	}
	u.v1 = testonly.SignedImage(t, s, "1.0.0", u.fw1)
	u.v2 = testonly.SignedImage(t, s, "1.1.0", u.fw2)
	require.Len(t, u.v2, 4096)
	return u
}

func assertBooted(t *testing.T, r *rig, fw []byte) {
	t.Helper()
	require.True(t, r.cpu.branched, "jump not reached")
	assert.Equal(t, binary.LittleEndian.Uint32(fw[0:]), r.cpu.sp)
	assert.Equal(t, binary.LittleEndian.Uint32(fw[4:]), r.cpu.pc)
}

func TestUpdate(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)

	host := testonly.NewFakeHost(testonly.Chunks(u.v2, 1024))
	require.Len(t, host.Chunks, 4)
	require.NoError(t, r.power(t).Download(context.Background(), host))
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, host.ACKs)
	assert.Equal(t, 1, r.reset.n)

	require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
	assertBooted(t, r, u.fw2)
	assert.Empty(t, r.ind.faults)

	v, err := auth.New(r.dev, crypto.Software{}, u.signer.Scheme()).Authenticate(r.activeSlot())
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(u.fw2), v.Metadata.FirmwareTag)

	// Subsequent boots run the installed image.
	require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
	assertBooted(t, r, u.fw2)
}

func TestUpdateWithRetransmit(t *testing.T) {
	u := newUpdate(t)

	clean := newRig(t, u.signer, u.v1)
	require.NoError(t, clean.power(t).Download(context.Background(), testonly.NewFakeHost(testonly.Chunks(u.v2, 1024))))
	require.ErrorIs(t, clean.power(t).Boot(), boot.ErrHandoffReturned)

	r := newRig(t, u.signer, u.v1)
	host := testonly.NewFakeHost(testonly.Chunks(u.v2, 1024))
	host.Corrupt[2] = 1
	require.NoError(t, r.power(t).Download(context.Background(), host))
	assert.Equal(t, 1, host.Retransmits(2))
	assert.Equal(t, []uint16{2}, host.NACKs)

	require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
	assertBooted(t, r, u.fw2)
	for _, s := range r.table.Slots() {
		assert.Equal(t, clean.dev.Snapshot(s.Region), r.dev.Snapshot(s.Region), "%v differs from uncorrupted transfer", s)
	}
}

func TestUpdateWithBadSignature(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)
	before := r.dev.Snapshot(r.activeSlot().Region)

	img := append([]byte(nil), u.v2...)
	img[api.MetaSigOffset+3] ^= 0x01
	require.NoError(t, r.power(t).Download(context.Background(), testonly.NewFakeHost(testonly.Chunks(img, 1024))))

	b := r.power(t)
	require.True(t, b.Status().PendingInstall)
	require.ErrorIs(t, b.Boot(), boot.ErrHandoffReturned)

	// The previous image is still installed and boots.
	assert.Equal(t, before, r.dev.Snapshot(r.activeSlot().Region))
	assertBooted(t, r, u.fw1)
	assert.False(t, r.power(t).Status().PendingInstall)
}

func TestFailedDownload(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)

	chunks := testonly.Chunks(u.v2, 1024)
	host := testonly.NewFakeHost(chunks[:3])
	require.ErrorIs(t, r.power(t).Download(context.Background(), host), ingest.ErrSizeMismatch)
	assert.Equal(t, []byte{api.StatusSizeMismatch}, host.Aborts)
	assert.Zero(t, r.reset.n)

	require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
	assertBooted(t, r, u.fw1)
}

// TestDownloadWhileInstallPending checks that download sessions leave the
// flash alone until a pending or interrupted install has completed.
func TestDownloadWhileInstallPending(t *testing.T) {
	u := newUpdate(t)
	other := testonly.SignedImage(t, u.signer, "1.2.0", testonly.Firmware(900, 3))

	for _, test := range []struct {
		name string
		// interrupt is the number of flash operations the first boot
		// completes before losing power, zero skips that boot.
		interrupt int
	}{
		{name: "pending"},
		{name: "interrupted swap", interrupt: 12},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := newRig(t, u.signer, u.v1)
			require.NoError(t, r.power(t).Download(context.Background(), testonly.NewFakeHost(testonly.Chunks(u.v2, 1024))))

			if test.interrupt > 0 {
				n := 0
				r.dev.OnWrite = func(string, uint32, int) error {
					if n++; n > test.interrupt {
						return errors.New("power loss")
					}
					return nil
				}
				require.Error(t, r.power(t).Boot())
				r.dev.OnWrite = nil
			}
			before := r.dev.Snapshot(testonly.Geometry.Region())

			host := testonly.NewFakeHost(testonly.Chunks(other, 1024))
			require.ErrorIs(t, r.power(t).Download(context.Background(), host), ingest.ErrBusy)
			assert.Equal(t, []byte{api.StatusBusy}, host.Aborts)
			assert.Equal(t, before, r.dev.Snapshot(testonly.Geometry.Region()), "flash modified while install pending")
			assert.Equal(t, 1, r.reset.n)

			// Status queries are still answered.
			host = testonly.NewFakeHost(nil)
			host.QueryStatus = true
			host.NoEOT = true
			require.ErrorIs(t, r.power(t).Download(context.Background(), host), ingest.ErrTransportFailure)
			require.Len(t, host.Statuses, 1)
			assert.True(t, host.Statuses[0].PendingInstall)

			require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
			assertBooted(t, r, u.fw2)

			// Once installed, downloads are accepted again.
			require.NoError(t, r.power(t).Download(context.Background(), testonly.NewFakeHost(testonly.Chunks(other, 1024))))
		})
	}
}

func TestInstallRequestFailure(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)
	b := r.power(t)

	records := testonly.RecordsRegion()
	r.dev.OnWrite = func(_ string, addr uint32, _ int) error {
		if records.Contains(addr, 1) {
			return errors.New("record storage failure")
		}
		return nil
	}
	host := testonly.NewFakeHost(testonly.Chunks(u.v2, 1024))
	require.ErrorIs(t, b.Download(context.Background(), host), ingest.ErrCommit)
	r.dev.OnWrite = nil

	// The host is told before the transfer is acknowledged.
	assert.Equal(t, []uint16{1, 2, 3, 4}, host.ACKs)
	assert.Equal(t, []byte{api.StatusInstallFailed}, host.Aborts)
	assert.Zero(t, r.reset.n)

	require.ErrorIs(t, r.power(t).Boot(), boot.ErrHandoffReturned)
	assertBooted(t, r, u.fw1)
}

func TestNoBootableImage(t *testing.T) {
	u := newUpdate(t)
	for _, test := range []struct {
		name    string
		corrupt func(r *rig)
		wantErr error
	}{
		{
			name:    "erased",
			corrupt: func(r *rig) { require.NoError(t, r.dev.Erase(r.activeSlot().Region)) },
			wantErr: auth.ErrMagicMismatch,
		}, {
			name:    "firmware",
			corrupt: func(r *rig) { r.dev.Corrupt(r.activeSlot().Header().End()+100, 0x10) },
			wantErr: auth.ErrFirmwareHashMismatch,
		}, {
			name:    "double ECC fault",
			corrupt: func(r *rig) { r.dev.InjectECCFault(r.activeSlot().Header().End() + 8) },
			wantErr: flash.ErrDoubleECC,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := newRig(t, u.signer, u.v1)
			test.corrupt(r)

			err := r.power(t).Boot()
			require.ErrorIs(t, err, ErrNoBootableImage)
			require.ErrorIs(t, err, test.wantErr)
			assert.False(t, r.cpu.branched, "unverified code executed")
			require.Len(t, r.ind.faults, 1)
			assert.ErrorIs(t, r.ind.faults[0], ErrNoBootableImage)
		})
	}
}

func TestStatus(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)
	b := r.power(t)

	s := b.Status()
	assert.Equal(t, "0.0.1", s.Version)
	assert.Equal(t, crypto.SchemeECDSASHA256, s.AuthScheme)
	assert.False(t, s.PendingInstall)
	require.Len(t, s.Slots, 3)
	assert.Equal(t, &api.SlotStatus{ID: 0, Name: "active", Role: "active", Magic: testonly.Magic, Valid: true, Version: "1.0.0", Size: 2000}, s.Slots[0])
	assert.False(t, s.Slots[1].Valid)
	assert.Equal(t, "swap", s.Slots[2].Role)

	// The status survives the wire encoding used for host queries.
	got, err := api.ParseStatus(s.Bytes())
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestNewUnknownBootImage(t *testing.T) {
	u := newUpdate(t)
	r := newRig(t, u.signer, u.v1)
	_, err := New(Config{Table: r.table, BootMagic: 0x12345678})
	require.ErrorIs(t, err, slots.ErrUnknownSlot)
}
