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

// Package testonly provides support for update pipeline tests.
package testonly

import (
	"encoding/binary"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/image"
	"github.com/transparency-dev/armored-sfu/internal/slots"
)

// Magic is the image tag ("SFU1") used by the test layout.
const Magic = 0x31554653

// Test layout, in 2KiB sectors:
//
//	[0, 8)   active, header at +0x200
//	[8, 16)  download, header at +0x200
//	16       swap
//	[24, 32) records
const (
	SectorSize   = 2048
	WriteSize    = 8
	HeaderOffset = 0x200
	SlotSectors  = 8

	// Capacity is the number of header and firmware bytes a slot holds.
	Capacity = SlotSectors*SectorSize - HeaderOffset
	// MaxFirmware is the largest firmware body fitting in a slot.
	MaxFirmware = Capacity - api.HeaderSize
)

// Geometry is the flash geometry of the test layout.
var Geometry = flash.Geometry{
	Base:       0x0800_0000,
	Size:       32 * SectorSize,
	SectorSize: SectorSize,
	WriteSize:  WriteSize,
	EraseValue: 0xff,
}

func sectors(first, n uint32) flash.Region {
	return flash.Region{Base: Geometry.Base + first*SectorSize, Len: n * SectorSize}
}

// Slots returns the slot descriptions of the test layout, with or without a
// swap slot. IDs match those assigned by slots.NewTable.
func Slots(withSwap bool) []slots.Slot {
	s := []slots.Slot{
		{ID: 0, Name: "active", Role: slots.Active, Magic: Magic, Region: sectors(0, SlotSectors), HeaderOffset: HeaderOffset},
		{ID: 1, Name: "download", Role: slots.Download, Magic: Magic, Region: sectors(8, SlotSectors), HeaderOffset: HeaderOffset},
	}
	if withSwap {
		s = append(s, slots.Slot{ID: 2, Name: "swap", Role: slots.Swap, Region: sectors(16, 1)})
	}
	return s
}

// RecordsRegion returns the flash region reserved for persisted records.
func RecordsRegion() flash.Region {
	return sectors(24, 8)
}

// NewDevice returns an erased in-memory device with the test geometry.
func NewDevice(t *testing.T) *flash.MemDevice {
	t.Helper()
	dev, err := flash.NewMemDevice(Geometry)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	return dev
}

// NewTable returns the slot table of the test layout.
func NewTable(t *testing.T, withSwap bool) *slots.Table {
	t.Helper()
	tbl, err := slots.NewTable(Geometry, Slots(withSwap))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

// NewSigner returns an ECDSA signer with a fresh key.
func NewSigner(t *testing.T) *crypto.ECDSASigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := crypto.NewECDSASigner(key)
	if err != nil {
		t.Fatalf("NewECDSASigner: %v", err)
	}
	return s
}

// Firmware returns a deterministic firmware body of n bytes, n >= 8. The
// body starts with an initial stack pointer and reset vector, and the
// remaining bytes are derived from seed.
func Firmware(n int, seed byte) []byte {
	fw := make([]byte, n)
	binary.LittleEndian.PutUint32(fw[0:], 0x2002_0000)
	binary.LittleEndian.PutUint32(fw[4:], 0x0800_0201+HeaderOffset+api.HeaderSize+uint32(seed))
	for i := 8; i < n; i++ {
		fw[i] = byte(i*31) ^ seed
	}
	return fw
}

// SignedImage returns header || fw signed by s for the test magic.
func SignedImage(t *testing.T, s crypto.Signer, version string, fw []byte) []byte {
	t.Helper()
	img, err := image.Build(s, Magic, *semver.New(version), fw)
	if err != nil {
		t.Fatalf("image.Build: %v", err)
	}
	return img
}

// WriteImage erases slot and programs img at its header offset.
func WriteImage(t *testing.T, dev flash.Device, slot slots.Slot, img []byte) {
	t.Helper()
	if err := dev.Erase(slot.Region); err != nil {
		t.Fatalf("Erase(%v): %v", slot, err)
	}
	b := flash.Pad(append([]byte(nil), img...), WriteSize, Geometry.EraseValue)
	if err := dev.Write(slot.Header().Base, b); err != nil {
		t.Fatalf("Write(%v): %v", slot, err)
	}
}

// Chunks splits b into chunks of at most n bytes.
func Chunks(b []byte, n int) [][]byte {
	var r [][]byte
	for len(b) > n {
		r = append(r, b[:n])
		b = b[n:]
	}
	return append(r, b)
}
