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

// Package flash describes the flash storage capability used by the secure
// firmware update pipeline.
//
// Callers never touch raw addresses directly: every access is expressed in
// terms of a Region, and devices reject anything falling outside of their
// geometry or violating its erase/program granularity.
package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleECC is returned when a read hits an uncorrectable (double bit)
	// ECC error. Callers verifying data must treat it as a mismatch.
	ErrDoubleECC = errors.New("double ECC fault")
	// ErrOutOfRange is returned for accesses outside of the device.
	ErrOutOfRange = errors.New("address out of range")
	// ErrAlignment is returned when an erase or program operation is not
	// aligned to the device granularity.
	ErrAlignment = errors.New("unaligned access")
	// ErrNotErased is returned when programming cells which have not been
	// erased since they were last written.
	ErrNotErased = errors.New("programming non-erased cells")
)

// Error records a failed flash operation.
type Error struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("flash %s @ %#08x: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reader reads bytes from flash.
type Reader interface {
	// Read returns n bytes starting at addr.
	// An uncorrectable ECC error is reported as ErrDoubleECC.
	Read(addr uint32, n int) ([]byte, error)
}

// Device is a flash device which can be read, erased and programmed.
type Device interface {
	Reader

	// Erase erases all sectors covered by r, which must be sector aligned.
	Erase(r Region) error

	// Write programs b at addr. Both addr and len(b) must be aligned to the
	// device write granularity, and the target cells must be erased.
	Write(addr uint32, b []byte) error

	// Geometry returns the device layout.
	Geometry() Geometry
}

// Geometry describes the physical layout of a flash device.
type Geometry struct {
	// Base is the address of the first byte of the device.
	Base uint32
	// Size is the device size in bytes.
	Size uint32
	// SectorSize is the erase granularity in bytes.
	SectorSize uint32
	// WriteSize is the minimum programmable unit in bytes.
	WriteSize uint32
	// EraseValue is the value read back from erased cells.
	EraseValue byte
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	switch {
	case g.Size == 0:
		return errors.New("invalid geometry: zero size")
	case uint64(g.Base)+uint64(g.Size) > 1<<32:
		return fmt.Errorf("invalid geometry: device [%#x, +%#x) overflows the address space", g.Base, g.Size)
	case g.SectorSize == 0 || g.Size%g.SectorSize != 0:
		return fmt.Errorf("invalid geometry: size %d is not a multiple of sector size %d", g.Size, g.SectorSize)
	case g.Base%g.SectorSize != 0:
		return fmt.Errorf("invalid geometry: base %#x is not sector aligned", g.Base)
	case g.WriteSize == 0 || g.SectorSize%g.WriteSize != 0:
		return fmt.Errorf("invalid geometry: sector size %d is not a multiple of write size %d", g.SectorSize, g.WriteSize)
	}
	return nil
}

// Region returns the region covering the whole device.
func (g Geometry) Region() Region {
	return Region{Base: g.Base, Len: g.Size}
}

// Region is a contiguous range of flash addresses: [Base, Base+Len).
type Region struct {
	Base uint32
	Len  uint32
}

// End returns the first address past the region.
func (r Region) End() uint32 {
	return r.Base + r.Len
}

// Contains returns true if [addr, addr+n) lies within the region.
func (r Region) Contains(addr uint32, n int) bool {
	if n < 0 {
		return false
	}
	return addr >= r.Base && uint64(addr)+uint64(n) <= uint64(r.Base)+uint64(r.Len)
}

// Overlaps returns true if the two regions share at least one address.
func (r Region) Overlaps(o Region) bool {
	if r.Len == 0 || o.Len == 0 {
		return false
	}
	return uint64(r.Base) < uint64(o.Base)+uint64(o.Len) && uint64(o.Base) < uint64(r.Base)+uint64(r.Len)
}

// Slice returns the sub-region [Base+off, Base+off+n), or an error if it
// does not fit inside r.
func (r Region) Slice(off, n uint32) (Region, error) {
	if uint64(off)+uint64(n) > uint64(r.Len) {
		return Region{}, fmt.Errorf("slice [%#x, +%#x) outside of %v: %w", off, n, r, ErrOutOfRange)
	}
	return Region{Base: r.Base + off, Len: n}, nil
}

func (r Region) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", r.Base, uint64(r.Base)+uint64(r.Len))
}

// AlignUp rounds n up to the next multiple of a.
func AlignUp(n, a uint32) uint32 {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}

// Pad returns b extended with fill bytes up to a multiple of size.
func Pad(b []byte, size int, fill byte) []byte {
	r := len(b) % size
	if r == 0 {
		return b
	}
	for i := 0; i < size-r; i++ {
		b = append(b, fill)
	}
	return b
}

// ReadRegion reads all of r from dev.
func ReadRegion(dev Reader, r Region) ([]byte, error) {
	return dev.Read(r.Base, int(r.Len))
}

// Copy copies src to dst, which must have the same length, in chunks of at
// most chunk bytes. dst must already be erased.
func Copy(dev Device, dst, src Region, chunk uint32) error {
	if dst.Len != src.Len {
		return fmt.Errorf("copy %v to %v: length mismatch", src, dst)
	}
	for off := uint32(0); off < src.Len; off += chunk {
		n := chunk
		if rem := src.Len - off; rem < n {
			n = rem
		}
		b, err := dev.Read(src.Base+off, int(n))
		if err != nil {
			return err
		}
		if err := dev.Write(dst.Base+off, b); err != nil {
			return err
		}
	}
	return nil
}
