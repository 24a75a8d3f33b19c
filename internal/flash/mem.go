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

package flash

import (
	"bytes"
	"errors"
	"fmt"
)

// TornWrite can be returned by MemDevice.OnWrite to apply only the first N
// bytes of an erase or program operation before failing it, as a power loss
// in the middle of the operation would. A write granule left partially
// updated fails reads with ErrDoubleECC until erased.
type TornWrite struct {
	N int
}

func (e *TornWrite) Error() string {
	return fmt.Sprintf("power lost after %d bytes", e.N)
}

// MemDevice is a simple in-memory flash device with NOR semantics: cells must
// be erased before being programmed again.
type MemDevice struct {
	geo Geometry
	mem []byte

	// eccFaults holds the write-granule addresses which will fail reads
	// with ErrDoubleECC until the containing sector is erased.
	eccFaults map[uint32]bool

	// OnWrite is called before each erase or program operation is applied.
	// Returning an error aborts the operation and leaves the storage
	// untouched, unless the error is a *TornWrite. This allows tests to
	// emulate power loss.
	OnWrite func(op string, addr uint32, n int) error
}

var _ Device = &MemDevice{}

// NewMemDevice creates a new, fully erased, in-memory device.
func NewMemDevice(geo Geometry) (*MemDevice, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &MemDevice{
		geo:       geo,
		mem:       bytes.Repeat([]byte{geo.EraseValue}, int(geo.Size)),
		eccFaults: make(map[uint32]bool),
	}, nil
}

// Geometry returns the device layout.
func (m *MemDevice) Geometry() Geometry {
	return m.geo
}

func (m *MemDevice) offset(op string, addr uint32, n int) (int, error) {
	if !m.geo.Region().Contains(addr, n) {
		return 0, &Error{Op: op, Addr: addr, Err: fmt.Errorf("%d bytes: %w", n, ErrOutOfRange)}
	}
	return int(addr - m.geo.Base), nil
}

// Read returns a copy of n bytes starting at addr.
func (m *MemDevice) Read(addr uint32, n int) ([]byte, error) {
	off, err := m.offset("read", addr, n)
	if err != nil {
		return nil, err
	}
	ws := m.geo.WriteSize
	for g := addr - (addr-m.geo.Base)%ws; uint64(g) < uint64(addr)+uint64(n); g += ws {
		if m.eccFaults[g] {
			return nil, &Error{Op: "read", Addr: g, Err: ErrDoubleECC}
		}
	}
	b := make([]byte, n)
	copy(b, m.mem[off:off+n])
	return b, nil
}

// Erase erases all sectors covered by r.
func (m *MemDevice) Erase(r Region) error {
	off, err := m.offset("erase", r.Base, int(r.Len))
	if err != nil {
		return err
	}
	if (r.Base-m.geo.Base)%m.geo.SectorSize != 0 || r.Len%m.geo.SectorSize != 0 {
		return &Error{Op: "erase", Addr: r.Base, Err: fmt.Errorf("%d bytes: %w", r.Len, ErrAlignment)}
	}
	if m.OnWrite != nil {
		if err := m.OnWrite("erase", r.Base, int(r.Len)); err != nil {
			if n, ok := m.torn(err, r.Base, int(r.Len)); ok {
				for i := off; i < off+n; i++ {
					m.mem[i] = m.geo.EraseValue
				}
			}
			return &Error{Op: "erase", Addr: r.Base, Err: err}
		}
	}
	for i := off; i < off+int(r.Len); i++ {
		m.mem[i] = m.geo.EraseValue
	}
	for a := range m.eccFaults {
		if r.Contains(a, 1) {
			delete(m.eccFaults, a)
		}
	}
	return nil
}

// Write programs b at addr.
func (m *MemDevice) Write(addr uint32, b []byte) error {
	off, err := m.offset("write", addr, len(b))
	if err != nil {
		return err
	}
	if (addr-m.geo.Base)%m.geo.WriteSize != 0 || uint32(len(b))%m.geo.WriteSize != 0 {
		return &Error{Op: "write", Addr: addr, Err: fmt.Errorf("%d bytes: %w", len(b), ErrAlignment)}
	}
	for i := off; i < off+len(b); i++ {
		if m.mem[i] != m.geo.EraseValue {
			return &Error{Op: "write", Addr: m.geo.Base + uint32(i), Err: ErrNotErased}
		}
	}
	if m.OnWrite != nil {
		if err := m.OnWrite("write", addr, len(b)); err != nil {
			if n, ok := m.torn(err, addr, len(b)); ok {
				copy(m.mem[off:], b[:n])
			}
			return &Error{Op: "write", Addr: addr, Err: err}
		}
	}
	copy(m.mem[off:], b)
	return nil
}

// torn returns how many bytes of an interrupted operation at addr are
// applied, marking the granule cut through, if any, as faulty.
func (m *MemDevice) torn(err error, addr uint32, size int) (int, bool) {
	var tw *TornWrite
	if !errors.As(err, &tw) {
		return 0, false
	}
	n := min(max(tw.N, 0), size)
	if n < size && n%int(m.geo.WriteSize) != 0 {
		m.InjectECCFault(addr + uint32(n))
	}
	return n, true
}

// InjectECCFault makes reads of the write granule containing addr fail with
// ErrDoubleECC until its sector is erased.
func (m *MemDevice) InjectECCFault(addr uint32) {
	m.eccFaults[addr-(addr-m.geo.Base)%m.geo.WriteSize] = true
}

// Corrupt XORs the byte at addr with mask, bypassing programming rules.
func (m *MemDevice) Corrupt(addr uint32, mask byte) {
	m.mem[addr-m.geo.Base] ^= mask
}

// Snapshot returns a copy of the raw contents of r, ignoring ECC faults.
func (m *MemDevice) Snapshot(r Region) []byte {
	off := int(r.Base - m.geo.Base)
	return append([]byte(nil), m.mem[off:off+int(r.Len)]...)
}
