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

// Package slots describes the fixed layout of firmware slots on flash.
package slots

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"k8s.io/klog/v2"
)

// ErrUnknownSlot is returned when no slot matches a lookup.
var ErrUnknownSlot = errors.New("unknown slot")

// Role identifies the purpose of a slot.
type Role uint8

const (
	// Active slots hold the image which is booted.
	Active Role = iota + 1
	// Download slots receive new images before installation.
	Download
	// Swap is the scratch slot used to rotate sectors during installation.
	Swap
)

func (r Role) String() string {
	switch r {
	case Active:
		return "active"
	case Download:
		return "download"
	case Swap:
		return "swap"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{Active, Download, Swap} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("invalid slot role %q", s)
}

// Slot describes a single flash slot.
type Slot struct {
	// ID is the index of the slot in its Table.
	ID int
	// Name is a human readable label.
	Name string
	// Role is the purpose of the slot.
	Role Role
	// Magic is the image tag accepted by active and download slots.
	Magic uint32
	// Region is the flash extent of the slot.
	Region flash.Region
	// HeaderOffset is the position of the metadata header within the slot,
	// the firmware body immediately follows the header. The boot vector is
	// read from the start of the firmware body, so [0, HeaderOffset) is
	// left unused.
	HeaderOffset uint32
}

// Header returns the region holding the slot's metadata header.
func (s Slot) Header() flash.Region {
	r, _ := s.Region.Slice(s.HeaderOffset, api.HeaderSize)
	return r
}

// Capacity returns the number of bytes available for header and firmware.
func (s Slot) Capacity() uint32 {
	return s.Region.Len - s.HeaderOffset
}

// Image returns the region holding n bytes of header and firmware, or an
// error if they do not fit in the slot.
func (s Slot) Image(n uint32) (flash.Region, error) {
	return s.Region.Slice(s.HeaderOffset, n)
}

// Firmware returns the region holding a firmware body of size bytes, or an
// error if it does not fit in the slot.
func (s Slot) Firmware(size uint32) (flash.Region, error) {
	if size > s.Capacity()-api.HeaderSize {
		return flash.Region{}, fmt.Errorf("firmware of %d bytes exceeds slot %q capacity: %w", size, s.Name, flash.ErrOutOfRange)
	}
	return s.Region.Slice(s.HeaderOffset+api.HeaderSize, size)
}

func (s Slot) String() string {
	return fmt.Sprintf("slot %d %q (%s %s) %v", s.ID, s.Name, s.Role, api.MagicString(s.Magic), s.Region)
}

// Table is the immutable set of slots on a device.
type Table struct {
	geo   flash.Geometry
	slots []Slot
}

// NewTable validates the slot layout against the flash geometry and returns
// a Table. Slot IDs are reassigned to their position in slots.
//
// Every image magic must have exactly one active slot and at most one
// download slot of identical size and header offset, and at most one swap
// slot may be present.
func NewTable(geo flash.Geometry, slots []Slot) (*Table, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, errors.New("invalid slot table: no slots")
	}

	t := &Table{
		geo:   geo,
		slots: make([]Slot, len(slots)),
	}
	copy(t.slots, slots)

	swaps := 0
	active := make(map[uint32]Slot)
	download := make(map[uint32]Slot)

	for i := range t.slots {
		s := &t.slots[i]
		s.ID = i

		if !geo.Region().Contains(s.Region.Base, int(s.Region.Len)) {
			return nil, fmt.Errorf("invalid slot table: %v outside of flash %v", s, geo.Region())
		}
		if (s.Region.Base-geo.Base)%geo.SectorSize != 0 || s.Region.Len%geo.SectorSize != 0 || s.Region.Len == 0 {
			return nil, fmt.Errorf("invalid slot table: %v not aligned to %d byte sectors", s, geo.SectorSize)
		}
		for _, o := range t.slots[:i] {
			if s.Region.Overlaps(o.Region) {
				return nil, fmt.Errorf("invalid slot table: %v overlaps %v", s, o)
			}
		}

		switch s.Role {
		case Swap:
			if swaps++; swaps > 1 {
				return nil, errors.New("invalid slot table: more than one swap slot")
			}
			continue
		case Active, Download:
		default:
			return nil, fmt.Errorf("invalid slot table: %v has invalid role", s)
		}

		if s.HeaderOffset == 0 {
			return nil, fmt.Errorf("invalid slot table: %v header must not be at offset 0", s)
		}
		if s.HeaderOffset%geo.WriteSize != 0 {
			return nil, fmt.Errorf("invalid slot table: %v header offset %#x not aligned to %d bytes", s, s.HeaderOffset, geo.WriteSize)
		}
		if uint64(s.HeaderOffset)+api.HeaderSize >= uint64(s.Region.Len) {
			return nil, fmt.Errorf("invalid slot table: %v too small for header at offset %#x", s, s.HeaderOffset)
		}

		m := active
		if s.Role == Download {
			m = download
		}
		if o, ok := m[s.Magic]; ok {
			return nil, fmt.Errorf("invalid slot table: %v duplicates %v", s, o)
		}
		m[s.Magic] = *s
	}

	for magic, a := range active {
		if d, ok := download[magic]; ok && (d.Region.Len != a.Region.Len || d.HeaderOffset != a.HeaderOffset) {
			return nil, fmt.Errorf("invalid slot table: %v and %v differ in layout", a, d)
		}
	}
	for magic, d := range download {
		if _, ok := active[magic]; !ok {
			return nil, fmt.Errorf("invalid slot table: %v has no active slot", d)
		}
	}

	for _, s := range t.slots {
		klog.V(1).Infof("Slot table: %v header @ +%#x", s, s.HeaderOffset)
	}

	return t, nil
}

// Geometry returns the flash geometry the table was validated against.
func (t *Table) Geometry() flash.Geometry {
	return t.geo
}

// Slots returns a copy of all slots, ordered by ID.
func (t *Table) Slots() []Slot {
	return append([]Slot(nil), t.slots...)
}

// Slot returns the slot with the given ID.
func (t *Table) Slot(id int) (Slot, error) {
	if id < 0 || id >= len(t.slots) {
		return Slot{}, fmt.Errorf("%w: id %d (table has %d slots)", ErrUnknownSlot, id, len(t.slots))
	}
	return t.slots[id], nil
}

// Find returns the slot with the given role and image magic.
func (t *Table) Find(role Role, magic uint32) (Slot, error) {
	for _, s := range t.slots {
		if s.Role == role && s.Magic == magic {
			return s, nil
		}
	}
	return Slot{}, fmt.Errorf("%w: no %s slot for image %s", ErrUnknownSlot, role, api.MagicString(magic))
}

// Swap returns the swap slot, if one is configured.
func (t *Table) Swap() (Slot, bool) {
	for _, s := range t.slots {
		if s.Role == Swap {
			return s, true
		}
	}
	return Slot{}, false
}

// Images returns the magic of every image with an active slot, in slot order.
func (t *Table) Images() []uint32 {
	var r []uint32
	for _, s := range t.slots {
		if s.Role == Active {
			r = append(r, s.Magic)
		}
	}
	return r
}
