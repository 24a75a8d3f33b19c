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

// Package api defines the formats shared between the bootloader and host
// tooling: the image metadata header, the chunked transfer frames and the
// device status message.
package api

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status field numbers.
const (
	statusRevision       protowire.Number = 1
	statusBuild          protowire.Number = 2
	statusVersion        protowire.Number = 3
	statusRuntime        protowire.Number = 4
	statusAuthScheme     protowire.Number = 5
	statusPendingInstall protowire.Number = 6
	statusSlots          protowire.Number = 7
)

// SlotStatus field numbers.
const (
	slotID      protowire.Number = 1
	slotName    protowire.Number = 2
	slotRole    protowire.Number = 3
	slotMagic   protowire.Number = 4
	slotValid   protowire.Number = 5
	slotVersion protowire.Number = 6
	slotSize    protowire.Number = 7
)

// Status is the bootloader status returned to a host status query.
type Status struct {
	Revision       string
	Build          string
	Version        string
	Runtime        string
	AuthScheme     string
	PendingInstall bool
	Slots          []*SlotStatus
}

// SlotStatus describes the image held in a slot.
type SlotStatus struct {
	ID   uint32
	Name string
	Role string
	// Magic is the image tag of the slot.
	Magic uint32
	// Valid reports whether the slot holds a parseable header with a
	// matching magic, it does not imply authentication.
	Valid   bool
	Version string
	Size    uint32
}

// Bytes serializes the status message in protobuf wire format.
func (p *Status) Bytes() []byte {
	var b []byte

	b = appendString(b, statusRevision, p.Revision)
	b = appendString(b, statusBuild, p.Build)
	b = appendString(b, statusVersion, p.Version)
	b = appendString(b, statusRuntime, p.Runtime)
	b = appendString(b, statusAuthScheme, p.AuthScheme)
	b = appendBool(b, statusPendingInstall, p.PendingInstall)

	for _, s := range p.Slots {
		b = protowire.AppendTag(b, statusSlots, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Bytes())
	}

	return b
}

// Bytes serializes the slot status message in protobuf wire format.
func (s *SlotStatus) Bytes() []byte {
	var b []byte

	b = protowire.AppendTag(b, slotID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.ID))
	b = appendString(b, slotName, s.Name)
	b = appendString(b, slotRole, s.Role)
	b = protowire.AppendTag(b, slotMagic, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, s.Magic)
	b = appendBool(b, slotValid, s.Valid)
	b = appendString(b, slotVersion, s.Version)
	if s.Size != 0 {
		b = protowire.AppendTag(b, slotSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Size))
	}

	return b
}

// ParseStatus decodes a status message, unknown fields are ignored.
func ParseStatus(b []byte) (*Status, error) {
	p := &Status{}

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == statusRevision && typ == protowire.BytesType:
			p.Revision = string(v)
		case num == statusBuild && typ == protowire.BytesType:
			p.Build = string(v)
		case num == statusVersion && typ == protowire.BytesType:
			p.Version = string(v)
		case num == statusRuntime && typ == protowire.BytesType:
			p.Runtime = string(v)
		case num == statusAuthScheme && typ == protowire.BytesType:
			p.AuthScheme = string(v)
		case num == statusPendingInstall && typ == protowire.VarintType:
			p.PendingInstall = protowire.DecodeBool(x)
		case num == statusSlots && typ == protowire.BytesType:
			s, err := parseSlotStatus(v)
			if err != nil {
				return err
			}
			p.Slots = append(p.Slots, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid status message: %v", err)
	}

	return p, nil
}

func parseSlotStatus(b []byte) (*SlotStatus, error) {
	s := &SlotStatus{}

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == slotID && typ == protowire.VarintType:
			s.ID = uint32(x)
		case num == slotName && typ == protowire.BytesType:
			s.Name = string(v)
		case num == slotRole && typ == protowire.BytesType:
			s.Role = string(v)
		case num == slotMagic && typ == protowire.Fixed32Type:
			s.Magic = uint32(x)
		case num == slotValid && typ == protowire.VarintType:
			s.Valid = protowire.DecodeBool(x)
		case num == slotVersion && typ == protowire.BytesType:
			s.Version = string(v)
		case num == slotSize && typ == protowire.VarintType:
			s.Size = uint32(x)
		}
		return nil
	})

	return s, err
}

// consumeFields walks the fields of a message, calling f with the raw bytes
// of length delimited fields or the scalar value of numeric ones.
func consumeFields(b []byte, f func(protowire.Number, protowire.Type, []byte, uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)

		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := f(num, typ, v, x); err != nil {
			return err
		}
	}

	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// Print returns the bootloader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------- SFU Bootloader ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", p.Runtime))
	status.WriteString(fmt.Sprintf("Authentication .........: %s\n", p.AuthScheme))
	status.WriteString(fmt.Sprintf("Pending install ........: %v", p.PendingInstall))

	for _, s := range p.Slots {
		status.WriteString(fmt.Sprintf("\nSlot %d %-8s %-9s : %s", s.ID, s.Name, "("+s.Role+")", MagicString(s.Magic)))
		if s.Valid {
			status.WriteString(fmt.Sprintf(" v%s, %d bytes", s.Version, s.Size))
		} else {
			status.WriteString(" empty")
		}
	}

	return status.String()
}
