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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// Image metadata header layout.
const (
	// HeaderSize is the fixed size of an encoded Metadata header.
	HeaderSize = 192
	// TagSize is the size of the SHA-256 digests carried by the header.
	TagSize = 32
	// SignatureSize is the size of the header signature (r || s for ECDSA-P256).
	SignatureSize = 64
	// ReservedSize is the size of the reserved area, which is covered by MetaTag.
	ReservedSize = 52

	// MetaTagOffset is the offset of MetaTag within the header, all bytes
	// preceding it are covered by MetaTag.
	MetaTagOffset = HeaderSize - TagSize - SignatureSize
	// MetaSigOffset is the offset of MetaSig within the header.
	MetaSigOffset = HeaderSize - SignatureSize
)

// ErrShortHeader is returned when decoding fewer than HeaderSize bytes.
var ErrShortHeader = errors.New("short metadata header")

// Metadata is the fixed-layout header preceding a firmware body.
//
// The field order and sizes define the on-flash and on-wire encoding, all
// integers are little-endian.
type Metadata struct {
	// Magic identifies the logical image (and therefore the slots) this
	// header belongs to.
	Magic uint32
	// FirmwareSize is the size of the firmware body, it must not be trusted
	// before the header signature has been verified.
	FirmwareSize uint32
	// FirmwareVersion packs a semantic version, see PackVersion.
	FirmwareVersion uint32
	// FirmwareTag is the SHA-256 digest of the firmware body.
	FirmwareTag [TagSize]byte
	Reserved    [ReservedSize]byte
	// MetaTag is the SHA-256 digest of all preceding header bytes.
	MetaTag [TagSize]byte
	// MetaSig authenticates MetaTag.
	MetaSig [SignatureSize]byte
}

// ParseMetadata decodes the first HeaderSize bytes of b.
func ParseMetadata(b []byte) (*Metadata, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortHeader, len(b), HeaderSize)
	}

	m := &Metadata{}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, m); err != nil {
		return nil, err
	}

	return m, nil
}

// Bytes converts the header to its byte array format.
func (m *Metadata) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)
	binary.Write(buf, binary.LittleEndian, m)
	return buf.Bytes()
}

// Signed returns the header bytes covered by MetaTag.
func (m *Metadata) Signed() []byte {
	return m.Bytes()[:MetaTagOffset]
}

// SemVer returns the firmware version.
func (m *Metadata) SemVer() semver.Version {
	return UnpackVersion(m.FirmwareVersion)
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s v%s (%d bytes)", MagicString(m.Magic), m.SemVer(), m.FirmwareSize)
}

// PackVersion encodes v as major:8 | minor:8 | patch:16.
func PackVersion(v semver.Version) (uint32, error) {
	if v.Major > 0xff || v.Minor > 0xff || v.Patch > 0xffff || v.Major < 0 || v.Minor < 0 || v.Patch < 0 {
		return 0, fmt.Errorf("version %s out of range", v)
	}
	if v.PreRelease != "" || v.Metadata != "" {
		return 0, fmt.Errorf("version %s: pre-release and build metadata are not supported", v)
	}
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Patch), nil
}

// UnpackVersion decodes a version packed with PackVersion.
func UnpackVersion(p uint32) semver.Version {
	return semver.Version{
		Major: int64(p >> 24),
		Minor: int64(p >> 16 & 0xff),
		Patch: int64(p & 0xffff),
	}
}

// ParseMagic converts a 4 character image tag to its header value.
func ParseMagic(s string) (uint32, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid image magic %q: must be 4 bytes", s)
	}
	return binary.LittleEndian.Uint32([]byte(s)), nil
}

// MagicString returns the textual form of an image magic, non printable
// values are returned in hex.
func MagicString(m uint32) string {
	b := binary.LittleEndian.AppendUint32(nil, m)
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%#08x", m)
		}
	}
	return string(b)
}
