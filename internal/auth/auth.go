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

// Package auth decides whether a firmware image resident in flash is
// authentic.
//
// Authentication is strictly ordered and stops at the first failure:
//  1. the header magic must match the slot,
//  2. the header digest must match MetaTag,
//  3. MetaSig must authenticate MetaTag,
//  4. only then is FirmwareSize trusted, bounds checked, and the firmware
//     digest compared against FirmwareTag.
//
// Any flash read fault, including double ECC errors, fails authentication.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/metrics"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"k8s.io/klog/v2"
)

// Authentication failure reasons.
var (
	ErrMagicMismatch        = errors.New("magic mismatch")
	ErrMetaHashMismatch     = errors.New("metadata hash mismatch")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrFirmwareHashMismatch = errors.New("firmware hash mismatch")
	ErrInvalidFirmwareSize  = errors.New("invalid firmware size")
)

var reasonLabels = []struct {
	err   error
	label string
}{
	{ErrMagicMismatch, "magic_mismatch"},
	{ErrMetaHashMismatch, "meta_hash_mismatch"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrFirmwareHashMismatch, "firmware_hash_mismatch"},
	{ErrInvalidFirmwareSize, "invalid_firmware_size"},
}

// Error is returned for every authentication failure. Reason is one of the
// Err* sentinels, Cause optionally holds the underlying fault, such as
// flash.ErrDoubleECC.
type Error struct {
	Reason error
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %v: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("authentication failed: %v", e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Reason, e.Cause}
	}
	return []error{e.Reason}
}

func fail(reason, cause error) error {
	return &Error{Reason: reason, Cause: cause}
}

// Verified describes an authenticated image.
type Verified struct {
	Metadata *api.Metadata
	// Firmware is the flash region holding the authenticated firmware body.
	Firmware flash.Region
}

// Authenticator verifies images stored on a flash device.
type Authenticator struct {
	dev    flash.Reader
	engine crypto.Engine
	scheme crypto.Scheme
	// chunk is the read size used when hashing firmware.
	chunk uint32
}

// New returns an Authenticator reading from dev and verifying signatures
// with scheme.
func New(dev flash.Reader, engine crypto.Engine, scheme crypto.Scheme) *Authenticator {
	metrics.Init()
	return &Authenticator{
		dev:    dev,
		engine: engine,
		scheme: scheme,
		chunk:  4096,
	}
}

// Scheme returns the signature scheme in use.
func (a *Authenticator) Scheme() crypto.Scheme {
	return a.scheme
}

// Authenticate verifies the image held in slot s.
func (a *Authenticator) Authenticate(s slots.Slot) (*Verified, error) {
	body, err := s.Region.Slice(s.HeaderOffset+api.HeaderSize, s.Capacity()-api.HeaderSize)
	if err != nil {
		return nil, err
	}
	v, err := a.AuthenticateAt(s.Magic, s.Header().Base, body)
	if err != nil {
		klog.Warningf("SFU %v: %v", s, err)
	}
	return v, err
}

// AuthenticateAt verifies the header stored at header, expected to carry
// magic, and the firmware it describes which starts at body.Base and must
// fit within body.
func (a *Authenticator) AuthenticateAt(magic uint32, header uint32, body flash.Region) (*Verified, error) {
	v, err := a.authenticate(magic, header, body)
	result := "ok"
	if err != nil {
		result = "other"
		for _, r := range reasonLabels {
			if errors.Is(err, r.err) {
				result = r.label
				break
			}
		}
	}
	metrics.AuthResults.Inc(result)
	return v, err
}

func (a *Authenticator) authenticate(magic uint32, header uint32, body flash.Region) (*Verified, error) {
	hdr, err := a.dev.Read(header, api.HeaderSize)
	if err != nil {
		return nil, fail(ErrMetaHashMismatch, err)
	}

	m, err := api.ParseMetadata(hdr)
	if err != nil {
		return nil, fail(ErrMetaHashMismatch, err)
	}

	if m.Magic != magic {
		return nil, fail(ErrMagicMismatch, fmt.Errorf("got %s, want %s", api.MagicString(m.Magic), api.MagicString(magic)))
	}

	tag := a.engine.SHA256(hdr[:api.MetaTagOffset])
	if subtle.ConstantTimeCompare(tag[:], m.MetaTag[:]) != 1 {
		return nil, fail(ErrMetaHashMismatch, nil)
	}

	if !a.scheme.Verify(a.engine, m.MetaTag, m.MetaSig) {
		return nil, fail(ErrSignatureInvalid, nil)
	}

	// FirmwareSize is authenticated from here on.
	if m.FirmwareSize == 0 || m.FirmwareSize > body.Len {
		return nil, fail(ErrInvalidFirmwareSize, fmt.Errorf("%d bytes, %d available", m.FirmwareSize, body.Len))
	}

	fw, err := body.Slice(0, m.FirmwareSize)
	if err != nil {
		return nil, fail(ErrInvalidFirmwareSize, err)
	}

	h := a.engine.NewSHA256()
	for off := uint32(0); off < fw.Len; off += a.chunk {
		n := a.chunk
		if rem := fw.Len - off; rem < n {
			n = rem
		}
		b, err := a.dev.Read(fw.Base+off, int(n))
		if err != nil {
			return nil, fail(ErrFirmwareHashMismatch, err)
		}
		h.Write(b)
	}

	if subtle.ConstantTimeCompare(h.Sum(nil), m.FirmwareTag[:]) != 1 {
		return nil, fail(ErrFirmwareHashMismatch, nil)
	}

	klog.V(1).Infof("SFU authenticated %v @ %#08x", m, header)

	return &Verified{Metadata: m, Firmware: fw}, nil
}
