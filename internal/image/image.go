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

// Package image builds signed firmware images: a metadata header followed
// by the firmware body.
package image

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
)

// Sign returns a header for firmware fw, tagged with magic and version, and
// signed by s.
func Sign(s crypto.Signer, magic uint32, version semver.Version, fw []byte) (*api.Metadata, error) {
	if len(fw) == 0 {
		return nil, errors.New("empty firmware")
	}
	if uint64(len(fw)) > 1<<32-1 {
		return nil, fmt.Errorf("firmware too large (%d bytes)", len(fw))
	}

	v, err := api.PackVersion(version)
	if err != nil {
		return nil, err
	}

	m := &api.Metadata{
		Magic:           magic,
		FirmwareSize:    uint32(len(fw)),
		FirmwareVersion: v,
		FirmwareTag:     sha256.Sum256(fw),
	}
	m.MetaTag = sha256.Sum256(m.Signed())

	if m.MetaSig, err = s.Sign(m.MetaTag); err != nil {
		return nil, fmt.Errorf("failed to sign header: %v", err)
	}

	return m, nil
}

// Build returns the signed image header || fw.
func Build(s crypto.Signer, magic uint32, version semver.Version, fw []byte) ([]byte, error) {
	m, err := Sign(s, magic, version, fw)
	if err != nil {
		return nil, err
	}
	return append(m.Bytes(), fw...), nil
}

// Split separates an image into its header and firmware body, the body is
// truncated to the declared firmware size. No authentication is performed.
func Split(img []byte) (*api.Metadata, []byte, error) {
	m, err := api.ParseMetadata(img)
	if err != nil {
		return nil, nil, err
	}
	fw := img[api.HeaderSize:]
	if uint64(m.FirmwareSize) > uint64(len(fw)) {
		return nil, nil, fmt.Errorf("image truncated: header declares %d firmware bytes, %d present", m.FirmwareSize, len(fw))
	}
	return m, fw[:m.FirmwareSize], nil
}
