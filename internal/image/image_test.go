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

package image

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
)

func TestBuildAndSplit(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := crypto.NewECDSASigner(key)
	if err != nil {
		t.Fatalf("NewECDSASigner: %v", err)
	}

	fw := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 100)
	img, err := Build(signer, 0x31554653, *semver.New("1.4.2"), fw)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := len(img), api.HeaderSize+len(fw); got != want {
		t.Fatalf("len(img) = %d, want %d", got, want)
	}

	m, body, err := Split(append(img, 0xff, 0xff))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if diff := cmp.Diff(fw, body); diff != "" {
		t.Errorf("body diff:\n%s", diff)
	}
	if got, want := m.FirmwareTag, sha256.Sum256(fw); got != want {
		t.Errorf("FirmwareTag = %x, want %x", got, want)
	}
	if got, want := m.MetaTag, sha256.Sum256(img[:api.MetaTagOffset]); got != want {
		t.Errorf("MetaTag = %x, want %x", got, want)
	}
	if got, want := m.SemVer().String(), "1.4.2"; got != want {
		t.Errorf("SemVer = %s, want %s", got, want)
	}
	if !signer.Scheme().Verify(crypto.Software{}, m.MetaTag, m.MetaSig) {
		t.Error("header signature does not verify")
	}

	if _, _, err := Split(img[:len(img)-1]); err == nil {
		t.Error("Split(truncated) succeeded")
	}
	if _, err := Build(signer, 0x31554653, *semver.New("1.0.0"), nil); err == nil {
		t.Error("Build(empty) succeeded")
	}
	if _, err := Build(signer, 0x31554653, *semver.New("1.300.0"), fw); err == nil {
		t.Error("Build(unpackable version) succeeded")
	}
}
