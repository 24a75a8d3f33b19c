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

package crypto

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Scheme names.
const (
	SchemeECDSASHA256 = "ecdsa-sha256"
	SchemeAESGCM      = "aes-gcm"
)

const (
	// SignatureSize is the size of a header signature for every scheme.
	SignatureSize = 64
	// TagSize is the size of the digest being signed.
	TagSize = sha256.Size

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// Scheme authenticates the metadata tag of an image header.
type Scheme interface {
	// Name returns the scheme name.
	Name() string
	// Verify reports whether sig authenticates tag.
	Verify(e Engine, tag [TagSize]byte, sig [SignatureSize]byte) bool
}

// Signer produces header signatures for a Scheme.
type Signer interface {
	// Scheme returns the verifier matching this signer.
	Scheme() Scheme
	// Sign returns the signature over tag.
	Sign(tag [TagSize]byte) ([SignatureSize]byte, error)
}

// ECDSASHA256 verifies ECDSA-P256 signatures over the SHA-256 metadata tag.
type ECDSASHA256 struct {
	PublicKey *ecdsa.PublicKey
}

func (ECDSASHA256) Name() string { return SchemeECDSASHA256 }

func (s ECDSASHA256) Verify(e Engine, tag [TagSize]byte, sig [SignatureSize]byte) bool {
	return e.VerifyP256(s.PublicKey, tag[:], sig[:])
}

// AESGCM verifies symmetric AES-GCM tags: the first 16 signature bytes hold
// the GCM tag of an empty plaintext, keyed with Key, using the first 12
// bytes of the metadata tag as nonce and the whole metadata tag as
// additional data. The remaining signature bytes must be zero.
type AESGCM struct {
	Key []byte
}

func (AESGCM) Name() string { return SchemeAESGCM }

func (s AESGCM) Verify(e Engine, tag [TagSize]byte, sig [SignatureSize]byte) bool {
	want, err := e.AESGCMTag(s.Key, tag[:gcmNonceSize], tag[:])
	if err != nil || len(want) != gcmTagSize {
		return false
	}
	var zero [SignatureSize - gcmTagSize]byte
	ok := hmac.Equal(want, sig[:gcmTagSize])
	return hmac.Equal(zero[:], sig[gcmTagSize:]) && ok
}

// ECDSASigner signs with an ECDSA-P256 private key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner returns a signer for key, which must be on P-256.
func NewECDSASigner(key *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if key == nil || key.Curve.Params().Name != "P-256" {
		return nil, errors.New("ECDSA signer requires a P-256 key")
	}
	return &ECDSASigner{key: key}, nil
}

func (s *ECDSASigner) Scheme() Scheme {
	return ECDSASHA256{PublicKey: &s.key.PublicKey}
}

func (s *ECDSASigner) Sign(tag [TagSize]byte) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte

	r, ss, err := ecdsa.Sign(rand.Reader, s.key, tag[:])
	if err != nil {
		return sig, err
	}
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])

	return sig, nil
}

// AESGCMSigner produces AES-GCM header tags.
type AESGCMSigner struct {
	Key []byte
}

func (s AESGCMSigner) Scheme() Scheme {
	return AESGCM{Key: s.Key}
}

func (s AESGCMSigner) Sign(tag [TagSize]byte) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte

	t, err := Software{}.AESGCMTag(s.Key, tag[:gcmNonceSize], tag[:])
	if err != nil {
		return sig, err
	}
	copy(sig[:], t)

	return sig, nil
}

// NewScheme resolves a scheme by name. ECDSA schemes require a PEM encoded
// public key, AES-GCM schemes a 16, 24 or 32 byte key.
func NewScheme(name string, publicKeyPEM []byte, key []byte) (Scheme, error) {
	switch name {
	case SchemeECDSASHA256:
		pub, err := ParsePublicKeyPEM(publicKeyPEM)
		if err != nil {
			return nil, err
		}
		return ECDSASHA256{PublicKey: pub}, nil
	case SchemeAESGCM:
		switch len(key) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("invalid AES key size %d", len(key))
		}
		return AESGCM{Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown authentication scheme %q", name)
	}
}
