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

// Package crypto provides the cryptographic capabilities used to
// authenticate firmware images, and the schemes built on top of them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"hash"
	"math/big"
)

// Engine is the set of cryptographic primitives used during authentication.
// Implementations hold no state between calls.
type Engine interface {
	// SHA256 returns the SHA-256 digest of b.
	SHA256(b []byte) [sha256.Size]byte
	// NewSHA256 returns a streaming SHA-256 hash.
	NewSHA256() hash.Hash
	// VerifyP256 verifies an r || s ECDSA-P256 signature over digest.
	VerifyP256(pub *ecdsa.PublicKey, digest []byte, sig []byte) bool
	// AESGCMTag returns the AES-GCM authentication tag for an empty
	// plaintext with the given nonce and additional data.
	AESGCMTag(key, nonce, aad []byte) ([]byte, error)
}

// Software implements Engine with the Go standard library.
type Software struct{}

var _ Engine = Software{}

func (Software) SHA256(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

func (Software) NewSHA256() hash.Hash {
	return sha256.New()
}

func (Software) VerifyP256(pub *ecdsa.PublicKey, digest []byte, sig []byte) bool {
	if pub == nil || len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}

func (Software) AESGCMTag(key, nonce, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, nil, aad), nil
}
