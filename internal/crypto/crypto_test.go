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
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECDSASignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	signer, err := NewECDSASigner(key)
	require.NoError(t, err)

	tag := sha256.Sum256([]byte("metadata"))
	sig, err := signer.Sign(tag)
	require.NoError(t, err)

	s := signer.Scheme()
	assert.Equal(t, SchemeECDSASHA256, s.Name())
	assert.True(t, s.Verify(Software{}, tag, sig))

	bad := sig
	bad[10] ^= 0x01
	assert.False(t, s.Verify(Software{}, tag, bad), "flipped signature verified")

	other := tag
	other[0] ^= 0x80
	assert.False(t, s.Verify(Software{}, other, sig), "signature verified over different tag")

	assert.False(t, ECDSASHA256{}.Verify(Software{}, tag, sig), "nil key verified")
}

func TestAESGCMSignVerify(t *testing.T) {
	key, err := DeriveKey([]byte("device secret"), "sfu image authentication", 32)
	require.NoError(t, err)

	signer := AESGCMSigner{Key: key}
	tag := sha256.Sum256([]byte("metadata"))
	sig, err := signer.Sign(tag)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, SignatureSize-gcmTagSize), sig[gcmTagSize:])

	s := signer.Scheme()
	assert.Equal(t, SchemeAESGCM, s.Name())
	assert.True(t, s.Verify(Software{}, tag, sig))

	for _, i := range []int{0, gcmTagSize - 1, gcmTagSize, SignatureSize - 1} {
		bad := sig
		bad[i] ^= 0x01
		assert.False(t, s.Verify(Software{}, tag, bad), "mutated signature byte %d verified", i)
	}

	otherKey, err := DeriveKey([]byte("other secret"), "sfu image authentication", 32)
	require.NoError(t, err)
	assert.False(t, AESGCM{Key: otherKey}.Verify(Software{}, tag, sig))
	assert.False(t, AESGCM{Key: []byte("short")}.Verify(Software{}, tag, sig))
}

func TestKeyPEM(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	privPEM, err := MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	priv, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))

	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = ParsePublicKeyPEM(privPEM)
	assert.Error(t, err, "private key parsed as public")
	_, err = ParsePublicKeyPEM([]byte("not a key"))
	assert.Error(t, err)
	_, err = ParsePublicKeyPEM(append(pubPEM, pubPEM...))
	assert.Error(t, err, "trailing data accepted")
}

func TestNewScheme(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	s, err := NewScheme(SchemeECDSASHA256, pubPEM, nil)
	require.NoError(t, err)
	assert.Equal(t, SchemeECDSASHA256, s.Name())

	s, err = NewScheme(SchemeAESGCM, nil, bytes.Repeat([]byte{1}, 16))
	require.NoError(t, err)
	assert.Equal(t, SchemeAESGCM, s.Name())

	_, err = NewScheme(SchemeAESGCM, nil, []byte{1, 2, 3})
	assert.Error(t, err)
	_, err = NewScheme("rsa", nil, nil)
	assert.Error(t, err)
}

func TestDeriveMACKey(t *testing.T) {
	a := DeriveMACKey([]byte("secret"), []byte{1, 2, 3, 4})
	b := DeriveMACKey([]byte("secret"), []byte{1, 2, 3, 5})
	assert.Len(t, a, sha256.Size)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DeriveMACKey([]byte("secret"), []byte{1, 2, 3, 4}))
}
