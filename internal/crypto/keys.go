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
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	publicKeyType  = "PUBLIC KEY"
	privateKeyType = "PRIVATE KEY"

	// pbkdf2Iterations matches the RPMB key derivation cost.
	pbkdf2Iterations = 4096
)

// GenerateKey returns a new P-256 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ParsePublicKeyPEM parses a PKIX, PEM encoded, P-256 public key.
func ParsePublicKeyPEM(b []byte) (*ecdsa.PublicKey, error) {
	p, rest := pem.Decode(b)
	if p == nil {
		return nil, fmt.Errorf("pem decoded to nil")
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("extraneous data after public key: %d bytes", len(rest))
	}
	if p.Type != publicKeyType {
		return nil, fmt.Errorf("public key is of the wrong type %s", p.Type)
	}

	k, err := x509.ParsePKIXPublicKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse public key: %v", err)
	}

	pub, ok := k.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key is not ECDSA P-256 (%T)", k)
	}

	return pub, nil
}

// MarshalPublicKeyPEM encodes pub in PKIX PEM format.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8, PEM encoded, P-256 private key.
func ParsePrivateKeyPEM(b []byte) (*ecdsa.PrivateKey, error) {
	p, _ := pem.Decode(b)
	if p == nil {
		return nil, fmt.Errorf("pem decoded to nil")
	}
	if p.Type != privateKeyType {
		return nil, fmt.Errorf("private key is of the wrong type %s", p.Type)
	}

	k, err := x509.ParsePKCS8PrivateKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %v", err)
	}

	priv, ok := k.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("private key is not ECDSA P-256 (%T)", k)
	}

	return priv, nil
}

// MarshalPrivateKeyPEM encodes priv in PKCS#8 PEM format.
func MarshalPrivateKeyPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyType, Bytes: der}), nil
}

// DeriveMACKey derives the record storage MAC key from a device secret,
// diversified by the device unique ID.
func DeriveMACKey(secret, uid []byte) []byte {
	return pbkdf2.Key(secret, uid, pbkdf2Iterations, sha256.Size, sha256.New)
}

// DeriveKey derives a size byte key from a device secret for the given
// purpose.
func DeriveKey(secret []byte, purpose string, size int) ([]byte, error) {
	k := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), k); err != nil {
		return nil, err
	}
	return k, nil
}
