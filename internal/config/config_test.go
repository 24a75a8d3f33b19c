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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"github.com/transparency-dev/armored-sfu/internal/testonly"
)

func TestDefault(t *testing.T) {
	c := Default()

	if diff := cmp.Diff(testonly.Geometry, c.Geometry()); diff != "" {
		t.Errorf("Geometry diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(testonly.RecordsRegion(), c.RecordsRegion()); diff != "" {
		t.Errorf("RecordsRegion diff (-want +got):\n%s", diff)
	}

	tbl, err := c.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if diff := cmp.Diff(testonly.Slots(true), tbl.Slots()); diff != "" {
		t.Errorf("Slots diff (-want +got):\n%s", diff)
	}

	if got, want := c.Ingest, (Ingest{MaxRetries: 3, ChunkTimeout: 5 * time.Second}); got != want {
		t.Errorf("Ingest = %+v, want %+v", got, want)
	}
	if c.Install.RollbackProtection {
		t.Error("rollback protection enabled by default")
	}
	if got := c.Auth.Scheme; got != crypto.SchemeECDSASHA256 {
		t.Errorf("Auth.Scheme = %q", got)
	}
}

func TestParseSettings(t *testing.T) {
	c, err := Parse([]byte(DefaultLayout + `
ingest:
  max_retries: 5
  chunk_timeout: 250ms
install:
  rollback_protection: true
auth:
  scheme: aes-gcm
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := c.Ingest, (Ingest{MaxRetries: 5, ChunkTimeout: 250 * time.Millisecond}); got != want {
		t.Errorf("Ingest = %+v, want %+v", got, want)
	}
	if !c.Install.RollbackProtection {
		t.Error("rollback protection not enabled")
	}
	if n := len(c.IngestOptions()); n != 2 {
		t.Errorf("IngestOptions() returned %d options", n)
	}
	if n := len(c.InstallOptions()); n != 1 {
		t.Errorf("InstallOptions() returned %d options", n)
	}

	s, err := c.Scheme(nil, []byte("device secret"))
	if err != nil {
		t.Fatalf("Scheme: %v", err)
	}
	key, _ := ImageKey([]byte("device secret"))
	if diff := cmp.Diff(crypto.AESGCM{Key: key}, s); diff != "" {
		t.Errorf("Scheme diff (-want +got):\n%s", diff)
	}
	if _, err := c.Scheme(nil, nil); err == nil {
		t.Error("aes-gcm Scheme without secret succeeded")
	}
}

func TestECDSAScheme(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pem, err := crypto.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKeyPEM: %v", err)
	}

	c := Default()
	s, err := c.Scheme(pem, nil)
	if err != nil {
		t.Fatalf("Scheme(build time key): %v", err)
	}
	if !s.(crypto.ECDSASHA256).PublicKey.Equal(&key.PublicKey) {
		t.Error("Scheme did not use the build time key")
	}

	// The device configuration cannot replace the build time key.
	other, _ := crypto.GenerateKey()
	otherPEM, _ := crypto.MarshalPublicKeyPEM(&other.PublicKey)
	path := filepath.Join(t.TempDir(), "key.pub")
	if err := os.WriteFile(path, otherPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	override := DefaultLayout + "auth:\n  scheme: ecdsa-sha256\n  public_key: " + path + "\n"
	if _, err := Parse([]byte(DefaultLayout + "auth:\n  scheme: ecdsa-sha256\n")); err != nil {
		t.Fatalf("Parse(auth.scheme): %v", err)
	}
	if _, err := Parse([]byte(override)); err == nil {
		t.Error("Parse accepted auth.public_key")
	}

	if _, err := Default().Scheme(nil, nil); err == nil {
		t.Error("Scheme without key succeeded")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfu.yaml")
	if err := os.WriteFile(path, []byte(DefaultLayout), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("Load diff (-want +got):\n%s", diff)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing file) succeeded")
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		edit func(string) string
	}{
		{
			name: "unknown field",
			edit: func(s string) string { return s + "bogus: 1\n" },
		}, {
			name: "bad role",
			edit: func(s string) string { return strings.Replace(s, "role: swap", "role: scratch", 1) },
		}, {
			name: "bad magic",
			edit: func(s string) string { return strings.Replace(s, "image: SFU1", "image: SFU", 1) },
		}, {
			name: "missing magic",
			edit: func(s string) string { return strings.Replace(s, "    image: SFU1\n", "", 1) },
		}, {
			name: "no flash size",
			edit: func(s string) string { return strings.Replace(s, "size: 0x10000", "size: 0", 1) },
		}, {
			name: "header at offset zero",
			edit: func(s string) string { return strings.Replace(s, "header_offset: 0x200", "header_offset: 0", 1) },
		}, {
			name: "overlapping slots",
			edit: func(s string) string { return strings.Replace(s, "base: 0x08004000", "base: 0x08003800", 1) },
		}, {
			name: "records overlap slot",
			edit: func(s string) string { return strings.Replace(s, "base: 0x0800c000", "base: 0x08008000", 1) },
		}, {
			name: "records outside flash",
			edit: func(s string) string { return strings.Replace(s, "base: 0x0800c000", "base: 0x08010000", 1) },
		}, {
			name: "negative retries",
			edit: func(s string) string { return s + "ingest:\n  max_retries: -1\n" },
		}, {
			name: "zero timeout",
			edit: func(s string) string { return s + "ingest:\n  chunk_timeout: 0s\n" },
		}, {
			name: "unknown scheme",
			edit: func(s string) string { return s + "auth:\n  scheme: rsa\n" },
		}, {
			name: "single slot",
			edit: func(s string) string { return s[:strings.Index(s, "  - name: download")] },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse([]byte(test.edit(DefaultLayout))); err == nil {
				t.Fatal("Parse succeeded")
			}
		})
	}
}

func TestRoles(t *testing.T) {
	tbl, err := Default().Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if _, ok := tbl.Swap(); !ok {
		t.Error("no swap slot")
	}
	if _, err := tbl.Find(slots.Download, testonly.Magic); err != nil {
		t.Errorf("Find(download): %v", err)
	}
}
