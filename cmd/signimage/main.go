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

// The signimage tool builds signed firmware images, and generates the keys
// to sign them with.
package main

import (
	"flag"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/config"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/image"
	"k8s.io/klog/v2"
)

var (
	generate      = flag.Bool("generate_key", false, "Generate a P-256 key pair into --private_key_file and --public_key_file.")
	privKeyFile   = flag.String("private_key_file", "", "PKCS#8 PEM private key used to sign with the ecdsa-sha256 scheme.")
	pubKeyFile    = flag.String("public_key_file", "", "File to write the PKIX PEM public key to with --generate_key.")
	secretFile    = flag.String("secret_file", "", "Device secret the aes-gcm image key is derived from.")
	scheme        = flag.String("scheme", crypto.SchemeECDSASHA256, "Authentication scheme, ecdsa-sha256 or aes-gcm.")
	firmwareFile  = flag.String("firmware_file", "", "Firmware body to sign.")
	outputFile    = flag.String("output_file", "", "File to write the signed image to.")
	magic         = flag.String("magic", "SFU1", "Four character slot magic the image is built for.")
	versionString = flag.String("version", "", "Semantic version of the firmware.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *generate {
		generateOrDie(*privKeyFile, *pubKeyFile)
		return
	}

	v, err := semver.NewVersion(*versionString)
	if err != nil {
		klog.Exitf("Invalid --version %q: %v", *versionString, err)
	}
	m, err := api.ParseMagic(*magic)
	if err != nil {
		klog.Exitf("Invalid --magic: %v", err)
	}
	fw, err := os.ReadFile(*firmwareFile)
	if err != nil {
		klog.Exitf("Failed to read firmware %q: %v", *firmwareFile, err)
	}

	img, err := image.Build(signerOrDie(*scheme), m, *v, fw)
	if err != nil {
		klog.Exitf("Failed to build image: %v", err)
	}
	hdr, _, err := image.Split(img)
	if err != nil {
		klog.Exitf("Built invalid image: %v", err)
	}
	klog.Infof("Signed %v", hdr)

	if err := os.WriteFile(*outputFile, img, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes of signed image to %q", len(img), *outputFile)
}

func generateOrDie(privPath, pubPath string) {
	if privPath == "" || pubPath == "" {
		klog.Exit("--generate_key needs --private_key_file and --public_key_file")
	}

	k, err := crypto.GenerateKey()
	if err != nil {
		klog.Exitf("Failed to generate key: %v", err)
	}
	priv, err := crypto.MarshalPrivateKeyPEM(k)
	if err != nil {
		klog.Exitf("Failed to encode private key: %v", err)
	}
	pub, err := crypto.MarshalPublicKeyPEM(&k.PublicKey)
	if err != nil {
		klog.Exitf("Failed to encode public key: %v", err)
	}

	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote key pair to %q and %q", privPath, pubPath)
}

func signerOrDie(name string) crypto.Signer {
	switch name {
	case crypto.SchemeECDSASHA256:
		b, err := os.ReadFile(*privKeyFile)
		if err != nil {
			klog.Exitf("Failed to read private key %q: %v", *privKeyFile, err)
		}
		k, err := crypto.ParsePrivateKeyPEM(b)
		if err != nil {
			klog.Exitf("Invalid private key: %v", err)
		}
		s, err := crypto.NewECDSASigner(k)
		if err != nil {
			klog.Exitf("NewECDSASigner: %v", err)
		}
		return s
	case crypto.SchemeAESGCM:
		secret, err := os.ReadFile(*secretFile)
		if err != nil {
			klog.Exitf("Failed to read device secret %q: %v", *secretFile, err)
		}
		key, err := config.ImageKey(secret)
		if err != nil {
			klog.Exitf("Failed to derive image key: %v", err)
		}
		return crypto.AESGCMSigner{Key: key}
	default:
		klog.Exitf("Unknown scheme %q", name)
	}
	return nil
}
