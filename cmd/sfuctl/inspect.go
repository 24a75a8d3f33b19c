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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/config"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/image"
	"github.com/urfave/cli/v3"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Decode an image header, and verify it when a key is given",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "Signed image file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "public-key",
				Usage: "PKIX PEM public key verifying ecdsa-sha256 images",
			},
			&cli.StringFlag{
				Name:  "secret",
				Usage: "Device secret file verifying aes-gcm images",
			},
		},
		Action: runInspectCommand,
	}
}

func runInspectCommand(_ context.Context, cmd *cli.Command) error {
	img, err := os.ReadFile(cmd.String("image"))
	if err != nil {
		return err
	}

	var scheme crypto.Scheme
	switch {
	case cmd.String("public-key") != "":
		pem, err := os.ReadFile(cmd.String("public-key"))
		if err != nil {
			return err
		}
		if scheme, err = crypto.NewScheme(crypto.SchemeECDSASHA256, pem, nil); err != nil {
			return err
		}
	case cmd.String("secret") != "":
		secret, err := os.ReadFile(cmd.String("secret"))
		if err != nil {
			return err
		}
		key, err := config.ImageKey(secret)
		if err != nil {
			return err
		}
		if scheme, err = crypto.NewScheme(crypto.SchemeAESGCM, nil, key); err != nil {
			return err
		}
	}

	return inspect(cmd.Root().Writer, img, scheme)
}

// inspect prints the header of img, then authenticates it if scheme is set.
func inspect(w io.Writer, img []byte, scheme crypto.Scheme) error {
	m, fw, err := image.Split(img)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Magic ..................: %s\n", api.MagicString(m.Magic))
	fmt.Fprintf(w, "Firmware size ..........: %d\n", m.FirmwareSize)
	fmt.Fprintf(w, "Firmware version .......: %s\n", m.SemVer())
	fmt.Fprintf(w, "Firmware tag ...........: %x\n", m.FirmwareTag)
	fmt.Fprintf(w, "Meta tag ...............: %x\n", m.MetaTag)
	if len(img) > api.HeaderSize+len(fw) {
		fmt.Fprintf(w, "Trailing bytes .........: %d\n", len(img)-api.HeaderSize-len(fw))
	}

	if scheme == nil {
		return nil
	}

	// Authenticate exactly as a device would, from an emulated slot.
	const sector = 4096
	size := flash.AlignUp(uint32(len(img)), sector)
	dev, err := flash.NewMemDevice(flash.Geometry{Size: size, SectorSize: sector, WriteSize: 1, EraseValue: 0xff})
	if err != nil {
		return err
	}
	if err := dev.Write(0, img); err != nil {
		return err
	}

	body := flash.Region{Base: api.HeaderSize, Len: size - api.HeaderSize}
	if _, err := auth.New(dev, crypto.Software{}, scheme).AuthenticateAt(m.Magic, 0, body); err != nil {
		fmt.Fprintf(w, "Authentication .........: FAILED (%s)\n", scheme.Name())
		return err
	}
	fmt.Fprintf(w, "Authentication .........: ok (%s)\n", scheme.Name())
	return nil
}
