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
	"os"
	"strings"

	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/boot"
	"github.com/transparency-dev/armored-sfu/internal/config"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/ingest"
	"github.com/transparency-dev/armored-sfu/internal/install"
	"github.com/transparency-dev/armored-sfu/internal/sfu"
	"github.com/transparency-dev/armored-sfu/rpmb"
	"k8s.io/klog/v2"
)

const developmentSecret = "armored-sfu emulator development secret"

func info() sfu.Info {
	return sfu.Info{
		Build:    Build,
		Revision: Revision,
		Version:  Version,
	}
}

// publicKeyPEM returns the embedded public key, the linker flag carries its
// line breaks escaped.
func publicKeyPEM() []byte {
	return []byte(strings.ReplaceAll(PublicKey, `\n`, "\n"))
}

// downloader receives images in download mode.
type downloader interface {
	Download(ctx context.Context, t ingest.Transport) error
}

// device emulates the target: every power on rebuilds the pipeline from the
// flash image, as a reset would.
type device struct {
	cfg    *config.Config
	path   string
	secret []byte
	uid    []byte
	info   sfu.Info
}

func (d *device) powerOn() (*sfu.Bootloader, *flash.FileDevice, error) {
	dev, err := flash.OpenFile(d.path, d.cfg.Geometry())
	if err != nil {
		return nil, nil, fmt.Errorf("could not open flash, %v", err)
	}

	bl, err := d.pipeline(dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return bl, dev, nil
}

func (d *device) pipeline(dev *flash.FileDevice) (*sfu.Bootloader, error) {
	table, err := d.cfg.Table()
	if err != nil {
		return nil, err
	}

	card, err := rpmb.NewFlashCard(dev, d.cfg.RecordsRegion())
	if err != nil {
		return nil, fmt.Errorf("could not initialize record storage, %v", err)
	}
	key := crypto.DeriveMACKey(d.secret, d.uid)
	records, err := install.OpenRecords(card, key)
	if err != nil {
		return nil, fmt.Errorf("could not open install records, %v", err)
	}

	scheme, err := d.cfg.Scheme(publicKeyPEM(), d.secret)
	if err != nil {
		return nil, fmt.Errorf("could not load authentication scheme, %v", err)
	}
	klog.Infof("SFU image authentication scheme %s", scheme.Name())

	a := auth.New(dev, crypto.Software{}, scheme)
	c := install.New(dev, table, a, records, resetter{}, d.cfg.InstallOptions()...)

	j := boot.New(dev, &cpu{dev: dev})
	j.Register(key)

	return sfu.New(sfu.Config{
		Flash:     dev,
		Table:     table,
		Auth:      a,
		Install:   c,
		Jumper:    j,
		Indicator: led{},
		Info:      d.info,
		Ingest:    d.cfg.IngestOptions(),
	})
}

// session powers the device on in download mode and runs f.
func (d *device) session(f func(downloader) error) error {
	bl, dev, err := d.powerOn()
	if err != nil {
		return err
	}
	defer dev.Close()

	// An interrupted install must complete before a download can reuse
	// its slot, a failure leaves Download refusing transfers.
	_ = bl.ApplyPendingInstall()
	return f(bl)
}

// boot powers the device on and boots the active image, it only returns
// on failure.
func (d *device) boot() error {
	bl, dev, err := d.powerOn()
	if err != nil {
		return err
	}
	defer dev.Close()

	return bl.Boot()
}

// resetter emulates a reset by returning to the caller, which powers the
// pipeline on again.
type resetter struct{}

func (resetter) Reset() error {
	klog.Info("SFU reset")
	return nil
}

// cpu emulates the hand-off, there is no firmware to run so the process
// exits once the image would have started.
type cpu struct {
	dev *flash.FileDevice
}

func (c *cpu) WipeRAM() error {
	klog.V(1).Info("SFU RAM wiped")
	return nil
}

func (c *cpu) Branch(sp, pc uint32) error {
	klog.Infof("SFU emulated hand-off complete (sp:%#.8x pc:%#.8x)", sp, pc)
	if err := c.dev.Close(); err != nil {
		return err
	}
	klog.Flush()
	os.Exit(0)
	return nil
}

// led stands for the board fault LED.
type led struct{}

func (led) Fault(err error) {
	klog.Errorf("SFU fault LED on: %v", err)
}
