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

// Package sfu ties together the secure boot and firmware update pipeline.
//
// A boot cycle applies any pending install, authenticates the active slot
// and hands over to it. A download cycle receives an image into a download
// slot and requests its install, which takes place at the next boot.
//
// The flash has one owner at a time: download cycles refuse images while an
// install is pending or interrupted, so the phases always run in the order
// download, reset, install, boot.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/boot"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/ingest"
	"github.com/transparency-dev/armored-sfu/internal/install"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"k8s.io/klog/v2"
)

// ErrNoBootableImage is returned when the active slot fails authentication.
// The device must not execute any code from it.
var ErrNoBootableImage = errors.New("no bootable image")

// Indicator reports a fatal boot condition to the operator, e.g. with a
// status LED.
type Indicator interface {
	Fault(err error)
}

// Info identifies the bootloader build.
type Info struct {
	Build    string
	Revision string
	Version  string
}

// Config holds the pipeline components.
type Config struct {
	Flash     flash.Device
	Table     *slots.Table
	Auth      *auth.Authenticator
	Install   *install.Coordinator
	Jumper    *boot.Jumper
	Indicator Indicator
	Info      Info

	// BootMagic selects the image to boot, zero selects the first image
	// of the slot table.
	BootMagic uint32
	// Ingest holds options applied to download sessions.
	Ingest []ingest.Option
}

// Bootloader runs boot and download cycles.
type Bootloader struct {
	cfg Config
}

// New returns a Bootloader.
func New(cfg Config) (*Bootloader, error) {
	if cfg.BootMagic == 0 {
		cfg.BootMagic = cfg.Table.Images()[0]
	}
	if _, err := cfg.Table.Find(slots.Active, cfg.BootMagic); err != nil {
		return nil, err
	}
	return &Bootloader{cfg: cfg}, nil
}

// Boot applies a pending install, if any, then authenticates the active
// slot and jumps to it. It only returns on failure, in which case the
// caller must halt.
func (b *Bootloader) Boot() error {
	// A rejected install leaves the active slot untouched, any other
	// failure is caught by authenticating the active slot.
	_ = b.ApplyPendingInstall()

	active, err := b.cfg.Table.Find(slots.Active, b.cfg.BootMagic)
	if err != nil {
		return err
	}

	v, err := b.cfg.Auth.Authenticate(active)
	if err != nil {
		err = fmt.Errorf("%w: %v: %w", ErrNoBootableImage, active, err)
		klog.Errorf("SFU %v", err)
		if b.cfg.Indicator != nil {
			b.cfg.Indicator.Fault(err)
		}
		return err
	}

	return b.cfg.Jumper.Jump(v)
}

// ApplyPendingInstall completes a pending or interrupted install. Boot runs
// it first, and so must download mode before serving any session.
func (b *Bootloader) ApplyPendingInstall() error {
	err := b.cfg.Install.ApplyPendingInstall()
	if err != nil {
		klog.Errorf("SFU pending install failed: %v", err)
	}
	return err
}

// Download receives an image over t and requests its install. Images are
// refused with a busy status while an install is pending. The install is
// recorded before the host sees the transfer acknowledged, then the device
// resets. Session failures are reported to the host by the ingestor, the
// active slot is not affected.
func (b *Bootloader) Download(ctx context.Context, t ingest.Transport) error {
	opts := []ingest.Option{
		ingest.WithStatusProvider(b.Status),
		ingest.WithAdmission(b.cfg.Install.Idle),
		ingest.WithCommit(func(r *ingest.Result) error {
			return b.cfg.Install.StageInstall(r.Slot.ID)
		}),
	}
	opts = append(opts, b.cfg.Ingest...)

	if _, err := ingest.New(b.cfg.Flash, b.cfg.Table, opts...).Receive(ctx, t); err != nil {
		return err
	}

	return b.cfg.Install.Reset()
}

// Status returns the bootloader status.
func (b *Bootloader) Status() *api.Status {
	s := &api.Status{
		Build:      b.cfg.Info.Build,
		Revision:   b.cfg.Info.Revision,
		Version:    b.cfg.Info.Version,
		Runtime:    runtime.Version(),
		AuthScheme: b.cfg.Auth.Scheme().Name(),
	}

	if p, err := b.cfg.Install.PendingInstall(); err != nil {
		klog.Warningf("SFU could not read pending install: %v", err)
	} else {
		s.PendingInstall = p != nil
	}

	for _, slot := range b.cfg.Table.Slots() {
		s.Slots = append(s.Slots, b.slotStatus(slot))
	}

	return s
}

func (b *Bootloader) slotStatus(slot slots.Slot) *api.SlotStatus {
	s := &api.SlotStatus{
		ID:    uint32(slot.ID),
		Name:  slot.Name,
		Role:  slot.Role.String(),
		Magic: slot.Magic,
	}
	if slot.Role == slots.Swap {
		return s
	}

	buf, err := flash.ReadRegion(b.cfg.Flash, slot.Header())
	if err != nil {
		return s
	}
	m, err := api.ParseMetadata(buf)
	if err != nil || m.Magic != slot.Magic {
		return s
	}

	s.Valid = true
	s.Version = m.SemVer().String()
	s.Size = m.FirmwareSize

	return s
}
