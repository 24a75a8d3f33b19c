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

// Package install moves authenticated images from a download slot into the
// active slot.
//
// An install is requested by persisting the downloaded header and resetting.
// At the next boot the download slot is authenticated in place, then moved
// sector by sector into the active slot. With a swap slot the sectors are
// rotated, leaving the previous image in the download slot, otherwise they
// are copied. Each step is journaled so an interrupted install resumes where
// it stopped.
package install

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/metrics"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"k8s.io/klog/v2"
)

var (
	// ErrRejectedCorruptImage is returned when the pending image fails
	// authentication, the active slot is left untouched.
	ErrRejectedCorruptImage = errors.New("rejected corrupt image")
	// ErrRollback is returned when the pending image is older than the
	// installed version epoch.
	ErrRollback = errors.New("firmware version rollback")
	// ErrNotDownloadSlot is returned when an install is requested from a
	// slot other than a download slot.
	ErrNotDownloadSlot = errors.New("not a download slot")
	// ErrInstallFailed is returned when moving an authenticated image
	// failed.
	ErrInstallFailed = errors.New("install failed")
	// ErrInstallPending is returned by Idle while an install is pending or
	// in progress.
	ErrInstallPending = errors.New("install pending")
)

// Resetter restarts the device.
type Resetter interface {
	Reset() error
}

// Coordinator performs installs.
type Coordinator struct {
	dev   flash.Device
	table *slots.Table
	auth  *auth.Authenticator
	store Store
	reset Resetter
	cfg   *config
}

// New returns a Coordinator for the slots in table.
func New(dev flash.Device, table *slots.Table, a *auth.Authenticator, store Store, reset Resetter, opts ...Option) *Coordinator {
	metrics.Init()

	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	return &Coordinator{
		dev:   dev,
		table: table,
		auth:  a,
		store: store,
		reset: reset,
		cfg:   cfg,
	}
}

// RequestInstall records the header of the image downloaded in slot id as
// pending installation, then resets the device.
func (c *Coordinator) RequestInstall(id int) error {
	if err := c.StageInstall(id); err != nil {
		return err
	}
	return c.Reset()
}

// StageInstall records the header of the image downloaded in slot id as
// pending installation, without resetting.
func (c *Coordinator) StageInstall(id int) error {
	slot, err := c.table.Slot(id)
	if err != nil {
		return err
	}
	if slot.Role != slots.Download {
		return fmt.Errorf("%v: %w", slot, ErrNotDownloadSlot)
	}

	b, err := flash.ReadRegion(c.dev, slot.Header())
	if err != nil {
		return fmt.Errorf("could not read %v header: %w", slot, err)
	}
	m, err := api.ParseMetadata(b)
	if err != nil {
		return err
	}
	if m.Magic != slot.Magic {
		return fmt.Errorf("%v: %w", slot, auth.ErrMagicMismatch)
	}

	if err := c.store.SetPending(&Pending{Slot: slot.ID, Header: m}); err != nil {
		return fmt.Errorf("could not record pending install: %w", err)
	}

	klog.Infof("SFU install of %v pending from %v", m, slot)

	return nil
}

// Reset resets the device so that the pending install is applied.
func (c *Coordinator) Reset() error {
	klog.Info("SFU resetting to install")
	return c.reset.Reset()
}

// Idle returns an error wrapping ErrInstallPending while an install is
// pending or was interrupted. The download slots then hold the only copy
// of sectors the install still has to move, and must not be written.
func (c *Coordinator) Idle() error {
	p, err := c.store.Pending()
	if err != nil {
		return fmt.Errorf("could not read pending install: %w", err)
	}
	j, err := c.store.Journal()
	if err != nil {
		return fmt.Errorf("could not read install journal: %w", err)
	}
	switch {
	case j != nil:
		return fmt.Errorf("%w: interrupted at sector %d step %d", ErrInstallPending, j.Sector, j.Step)
	case p != nil:
		return fmt.Errorf("%w: %v from slot %d", ErrInstallPending, p.Header, p.Slot)
	}
	return nil
}

// PendingInstall returns the pending install record, if any.
func (c *Coordinator) PendingInstall() (*Pending, error) {
	return c.store.Pending()
}

// ApplyPendingInstall installs the pending image, if any, resuming an
// interrupted install. It is meant to run once, early at boot, before the
// active slot is authenticated.
func (c *Coordinator) ApplyPendingInstall() error {
	p, err := c.store.Pending()
	if err != nil {
		return fmt.Errorf("could not read pending install: %w", err)
	}
	j, err := c.store.Journal()
	if err != nil {
		return fmt.Errorf("could not read install journal: %w", err)
	}

	if p == nil {
		if j != nil {
			klog.Warningf("SFU clearing install journal without pending install")
			return c.store.ClearJournal()
		}
		return nil
	}

	download, err := c.table.Slot(p.Slot)
	if err == nil && download.Role != slots.Download {
		err = fmt.Errorf("%v: %w", download, ErrNotDownloadSlot)
	}
	if err != nil {
		return c.reject(err)
	}
	active, err := c.table.Find(slots.Active, download.Magic)
	if err != nil {
		return c.reject(err)
	}

	if j != nil && (j.Slot != p.Slot || j.Digest != p.Digest()) {
		klog.Warningf("SFU discarding install journal of another image")
		j = nil
	}

	if j == nil {
		if err := c.verify(p, download); err != nil {
			return c.reject(err)
		}
		j = &Journal{Slot: p.Slot, Digest: p.Digest()}
		if err := c.store.SetJournal(j); err != nil {
			return fmt.Errorf("could not start install journal: %w", err)
		}
		klog.Infof("SFU installing %v from %v to %v", p.Header, download, active)
	} else {
		metrics.Installs.Inc("resumed")
		klog.Infof("SFU resuming install of %v at sector %d step %d", p.Header, j.Sector, j.Step)
	}

	if err := c.move(j, active, download); err != nil {
		metrics.Installs.Inc("failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	return c.finish(p, active)
}

// verify authenticates the pending image in place.
func (c *Coordinator) verify(p *Pending, download slots.Slot) error {
	v, err := c.auth.Authenticate(download)
	if err != nil {
		return err
	}
	if !bytes.Equal(v.Metadata.Bytes(), p.Header.Bytes()) {
		return errors.New("download slot header differs from pending record")
	}

	if !c.cfg.rollback {
		return nil
	}
	epoch, err := c.store.MinVersion(v.Metadata.Magic)
	if err != nil {
		return err
	}
	if got, want := v.Metadata.SemVer(), api.UnpackVersion(epoch); got.LessThan(want) {
		return fmt.Errorf("%w: %v older than %v", ErrRollback, got, want)
	}
	return nil
}

func (c *Coordinator) reject(cause error) error {
	metrics.Installs.Inc("rejected")
	klog.Warningf("SFU pending install rejected: %v", cause)

	if err := c.store.ClearPending(); err != nil {
		return fmt.Errorf("could not clear pending install: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrRejectedCorruptImage, cause)
}

// move transfers the download slot to the active slot starting from the
// position recorded in j, journaling each completed step.
func (c *Coordinator) move(j *Journal, active, download slots.Slot) error {
	size := c.table.Geometry().SectorSize
	n := active.Region.Len / size

	swap, hasSwap := c.table.Swap()
	steps := uint32(1)
	if hasSwap {
		steps = 3
	}

	for j.Sector < n {
		a, _ := active.Region.Slice(j.Sector*size, size)
		d, _ := download.Region.Slice(j.Sector*size, size)

		var dst, src flash.Region
		switch {
		case !hasSwap:
			dst, src = a, d
		case j.Step == 0:
			dst, src = flash.Region{Base: swap.Region.Base, Len: size}, a
		case j.Step == 1:
			dst, src = a, d
		default:
			dst, src = d, flash.Region{Base: swap.Region.Base, Len: size}
		}

		klog.V(2).Infof("SFU install sector %d/%d step %d: %v -> %v", j.Sector+1, n, j.Step, src, dst)
		if err := c.dev.Erase(dst); err != nil {
			return err
		}
		if err := flash.Copy(c.dev, dst, src, size); err != nil {
			return err
		}

		if j.Step++; j.Step == steps {
			j.Sector, j.Step = j.Sector+1, 0
		}
		if err := c.store.SetJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// finish checks the installed image and retires the install records.
func (c *Coordinator) finish(p *Pending, active slots.Slot) error {
	v, err := c.auth.Authenticate(active)
	if err == nil && !bytes.Equal(v.Metadata.Bytes(), p.Header.Bytes()) {
		err = errors.New("active slot header differs from pending record")
	}
	if err != nil {
		metrics.Installs.Inc("failed")
		klog.Errorf("SFU installed image failed authentication: %v", err)
		if cerr := c.clear(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if c.cfg.rollback {
		epoch, err := c.store.MinVersion(v.Metadata.Magic)
		if err != nil {
			return err
		}
		if v.Metadata.FirmwareVersion > epoch {
			if err := c.store.SetMinVersion(v.Metadata.Magic, v.Metadata.FirmwareVersion); err != nil {
				return fmt.Errorf("could not update version epoch: %w", err)
			}
		}
	}

	if err := c.clear(); err != nil {
		return err
	}

	metrics.Installs.Inc("installed")
	klog.Infof("SFU installed %v in %v", v.Metadata, active)

	return nil
}

// clear removes the pending record before the journal, so that an
// interrupted clear never restarts an install from the download slot.
func (c *Coordinator) clear() error {
	if err := c.store.ClearPending(); err != nil {
		return fmt.Errorf("could not clear pending install: %w", err)
	}
	if err := c.store.ClearJournal(); err != nil {
		return fmt.Errorf("could not clear install journal: %w", err)
	}
	return nil
}
