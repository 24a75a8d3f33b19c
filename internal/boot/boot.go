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

// Package boot hands execution over to an authenticated firmware image.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-sfu/internal/auth"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"k8s.io/klog/v2"
)

// VectorSize is the size of the boot vector at the start of the firmware
// body: the initial stack pointer followed by the reset vector.
const VectorSize = 8

var (
	// ErrNoVector is returned when the firmware is too short to hold a
	// boot vector.
	ErrNoVector = errors.New("firmware too short for boot vector")
	// ErrHandoffReturned is returned when the CPU branch returned control.
	ErrHandoffReturned = errors.New("hand-off returned")
)

// CPU performs the final hand-off.
type CPU interface {
	// WipeRAM clears all RAM not required to pass control.
	WipeRAM() error
	// Branch loads the stack pointer and jumps to pc, it does not return
	// on success.
	Branch(sp, pc uint32) error
}

// Jumper transfers control to authenticated images.
type Jumper struct {
	dev     flash.Reader
	cpu     CPU
	secrets [][]byte
}

// New returns a Jumper reading boot vectors from dev.
func New(dev flash.Reader, cpu CPU) *Jumper {
	return &Jumper{
		dev: dev,
		cpu: cpu,
	}
}

// Register adds buffers holding secrets, such as key material used during
// authentication, to be zeroed before the hand-off.
func (j *Jumper) Register(b ...[]byte) {
	j.secrets = append(j.secrets, b...)
}

// Vector returns the initial stack pointer and reset vector of an image.
func Vector(dev flash.Reader, v *auth.Verified) (sp uint32, pc uint32, err error) {
	if v.Firmware.Len < VectorSize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrNoVector, v.Firmware.Len)
	}
	b, err := dev.Read(v.Firmware.Base, VectorSize)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]), nil
}

// Jump wipes secrets and RAM, then branches to the image entry point. It
// only returns on failure.
//
// The image must have been authenticated, no validation is performed here.
func (j *Jumper) Jump(v *auth.Verified) error {
	sp, pc, err := Vector(j.dev, v)
	if err != nil {
		return err
	}

	for _, s := range j.secrets {
		clear(s)
	}
	j.secrets = nil

	if err := j.cpu.WipeRAM(); err != nil {
		return fmt.Errorf("could not wipe RAM: %w", err)
	}

	klog.Infof("SFU starting %v sp:%#.8x pc:%#.8x", v.Metadata, sp, pc)
	klog.Flush()

	if err := j.cpu.Branch(sp, pc); err != nil {
		return fmt.Errorf("branch to %#.8x: %w", pc, err)
	}

	return ErrHandoffReturned
}
