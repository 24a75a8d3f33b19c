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

// Package config loads the device layout and pipeline settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/internal/crypto"
	"github.com/transparency-dev/armored-sfu/internal/flash"
	"github.com/transparency-dev/armored-sfu/internal/ingest"
	"github.com/transparency-dev/armored-sfu/internal/install"
	"github.com/transparency-dev/armored-sfu/internal/slots"
	"gopkg.in/yaml.v3"
)

// imageKeyPurpose diversifies the AES-GCM image key from the device secret.
const imageKeyPurpose = "SFU image authentication"

// DefaultLayout is a 64KiB device with 2KiB sectors.
const DefaultLayout = `
flash:
  base: 0x08000000
  size: 0x10000
  sector_size: 0x800
  write_size: 8
records:
  base: 0x0800c000
  size: 0x4000
slots:
  - name: active
    role: active
    image: SFU1
    base: 0x08000000
    size: 0x4000
    header_offset: 0x200
  - name: download
    role: download
    image: SFU1
    base: 0x08004000
    size: 0x4000
    header_offset: 0x200
  - name: swap
    role: swap
    base: 0x08008000
    size: 0x800
`

// Config is the device configuration.
type Config struct {
	Flash   Flash   `yaml:"flash"`
	Records Region  `yaml:"records"`
	Slots   []Slot  `yaml:"slots" validate:"required,min=2,dive"`
	Auth    Auth    `yaml:"auth"`
	Ingest  Ingest  `yaml:"ingest"`
	Install Install `yaml:"install"`
}

// Flash describes the flash geometry.
type Flash struct {
	Base       uint32 `yaml:"base"`
	Size       uint32 `yaml:"size" validate:"required"`
	SectorSize uint32 `yaml:"sector_size" validate:"required"`
	WriteSize  uint32 `yaml:"write_size" validate:"required"`
	EraseValue uint8  `yaml:"erase_value"`
}

// Region is a flash extent.
type Region struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size" validate:"required"`
}

// Slot describes a slot of the layout.
type Slot struct {
	Name string `yaml:"name" validate:"required"`
	Role string `yaml:"role" validate:"required,oneof=active download swap"`
	// Image is the four character image magic, unused for swap slots.
	Image        string `yaml:"image" validate:"omitempty,len=4"`
	Base         uint32 `yaml:"base"`
	Size         uint32 `yaml:"size" validate:"required"`
	HeaderOffset uint32 `yaml:"header_offset"`
}

// Auth selects the image authentication scheme.
type Auth struct {
	Scheme string `yaml:"scheme" validate:"oneof=ecdsa-sha256 aes-gcm"`
}

// Ingest configures download sessions.
type Ingest struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0,lte=16"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout" validate:"gt=0"`
}

// Install configures installation policy.
type Install struct {
	RollbackProtection bool `yaml:"rollback_protection"`
}

func defaults() *Config {
	return &Config{
		Flash: Flash{EraseValue: 0xff},
		Auth:  Auth{Scheme: crypto.SchemeECDSASHA256},
		Ingest: Ingest{
			MaxRetries:   3,
			ChunkTimeout: 5 * time.Second,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(b)
}

// Default returns the configuration of DefaultLayout.
func Default() *Config {
	c, err := Parse([]byte(DefaultLayout))
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates a YAML configuration, unset settings take
// their default value.
func Parse(b []byte) (*Config, error) {
	c := defaults()

	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.validateLayout(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func (c *Config) validateLayout() error {
	t, err := c.Table()
	if err != nil {
		return err
	}
	r := c.RecordsRegion()
	if !t.Geometry().Region().Contains(r.Base, int(r.Len)) {
		return fmt.Errorf("records %v outside of flash", r)
	}
	for _, s := range t.Slots() {
		if s.Region.Overlaps(r) {
			return fmt.Errorf("records %v overlap %v", r, s)
		}
	}
	return nil
}

// Geometry returns the flash geometry.
func (c *Config) Geometry() flash.Geometry {
	return flash.Geometry{
		Base:       c.Flash.Base,
		Size:       c.Flash.Size,
		SectorSize: c.Flash.SectorSize,
		WriteSize:  c.Flash.WriteSize,
		EraseValue: c.Flash.EraseValue,
	}
}

// RecordsRegion returns the flash region holding the install records.
func (c *Config) RecordsRegion() flash.Region {
	return flash.Region{Base: c.Records.Base, Len: c.Records.Size}
}

// Table returns the validated slot table.
func (c *Config) Table() (*slots.Table, error) {
	var s []slots.Slot
	for _, cs := range c.Slots {
		role, err := slots.ParseRole(cs.Role)
		if err != nil {
			return nil, err
		}
		slot := slots.Slot{
			Name:         cs.Name,
			Role:         role,
			Region:       flash.Region{Base: cs.Base, Len: cs.Size},
			HeaderOffset: cs.HeaderOffset,
		}
		if role != slots.Swap {
			if slot.Magic, err = api.ParseMagic(cs.Image); err != nil {
				return nil, fmt.Errorf("slot %q: %w", cs.Name, err)
			}
		}
		s = append(s, slot)
	}
	return slots.NewTable(c.Geometry(), s)
}

// Scheme returns the configured authentication scheme. ECDSA images are
// verified only against publicKeyPEM, the key embedded at build time, secret
// is the device secret the AES-GCM image key is derived from.
func (c *Config) Scheme(publicKeyPEM []byte, secret []byte) (crypto.Scheme, error) {
	switch c.Auth.Scheme {
	case crypto.SchemeAESGCM:
		if len(secret) == 0 {
			return nil, errors.New("aes-gcm scheme requires a device secret")
		}
		key, err := ImageKey(secret)
		if err != nil {
			return nil, err
		}
		return crypto.NewScheme(c.Auth.Scheme, nil, key)
	default:
		return crypto.NewScheme(c.Auth.Scheme, publicKeyPEM, nil)
	}
}

// ImageKey derives the AES-GCM image key from a device secret, as used by
// Scheme.
func ImageKey(secret []byte) ([]byte, error) {
	return crypto.DeriveKey(secret, imageKeyPurpose, 32)
}

// IngestOptions returns the download session options.
func (c *Config) IngestOptions() []ingest.Option {
	return []ingest.Option{
		ingest.WithMaxRetries(c.Ingest.MaxRetries),
		ingest.WithChunkTimeout(c.Ingest.ChunkTimeout),
	}
}

// InstallOptions returns the install policy options.
func (c *Config) InstallOptions() []install.Option {
	return []install.Option{
		install.WithRollbackProtection(c.Install.RollbackProtection),
	}
}
