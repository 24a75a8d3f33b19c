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

package flash

import (
	"errors"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

// FileDevice is a MemDevice whose contents are persisted to a file after
// every erase or program operation, so that state survives an emulated
// reset.
type FileDevice struct {
	*MemDevice

	f *os.File
}

var _ Device = &FileDevice{}

// OpenFile opens, or creates, the flash image at path.
//
// A newly created image is fully erased, an existing one must match the
// geometry size exactly.
func OpenFile(path string, geo Geometry) (*FileDevice, error) {
	m, err := NewMemDevice(geo)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	switch fi.Size() {
	case 0:
		klog.Infof("Creating flash image %q (%d bytes)", path, geo.Size)
		if _, err := f.WriteAt(m.mem, 0); err != nil {
			f.Close()
			return nil, err
		}
	case int64(geo.Size):
		if _, err := io.ReadFull(f, m.mem); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to load flash image %q: %v", path, err)
		}
	default:
		f.Close()
		return nil, fmt.Errorf("flash image %q has size %d, expected %d", path, fi.Size(), geo.Size)
	}

	return &FileDevice{MemDevice: m, f: f}, nil
}

// Erase erases r and persists the change.
func (d *FileDevice) Erase(r Region) error {
	if err := d.MemDevice.Erase(r); err != nil {
		return err
	}
	return d.persist(r.Base, int(r.Len))
}

// Write programs b at addr and persists the change.
func (d *FileDevice) Write(addr uint32, b []byte) error {
	if err := d.MemDevice.Write(addr, b); err != nil {
		return err
	}
	return d.persist(addr, len(b))
}

func (d *FileDevice) persist(addr uint32, n int) error {
	off := int(addr - d.geo.Base)
	if _, err := d.f.WriteAt(d.mem[off:off+n], int64(off)); err != nil {
		return &Error{Op: "persist", Addr: addr, Err: err}
	}
	return d.f.Sync()
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	if d.f == nil {
		return errors.New("already closed")
	}
	err := d.f.Close()
	d.f = nil
	return err
}
