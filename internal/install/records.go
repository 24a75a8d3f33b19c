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

package install

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-sfu/api"
	"github.com/transparency-dev/armored-sfu/rpmb"
	"k8s.io/klog/v2"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB sector for the pending install record
	pendingSector = 1
	// RPMB sector for the swap journal
	journalSector = 2
	// RPMB sector for rollback protection epochs
	epochSector = 3

	sectorLength = rpmb.FrameLength / 2
	// maxEpochs is the number of image magics with a stored epoch.
	maxEpochs = (sectorLength - 5) / 8
)

var (
	pendingGuard = [4]byte{'P', 'E', 'N', 'D'}
	journalGuard = [4]byte{'S', 'W', 'A', 'P'}
	epochGuard   = [4]byte{'E', 'P', 'O', 'C'}
)

// Pending is the record of an image awaiting installation.
type Pending struct {
	// Slot is the ID of the download slot holding the image.
	Slot int
	// Header is a copy of the image metadata.
	Header *api.Metadata
}

// Digest returns the SHA256 of the pending header.
func (p *Pending) Digest() [sha256.Size]byte {
	return sha256.Sum256(p.Header.Bytes())
}

// Journal tracks the progress of a slot swap.
type Journal struct {
	// Slot is the ID of the download slot being installed.
	Slot int
	// Digest identifies the pending header the journal belongs to.
	Digest [sha256.Size]byte
	// Sector is the index of the slot sector being moved.
	Sector uint32
	// Step is the next step to perform on Sector.
	Step uint32
}

// Store persists install state across resets.
type Store interface {
	Pending() (*Pending, error)
	SetPending(*Pending) error
	ClearPending() error

	Journal() (*Journal, error)
	SetJournal(*Journal) error
	ClearJournal() error

	// MinVersion returns the lowest firmware version accepted for an image
	// magic, or zero.
	MinVersion(magic uint32) (uint32, error)
	SetMinVersion(magic uint32, version uint32) error
}

// Records implements Store on an RPMB partition, so records are
// authenticated and protected against replay of older values.
type Records struct {
	partition *rpmb.RPMB
}

var _ Store = &Records{}

// OpenRecords opens the record store on card, programming the
// authentication key if the card reports it as not yet programmed.
func OpenRecords(card rpmb.Card, key []byte) (*Records, error) {
	p, err := rpmb.Init(card, key, dummySector, false)
	if err != nil {
		return nil, err
	}

	var e *rpmb.OperationError
	if _, err = p.Counter(false); errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed {
		klog.Info("SFU RPMB authentication key not yet programmed, programming")
		if err = p.ProgramKey(); err != nil {
			return nil, fmt.Errorf("could not program RPMB key: %v", err)
		}
	} else if err != nil {
		return nil, err
	}

	n, err := p.Counter(true)
	if err != nil {
		return nil, fmt.Errorf("could not authenticate RPMB counter: %v", err)
	}
	klog.V(1).Infof("SFU RPMB write counter %d", n)

	return &Records{partition: p}, nil
}

// read returns the content of a sector, or nil if it was never written or
// does not carry guard.
func (r *Records) read(sector uint16, guard [4]byte) ([]byte, error) {
	buf := make([]byte, sectorLength)

	var e *rpmb.OperationError
	if err := r.partition.Read(sector, buf); errors.As(err, &e) && e.Result == rpmb.ReadFailure {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("RPMB read sector %d: %w", sector, err)
	}

	if !bytes.Equal(buf[:4], guard[:]) {
		return nil, nil
	}
	return buf[4:], nil
}

func (r *Records) write(sector uint16, guard [4]byte, b []byte) error {
	buf := append(guard[:], b...)
	if err := r.partition.Write(sector, buf); err != nil {
		return fmt.Errorf("RPMB write sector %d: %w", sector, err)
	}
	return nil
}

func (r *Records) clear(sector uint16) error {
	if err := r.partition.Write(sector, nil); err != nil {
		return fmt.Errorf("RPMB clear sector %d: %w", sector, err)
	}
	return nil
}

func (r *Records) Pending() (*Pending, error) {
	b, err := r.read(pendingSector, pendingGuard)
	if b == nil || err != nil {
		return nil, err
	}
	m, err := api.ParseMetadata(b[4:])
	if err != nil {
		return nil, err
	}
	return &Pending{Slot: int(binary.BigEndian.Uint32(b)), Header: m}, nil
}

func (r *Records) SetPending(p *Pending) error {
	b := binary.BigEndian.AppendUint32(nil, uint32(p.Slot))
	return r.write(pendingSector, pendingGuard, append(b, p.Header.Bytes()...))
}

func (r *Records) ClearPending() error {
	return r.clear(pendingSector)
}

func (r *Records) Journal() (*Journal, error) {
	b, err := r.read(journalSector, journalGuard)
	if b == nil || err != nil {
		return nil, err
	}
	j := &Journal{
		Slot:   int(binary.BigEndian.Uint32(b[0:])),
		Sector: binary.BigEndian.Uint32(b[36:]),
		Step:   binary.BigEndian.Uint32(b[40:]),
	}
	copy(j.Digest[:], b[4:36])
	return j, nil
}

func (r *Records) SetJournal(j *Journal) error {
	b := binary.BigEndian.AppendUint32(nil, uint32(j.Slot))
	b = append(b, j.Digest[:]...)
	b = binary.BigEndian.AppendUint32(b, j.Sector)
	b = binary.BigEndian.AppendUint32(b, j.Step)
	return r.write(journalSector, journalGuard, b)
}

func (r *Records) ClearJournal() error {
	return r.clear(journalSector)
}

// epochs returns the stored version epochs, indexed by image magic.
func (r *Records) epochs() (map[uint32]uint32, error) {
	b, err := r.read(epochSector, epochGuard)
	if err != nil {
		return nil, err
	}
	e := make(map[uint32]uint32)
	if b == nil {
		return e, nil
	}
	n := int(b[0])
	if n > maxEpochs {
		return nil, fmt.Errorf("invalid epoch count %d", n)
	}
	for i := 0; i < n; i++ {
		off := 1 + i*8
		e[binary.BigEndian.Uint32(b[off:])] = binary.BigEndian.Uint32(b[off+4:])
	}
	return e, nil
}

func (r *Records) MinVersion(magic uint32) (uint32, error) {
	e, err := r.epochs()
	if err != nil {
		return 0, err
	}
	return e[magic], nil
}

func (r *Records) SetMinVersion(magic uint32, version uint32) error {
	e, err := r.epochs()
	if err != nil {
		return err
	}
	e[magic] = version
	if len(e) > maxEpochs {
		return fmt.Errorf("too many image epochs (%d)", len(e))
	}
	b := []byte{byte(len(e))}
	for m, v := range e {
		b = binary.BigEndian.AppendUint32(b, m)
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return r.write(epochSector, epochGuard, b)
}
