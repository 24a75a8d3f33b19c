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

package rpmb

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-sfu/internal/flash"
	"k8s.io/klog/v2"
)

// FlashCard emulates an RPMB partition on a flash region.
//
// Every 256 byte block is stored as a full write request frame in one of two
// flash sectors, alternating between them on each write. A frame is valid
// when its MAC verifies under the programmed key, the copy with the highest
// write counter wins. An interrupted write therefore leaves the previous
// copy readable.
//
// The authentication key is held in RAM only: it must be programmed again,
// with the same derived value, after every reset.
type FlashCard struct {
	sync.Mutex

	dev    flash.Device
	region flash.Region
	sector uint32
	blocks uint16

	key     []byte
	counter uint32

	// result is the outcome of the last reliable write.
	result *DataFrame
	// pending is the response returned by the next ReadRPMB.
	pending *DataFrame
}

var _ Card = &FlashCard{}

// NewFlashCard returns a card using region of dev, which must be sector
// aligned and span at least two sectors.
func NewFlashCard(dev flash.Device, region flash.Region) (*FlashCard, error) {
	geo := dev.Geometry()
	if !geo.Region().Contains(region.Base, int(region.Len)) {
		return nil, fmt.Errorf("RPMB region %v: %w", region, flash.ErrOutOfRange)
	}
	if region.Base%geo.SectorSize != 0 || region.Len%geo.SectorSize != 0 {
		return nil, fmt.Errorf("RPMB region %v: %w", region, flash.ErrAlignment)
	}
	if geo.SectorSize < FrameLength {
		return nil, fmt.Errorf("sector size %d smaller than RPMB frame", geo.SectorSize)
	}
	blocks := region.Len / geo.SectorSize / 2
	if blocks == 0 {
		return nil, fmt.Errorf("RPMB region %v too small", region)
	}
	if blocks > 0xffff {
		blocks = 0xffff
	}
	return &FlashCard{
		dev:    dev,
		region: region,
		sector: geo.SectorSize,
		blocks: uint16(blocks),
	}, nil
}

// Blocks returns the number of 256 byte blocks in the partition.
func (c *FlashCard) Blocks() uint16 {
	return c.blocks
}

func (c *FlashCard) copyAddr(block uint16, copy int) uint32 {
	return c.region.Base + (uint32(block)*2+uint32(copy))*c.sector
}

// load returns the valid copies of a block frame, indexed by copy.
func (c *FlashCard) load(block uint16) [2]*DataFrame {
	var r [2]*DataFrame
	for i := range r {
		buf, err := c.dev.Read(c.copyAddr(block, i), FrameLength)
		if err != nil {
			klog.V(2).Infof("RPMB block %d copy %d: %v", block, i, err)
			continue
		}
		d, err := ParseDataFrame(buf)
		if err != nil {
			continue
		}
		if d.Req != AuthenticatedDataWrite || d.Addr() != block || !hmac.Equal(d.KeyMAC[:], frameMAC(c.key, buf)) {
			continue
		}
		r[i] = d
	}
	return r
}

// latest returns the most recent valid copy of a block and the index of the
// copy to overwrite next.
func latest(copies [2]*DataFrame) (*DataFrame, int) {
	switch {
	case copies[0] == nil && copies[1] == nil:
		return nil, 0
	case copies[1] == nil:
		return copies[0], 1
	case copies[0] == nil:
		return copies[1], 0
	case copies[1].Counter() > copies[0].Counter():
		return copies[1], 0
	default:
		return copies[0], 1
	}
}

// scan recovers the write counter from the stored frames.
func (c *FlashCard) scan() {
	c.counter = 0
	for b := uint16(0); b < c.blocks; b++ {
		if d, _ := latest(c.load(b)); d != nil && d.Counter() > c.counter {
			c.counter = d.Counter()
		}
	}
}

func (c *FlashCard) response(req *DataFrame, result uint16) *DataFrame {
	res := &DataFrame{
		Resp:    req.Req,
		Nonce:   req.Nonce,
		Address: req.Address,
	}
	binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
	binary.BigEndian.PutUint16(res.Result[:], result)
	return res
}

func (c *FlashCard) sign(res *DataFrame) *DataFrame {
	if c.key != nil {
		copy(res.KeyMAC[:], frameMAC(c.key, res.Bytes()))
	}
	return res
}

// WriteRPMB processes a request frame.
func (c *FlashCard) WriteRPMB(buf []byte, reliable bool) error {
	c.Lock()
	defer c.Unlock()

	req, err := ParseDataFrame(buf)
	if err != nil {
		return err
	}

	switch req.Req {
	case AuthenticationKeyProgramming:
		result := uint16(OperationOK)
		if c.key != nil {
			result = GeneralFailure
		} else {
			c.key = append([]byte(nil), req.KeyMAC[:]...)
			c.scan()
		}
		c.result = c.response(req, result)
	case WriteCounterRead:
		if c.key == nil {
			c.pending = c.response(req, AuthenticationKeyNotYetProgrammed)
			return nil
		}
		c.pending = c.sign(c.response(req, OperationOK))
	case AuthenticatedDataWrite:
		if !reliable {
			return errors.New("authenticated write requires reliable write")
		}
		c.result = c.sign(c.write(req, buf))
	case AuthenticatedDataRead:
		c.pending = c.sign(c.read(req))
	case ResultRead:
		if c.result == nil {
			c.pending = c.response(req, GeneralFailure)
			return nil
		}
		c.pending = c.result
		c.result = nil
	default:
		c.pending = c.response(req, GeneralFailure)
	}

	return nil
}

func (c *FlashCard) write(req *DataFrame, buf []byte) *DataFrame {
	switch {
	case c.key == nil:
		return c.response(req, AuthenticationKeyNotYetProgrammed)
	case !hmac.Equal(req.KeyMAC[:], frameMAC(c.key, buf)):
		return c.response(req, AuthenticationFailure)
	case req.Counter() != c.counter:
		return c.response(req, CounterFailure)
	case req.Addr() >= c.blocks || binary.BigEndian.Uint16(req.BlockCount[:]) != 1:
		return c.response(req, AddressFailure)
	}

	block := req.Addr()
	_, next := latest(c.load(block))

	// The stored frame carries the incremented counter, re-authenticated
	// with the card key.
	stored := *req
	binary.BigEndian.PutUint32(stored.WriteCounter[:], c.counter+1)
	copy(stored.KeyMAC[:], frameMAC(c.key, stored.Bytes()))

	addr := c.copyAddr(block, next)
	if err := c.dev.Erase(flash.Region{Base: addr, Len: c.sector}); err != nil {
		klog.Errorf("RPMB erase block %d copy %d: %v", block, next, err)
		return c.response(req, WriteFailure)
	}
	if err := c.dev.Write(addr, stored.Bytes()); err != nil {
		klog.Errorf("RPMB write block %d copy %d: %v", block, next, err)
		return c.response(req, WriteFailure)
	}

	c.counter++
	klog.V(2).Infof("RPMB block %d written to copy %d, counter %d", block, next, c.counter)

	return c.response(req, OperationOK)
}

func (c *FlashCard) read(req *DataFrame) *DataFrame {
	if c.key == nil {
		return c.response(req, AuthenticationKeyNotYetProgrammed)
	}
	if req.Addr() >= c.blocks {
		return c.response(req, AddressFailure)
	}
	d, _ := latest(c.load(req.Addr()))
	if d == nil {
		return c.response(req, ReadFailure)
	}
	res := c.response(req, OperationOK)
	res.Data = d.Data
	return res
}

// ReadRPMB returns the response to the last request.
func (c *FlashCard) ReadRPMB(buf []byte) error {
	c.Lock()
	defer c.Unlock()

	if len(buf) != FrameLength {
		return fmt.Errorf("invalid frame length %d", len(buf))
	}
	if c.pending == nil {
		return errors.New("no RPMB response pending")
	}
	copy(buf, c.pending.Bytes())
	c.pending = nil
	return nil
}
