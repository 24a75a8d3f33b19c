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

// Package rpmb is the authenticated record store the installer keeps its
// journal and rollback epochs in. RPMB is a client for the Replay Protected
// Memory Block frame exchange of any Card, FlashCard emulates such a card on
// a reserved flash region for targets without an eMMC.
//
// Init can issue a dummy write to mitigate CVE-2020-13799, see:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"errors"
	"fmt"
	"sync"
)

const keyLen = 32

// Card is the RPMB frame exchange of a storage device.
type Card interface {
	// WriteRPMB sends a request frame, reliable is set for requests
	// which modify the partition.
	WriteRPMB(buf []byte, reliable bool) error
	// ReadRPMB reads the response frame to the last request.
	ReadRPMB(buf []byte) error
}

// RPMB is a client for the authenticated partition of a Card, keyed with the
// device MAC key.
type RPMB struct {
	mu   sync.Mutex
	card Card
	key  [keyLen]byte
}

// Init returns a client for card. When writeDummy is set, dummyBlock is
// written once so that any write left uncommitted by a previous session can
// no longer be replayed.
func Init(card Card, key []byte, dummyBlock uint16, writeDummy bool) (*RPMB, error) {
	switch {
	case card == nil:
		return nil, errors.New("no RPMB card set")
	case len(key) != keyLen:
		return nil, fmt.Errorf("invalid MAC key size %d", len(key))
	}

	p := &RPMB{card: card}
	copy(p.key[:], key)

	if writeDummy {
		if err := p.Write(dummyBlock, nil); err != nil {
			return nil, fmt.Errorf("dummy write: %w", err)
		}
	}
	return p, nil
}

// ProgramKey programs the MAC key into the card. Cards accept this once.
func (p *RPMB) ProgramKey() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := &DataFrame{Req: AuthenticationKeyProgramming, KeyMAC: p.key}
	_, err := p.exchange(req, readResult)
	return err
}

// Counter returns the card write counter. With auth set the request carries
// a fresh nonce and the response MAC is verified.
func (p *RPMB) Counter(auth bool) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.counter(auth)
}

func (p *RPMB) counter(auth bool) (uint32, error) {
	var f exchangeFlags
	if auth {
		f = freshNonce | verifyResponse
	}
	res, err := p.exchange(&DataFrame{Req: WriteCounterRead}, f)
	if err != nil {
		return 0, err
	}
	return res.Counter(), nil
}

// Write stores buf, at most 256 bytes, in a partition block.
func (p *RPMB) Write(block uint16, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, err := blockRequest(AuthenticatedDataWrite, block, buf)
	if err != nil {
		return err
	}
	n, err := p.counter(true)
	if err != nil {
		return err
	}
	req.setCounter(n)

	res, err := p.exchange(req, signRequest|verifyResponse|readResult)
	if err != nil {
		return err
	}
	if res.Counter() != n+1 {
		return fmt.Errorf("write counter %d after write, want %d", res.Counter(), n+1)
	}
	return nil
}

// Read fills buf, at most 256 bytes, from a partition block.
func (p *RPMB) Read(block uint16, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, err := blockRequest(AuthenticatedDataRead, block, nil)
	if err != nil {
		return err
	}
	if len(buf) > len(req.Data) {
		return fmt.Errorf("read of %d bytes exceeds block size", len(buf))
	}

	res, err := p.exchange(req, freshNonce|verifyResponse)
	if err != nil {
		return err
	}
	copy(buf, res.Data[:])
	return nil
}
