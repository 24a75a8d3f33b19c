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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Data frame layout (JESD84-B51 6.6.22), fields are big endian.
const (
	offKeyMAC  = 196
	offData    = offKeyMAC + 32
	offNonce   = offData + 256
	offCounter = offNonce + 16
	offAddress = offCounter + 4
	offCount   = offAddress + 2
	offResult  = offCount + 2
	offResp    = offResult + 2
	offReq     = offResp + 1

	// FrameLength is the size of a request or response frame.
	FrameLength = offReq + 1
)

// Request types.
const (
	AuthenticationKeyProgramming          = 0x01
	WriteCounterRead                      = 0x02
	AuthenticatedDataWrite                = 0x03
	AuthenticatedDataRead                 = 0x04
	ResultRead                            = 0x05
	AuthenticatedDeviceConfigurationWrite = 0x06
	AuthenticatedDeviceConfigurationRead  = 0x07
)

// Operation results.
const (
	OperationOK                       = 0x00
	GeneralFailure                    = 0x01
	AuthenticationFailure             = 0x02
	CounterFailure                    = 0x03
	AddressFailure                    = 0x04
	WriteFailure                      = 0x05
	ReadFailure                       = 0x06
	AuthenticationKeyNotYetProgrammed = 0x07
)

var resultNames = map[uint16]string{
	GeneralFailure:                    "general failure",
	AuthenticationFailure:             "authentication failure",
	CounterFailure:                    "counter failure",
	AddressFailure:                    "address failure",
	WriteFailure:                      "write failure",
	ReadFailure:                       "read failure",
	AuthenticationKeyNotYetProgrammed: "key not programmed",
}

// OperationError is a non-OK result reported by the card.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	if n, ok := resultNames[e.Result]; ok {
		return "RPMB " + n
	}
	return fmt.Sprintf("RPMB result %#x", e.Result)
}

// DataFrame is an RPMB request or response frame.
type DataFrame struct {
	StuffBytes   [offKeyMAC]byte
	KeyMAC       [keyLen]byte
	Data         [offNonce - offData]byte
	Nonce        [offCounter - offNonce]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	Resp         byte
	Req          byte
}

func (d *DataFrame) Counter() uint32 { return binary.BigEndian.Uint32(d.WriteCounter[:]) }
func (d *DataFrame) Addr() uint16    { return binary.BigEndian.Uint16(d.Address[:]) }
func (d *DataFrame) Status() uint16  { return binary.BigEndian.Uint16(d.Result[:]) }

func (d *DataFrame) setCounter(n uint32) { binary.BigEndian.PutUint32(d.WriteCounter[:], n) }

// Bytes returns the wire encoding of d.
func (d *DataFrame) Bytes() []byte {
	b := make([]byte, FrameLength)
	copy(b, d.StuffBytes[:])
	copy(b[offKeyMAC:], d.KeyMAC[:])
	copy(b[offData:], d.Data[:])
	copy(b[offNonce:], d.Nonce[:])
	copy(b[offCounter:], d.WriteCounter[:])
	copy(b[offAddress:], d.Address[:])
	copy(b[offCount:], d.BlockCount[:])
	copy(b[offResult:], d.Result[:])
	b[offResp] = d.Resp
	b[offReq] = d.Req
	return b
}

// ParseDataFrame decodes a frame of exactly FrameLength bytes.
func ParseDataFrame(b []byte) (*DataFrame, error) {
	if len(b) != FrameLength {
		return nil, fmt.Errorf("invalid frame length %d", len(b))
	}
	d := &DataFrame{Resp: b[offResp], Req: b[offReq]}
	copy(d.StuffBytes[:], b)
	copy(d.KeyMAC[:], b[offKeyMAC:])
	copy(d.Data[:], b[offData:])
	copy(d.Nonce[:], b[offNonce:])
	copy(d.WriteCounter[:], b[offCounter:])
	copy(d.Address[:], b[offAddress:])
	copy(d.BlockCount[:], b[offCount:])
	copy(d.Result[:], b[offResult:])
	return d, nil
}

// frameMAC authenticates the frame from the data field onwards.
func frameMAC(key []byte, b []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(b[offData:])
	return mac.Sum(nil)
}

// blockRequest returns a single block data request.
func blockRequest(kind byte, block uint16, data []byte) (*DataFrame, error) {
	req := &DataFrame{Req: kind}
	if len(data) > len(req.Data) {
		return nil, fmt.Errorf("transfer of %d bytes exceeds block size", len(data))
	}
	binary.BigEndian.PutUint16(req.Address[:], block)
	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	copy(req.Data[:], data)
	return req, nil
}

type exchangeFlags uint8

const (
	// signRequest sets the request MAC.
	signRequest exchangeFlags = 1 << iota
	// verifyResponse checks the response MAC.
	verifyResponse
	// freshNonce fills the request nonce with random bytes.
	freshNonce
	// readResult fetches the response with a result read request.
	readResult
)

func modifies(kind byte) bool {
	return kind == AuthenticationKeyProgramming || kind == AuthenticatedDataWrite || kind == AuthenticatedDeviceConfigurationWrite
}

// exchange sends req and returns the validated response, the caller holds
// p.mu.
func (p *RPMB) exchange(req *DataFrame, f exchangeFlags) (*DataFrame, error) {
	if p.card == nil {
		return nil, errors.New("RPMB client not initialized")
	}

	if f&freshNonce != 0 {
		if _, err := rand.Read(req.Nonce[:]); err != nil {
			return nil, err
		}
	}
	if f&signRequest != 0 {
		copy(req.KeyMAC[:], frameMAC(p.key[:], req.Bytes()))
	}

	if err := p.card.WriteRPMB(req.Bytes(), modifies(req.Req)); err != nil {
		return nil, err
	}
	if f&readResult != 0 {
		rr := &DataFrame{Req: ResultRead}
		if err := p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return nil, err
		}
	}

	b := make([]byte, FrameLength)
	if err := p.card.ReadRPMB(b); err != nil {
		return nil, err
	}
	res, err := ParseDataFrame(b)
	if err != nil {
		return nil, err
	}

	switch {
	case f&verifyResponse != 0 && !hmac.Equal(res.KeyMAC[:], frameMAC(p.key[:], b)):
		return nil, errors.New("invalid response MAC")
	case res.Resp != req.Req:
		return nil, fmt.Errorf("response type %#x to request %#x", res.Resp, req.Req)
	case res.Nonce != req.Nonce:
		return nil, errors.New("nonce mismatch")
	case res.Status() != OperationOK:
		return nil, &OperationError{Result: res.Status()}
	}
	return res, nil
}
