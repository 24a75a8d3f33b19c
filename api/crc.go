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

package api

// CRC-16/CCITT-FALSE parameters.
const (
	crc16Polynomial   = 0x1021
	crc16InitialValue = 0xffff
)

// CRC16 computes the CRC-16/CCITT-FALSE checksum of data (polynomial 0x1021,
// initial value 0xffff, no final XOR).
func CRC16(data []byte) uint16 {
	crc := uint16(crc16InitialValue)

	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Polynomial
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
