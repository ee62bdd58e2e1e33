// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

// crcTable holds the CRC of every 4-bit value for polynomial 0x1021
var crcTable = [16]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50A5, 0x60C6, 0x70E7,
	0x8108, 0x9129, 0xA14A, 0xB16B, 0xC18C, 0xD1AD, 0xE1CE, 0xF1EF,
}

// CalculateCRC computes the CRC-16-CCITT checksum (initial value 0) for the
// given data, four bits at a time.
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc = updateNibble(crc, b>>4)
		crc = updateNibble(crc, b&0x0F)
	}
	return crc
}

// updateNibble feeds the low four bits of n into crc
func updateNibble(crc uint16, n byte) uint16 {
	idx := byte(crc>>12) ^ n
	return crcTable[idx&0x0F] ^ (crc << 4)
}
