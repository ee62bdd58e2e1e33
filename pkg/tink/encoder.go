// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

// EncodeFrame creates a complete wire-formatted frame for the given command
// and payload. Returns the frame bytes ready for transmission, including
// framing, checksum and byte stuffing.
func EncodeFrame(cmd Command, payload []byte) []byte {
	// Build the data section: command + payload + CRC
	// This is what gets CRC'd (without the CRC itself) and byte-stuffed
	data := make([]byte, 0, 1+len(payload)+CRCSize)
	data = append(data, byte(cmd))
	data = append(data, payload...)

	crc := CalculateCRC(data)

	// Append CRC (little-endian)
	data = append(data, byte(crc&0xFF), byte(crc>>8))

	return frame(data)
}

// frame wraps data in SOH/EOT and escapes control bytes in a single pass
func frame(data []byte) []byte {
	// Pre-allocate for the worst case where every byte is escaped
	out := make([]byte, 0, len(data)*2+FrameOverhead)

	out = append(out, StartOfHeader)
	for _, b := range data {
		if IsControl(b) {
			out = append(out, Escape, b)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, EndOfTransmission)

	return out
}

// StuffBytes escapes control bytes without adding frame delimiters
func StuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if IsControl(b) {
			result = append(result, Escape, b)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of StuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b)
			escapeNext = false
		} else if b == Escape {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, ErrIncompleteEscape
	}

	return result, nil
}
