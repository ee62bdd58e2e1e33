// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

import (
	"bytes"
	"errors"
	"time"
)

// Codec errors
var (
	ErrIncompleteEscape = errors.New("incomplete escape sequence at end of data")
	ErrBufferOverflow   = errors.New("reassembly buffer overflow: no frame terminator")
)

// Message represents a decoded bootloader frame
type Message struct {
	Command Command
	Payload []byte

	// CRC is the trailing checksum as received (little-endian on the wire).
	// Only meaningful when HasCRC is set.
	CRC    uint16
	HasCRC bool

	// HeaderFound is false when no SOH was present in the raw bytes. The
	// command is undefined in that case.
	HeaderFound bool

	// Timestamp records when the frame was decoded
	Timestamp time.Time
}

// NewMessage creates a message with the given command and payload
func NewMessage(cmd Command, payload []byte) Message {
	return Message{
		Command:     cmd,
		Payload:     payload,
		CRC:         CalculateCRC(append([]byte{byte(cmd)}, payload...)),
		HasCRC:      true,
		HeaderFound: true,
		Timestamp:   time.Now(),
	}
}

// Malformed returns true if the frame had no header or no command byte
func (m Message) Malformed() bool {
	return !m.HeaderFound
}

// CRCValid recomputes the checksum over command and payload and compares it
// with the received one. Frames without a checksum never verify.
func (m Message) CRCValid() bool {
	if !m.HasCRC || m.Malformed() {
		return false
	}
	return m.ExpectedCRC() == m.CRC
}

// ExpectedCRC returns the checksum the frame should carry
func (m Message) ExpectedCRC() uint16 {
	data := make([]byte, 0, 1+len(m.Payload))
	data = append(data, byte(m.Command))
	data = append(data, m.Payload...)
	return CalculateCRC(data)
}

// Equal compares command and payload, ignoring CRC and timestamp
func (m Message) Equal(other Message) bool {
	return m.HeaderFound == other.HeaderFound &&
		m.Command == other.Command &&
		bytes.Equal(m.Payload, other.Payload)
}

// Encode converts the message back to a wire frame
func (m Message) Encode() []byte {
	return EncodeFrame(m.Command, m.Payload)
}
