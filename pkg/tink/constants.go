// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package tink implements the framed serial protocol spoken by the
// RetroTINK bootloader.
//
// A frame on the wire is
//
//	SOH stuffed(command || payload || crc-lo || crc-hi) EOT
//
// where stuffed() prefixes every SOH, EOT or DLE byte with a DLE. The CRC is
// CRC-16-CCITT (polynomial 0x1021, initial value 0) over command and payload.
// This package provides frame encoding and decoding, the checksum, a stream
// reassembler and human-readable formatting.
package tink

// Protocol framing bytes
const (
	StartOfHeader     = 0x01
	EndOfTransmission = 0x04
	Escape            = 0x10
)

// Frame size limits
const (
	FrameOverhead = 2 // SOH + EOT
	CRCSize       = 2

	// DefaultMaxFrameSize bounds the reassembly buffer. A fully escaped
	// frame carrying a 255-byte record stays well below it.
	DefaultMaxFrameSize = 4096
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0x0000
)

// Command is a one-byte bootloader operation code.
type Command uint8

// Bootloader commands. The device answers each command (except
// CmdJumpToApplication) with a frame carrying the same code.
const (
	CmdGetVersion        Command = 0x01
	CmdErase             Command = 0x02
	CmdWrite             Command = 0x03
	CmdJumpToApplication Command = 0x05
)

// Known reports whether c is one of the defined bootloader commands.
func (c Command) Known() bool {
	switch c {
	case CmdGetVersion, CmdErase, CmdWrite, CmdJumpToApplication:
		return true
	}
	return false
}

// String returns the protocol name of the command
func (c Command) String() string {
	return FormatCommand(c)
}

// IsControl reports whether b must be escaped inside a frame
func IsControl(b byte) bool {
	return b == StartOfHeader || b == EndOfTransmission || b == Escape
}
