// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FormatMessage formats a message into a human-readable string
func FormatMessage(m Message) string {
	timestamp := m.Timestamp.Format("15:04:05.000")

	if m.Malformed() {
		return fmt.Sprintf("[%s] MALFORMED (no header)\n", timestamp)
	}

	crcStr := "none"
	if m.HasCRC {
		status := "OK"
		if !m.CRCValid() {
			status = fmt.Sprintf("BAD, expected 0x%04X", m.ExpectedCRC())
		}
		crcStr = fmt.Sprintf("0x%04X (%s)", m.CRC, status)
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d crc=%s\n",
		timestamp, FormatCommand(m.Command), byte(m.Command), len(m.Payload), crcStr)

	return result + FormatPayload(m.Command, m.Payload)
}

// FormatCommand returns the human-readable name for a command code
func FormatCommand(cmd Command) string {
	switch cmd {
	case CmdGetVersion:
		return "GET_VERSION"
	case CmdErase:
		return "ERASE"
	case CmdWrite:
		return "WRITE"
	case CmdJumpToApplication:
		return "JUMP_TO_APPLICATION"
	default:
		return "UNKNOWN"
	}
}

// FormatPayload formats the payload based on the command
func FormatPayload(cmd Command, payload []byte) string {
	if len(payload) == 0 {
		return "  (no payload)\n"
	}

	switch cmd {
	case CmdGetVersion:
		return fmt.Sprintf("  Device: %q\n", DecodeDeviceName(payload))

	case CmdWrite:
		// Intel-HEX style record: length, 16-bit address, type, data
		if len(payload) >= 4 {
			length := payload[0]
			address := uint16(payload[1])<<8 | uint16(payload[2])
			recType := payload[3]
			return fmt.Sprintf("  Record: len=%d addr=0x%04X type=0x%02X\n%s",
				length, address, recType, indent(HexDump(payload)))
		}
	}

	return indent(HexDump(payload))
}

// DecodeDeviceName extracts the device name from a GET_VERSION response.
// The name ends at the first NUL byte, or spans the whole payload if there is
// none. Invalid UTF-8 sequences are replaced.
func DecodeDeviceName(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	if utf8.Valid(payload) {
		return string(payload)
	}
	return strings.ToValidUTF8(string(payload), "�")
}

// HexDump formats bytes as rows of 16 hex values
func HexDump(data []byte) string {
	var s strings.Builder
	for i, b := range data {
		if i > 0 {
			if i%16 == 0 {
				s.WriteString("\n")
			} else {
				s.WriteString(" ")
			}
		}
		fmt.Fprintf(&s, "%02X", b)
	}
	s.WriteString("\n")
	return s.String()
}

// indent prefixes every line with two spaces
func indent(s string) string {
	lines := strings.SplitAfter(s, "\n")
	var out strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		out.WriteString("  ")
		out.WriteString(line)
	}
	return out.String()
}
