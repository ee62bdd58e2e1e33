// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

import "time"

// DecodeFrame decodes raw bytes holding one complete stuffed frame.
//
// Bytes before the first SOH are ignored. After the header, an escaped byte
// is always data, an unescaped EOT ends the frame and an unescaped SOH is
// dropped. The first data byte is the command. When at least three data
// bytes remain, the last two are the little-endian checksum and are not part
// of the payload. A GET_VERSION reply keeps those bytes as payload unless
// they verify, since some bootloaders send the name with no checksum.
//
// DecodeFrame never fails: a frame without a header comes back with
// HeaderFound unset.
func DecodeFrame(raw []byte) Message {
	msg := Message{Timestamp: time.Now()}

	body := make([]byte, 0, len(raw))
	headerFound := false
	escapeNext := false

scan:
	for _, b := range raw {
		switch {
		case !headerFound:
			if b == StartOfHeader {
				headerFound = true
			}
		case escapeNext:
			body = append(body, b)
			escapeNext = false
		case b == Escape:
			escapeNext = true
		case b == EndOfTransmission:
			break scan
		case b == StartOfHeader:
			// stray header inside a frame carries no data
		default:
			body = append(body, b)
		}
	}

	if !headerFound || len(body) == 0 {
		return msg
	}

	msg.HeaderFound = true
	msg.Command = Command(body[0])

	rest := body[1:]
	msg.Payload = rest
	if len(rest) >= CRCSize {
		n := len(rest) - CRCSize
		msg.CRC = uint16(rest[n]) | uint16(rest[n+1])<<8
		msg.HasCRC = true
		msg.Payload = rest[:n]

		if msg.Command == CmdGetVersion && !msg.CRCValid() {
			msg.CRC = 0
			msg.HasCRC = false
			msg.Payload = rest
		}
	}

	return msg
}
