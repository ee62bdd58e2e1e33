// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package firmware loads RetroTINK firmware images and turns their ASCII-hex
// record lines into Write payloads.
package firmware

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ParseError reports a firmware line that cannot be turned into bytes.
// Line is 1-based and zero when the line number is not known. Column is the
// 1-based byte offset of the offending character within the trimmed line.
type ParseError struct {
	Line   int
	Column int
	Reason string
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("firmware line %d, column %d: %s", e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("firmware column %d: %s", e.Column, e.Reason)
}

// LineToPayload converts one firmware record line into Write payload bytes.
//
// The line is trimmed and its first character, the record marker, is
// dropped. Every following pair of hex digits becomes one byte. Odd digit
// counts and non-hex characters are rejected with a *ParseError.
func LineToPayload(line string) ([]byte, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, &ParseError{Column: 1, Reason: "empty line"}
	}

	_, markerSize := utf8.DecodeRuneInString(s)
	digits := s[markerSize:]

	if len(digits)%2 != 0 {
		return nil, &ParseError{
			Column: len(s),
			Reason: fmt.Sprintf("odd number of hex digits (%d)", len(digits)),
		}
	}

	payload := make([]byte, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		hi, ok := fromHexChar(digits[i])
		if !ok {
			return nil, invalidDigit(digits[i], markerSize+i+1)
		}
		lo, ok := fromHexChar(digits[i+1])
		if !ok {
			return nil, invalidDigit(digits[i+1], markerSize+i+2)
		}
		payload[i/2] = hi<<4 | lo
	}

	return payload, nil
}

func invalidDigit(c byte, column int) *ParseError {
	return &ParseError{Column: column, Reason: fmt.Sprintf("invalid hex digit %q", c)}
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
