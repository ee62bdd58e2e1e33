// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package firmware

import (
	"errors"
	"fmt"
)

// AnomalyType represents different kinds of suspicious firmware lines
type AnomalyType int

const (
	AnomalyParse AnomalyType = iota
	AnomalyTooShort
	AnomalyLengthMismatch
	AnomalyChecksum
)

// String returns the anomaly name
func (a AnomalyType) String() string {
	switch a {
	case AnomalyParse:
		return "parse"
	case AnomalyTooShort:
		return "too short"
	case AnomalyLengthMismatch:
		return "length mismatch"
	case AnomalyChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// ValidationError represents one firmware line that looks wrong
type ValidationError struct {
	Type    AnomalyType
	Line    int
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return fmt.Sprintf("line %d: %s", v.Line, v.Message)
}

// recordHeaderSize is the byte count, address and type fields of a record
const recordHeaderSize = 4

// Validate runs a pre-flight check over every line of an image. The session
// itself sends whatever bytes a line decodes to; this only helps catch a
// truncated or wrong file before the device is erased.
//
// Lines are expected to carry Intel HEX style records: a byte count, a
// 16-bit address, a record type, the data bytes and a two's complement
// checksum over everything before it.
func Validate(lines []string) []ValidationError {
	errs := []ValidationError{}

	for i, line := range lines {
		errs = append(errs, validateLine(i+1, line)...)
	}

	return errs
}

func validateLine(n int, line string) []ValidationError {
	payload, err := LineToPayload(line)
	if err != nil {
		var pe *ParseError
		details := map[string]interface{}{}
		if errors.As(err, &pe) {
			details["column"] = pe.Column
			details["reason"] = pe.Reason
		}
		return []ValidationError{{
			Type:    AnomalyParse,
			Line:    n,
			Message: err.Error(),
			Details: details,
		}}
	}

	if len(payload) < recordHeaderSize+1 {
		return []ValidationError{{
			Type:    AnomalyTooShort,
			Line:    n,
			Message: fmt.Sprintf("record too short (%d bytes, expected at least %d)", len(payload), recordHeaderSize+1),
			Details: map[string]interface{}{"length": len(payload), "expected": recordHeaderSize + 1},
		}}
	}

	errs := []ValidationError{}

	count := int(payload[0])
	if want := recordHeaderSize + count + 1; len(payload) != want {
		errs = append(errs, ValidationError{
			Type:    AnomalyLengthMismatch,
			Line:    n,
			Message: fmt.Sprintf("record declares %d data bytes but is %d bytes long (expected %d)", count, len(payload), want),
			Details: map[string]interface{}{"count": count, "length": len(payload), "expected": want},
		})
		return errs
	}

	var sum byte
	for _, b := range payload {
		sum += b
	}
	if sum != 0 {
		errs = append(errs, ValidationError{
			Type:    AnomalyChecksum,
			Line:    n,
			Message: fmt.Sprintf("record checksum 0x%02X does not balance (sum 0x%02X)", payload[len(payload)-1], sum),
			Details: map[string]interface{}{"checksum": payload[len(payload)-1], "sum": sum},
		})
	}

	return errs
}
