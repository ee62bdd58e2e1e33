// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import (
	"fmt"
	"time"
)

// Statistics tracks link traffic and protocol anomalies for one session
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesSent          uint64
	FramesReceived      uint64
	BytesSent           uint64
	BytesReceived       uint64
	LinesWritten        uint64
	Retransmits         uint64
	Timeouts            uint64
	UnknownCommands     uint64
	MalformedFrames     uint64
	CRCErrors           uint64
	UnexpectedResponses uint64
	Overflows           uint64

	// Rates (calculated)
	LineRate float64 // lines/sec
	ByteRate float64 // bytes/sec sent
}

// NewStatistics creates a statistics tracker starting at now
func NewStatistics(now time.Time) *Statistics {
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordSent counts one outbound write of n bytes
func (s *Statistics) RecordSent(n int, now time.Time) {
	s.BytesSent += uint64(n)
	s.LastUpdateTime = now
}

// RecordReceived counts one inbound chunk of n bytes
func (s *Statistics) RecordReceived(n int, now time.Time) {
	s.BytesReceived += uint64(n)
	s.LastUpdateTime = now
}

// Anomalies returns the number of inbound frames that were not acted on
func (s *Statistics) Anomalies() uint64 {
	return s.UnknownCommands + s.MalformedFrames + s.CRCErrors + s.UnexpectedResponses
}

// CalculateRates calculates line and byte rates up to LastUpdateTime
func (s *Statistics) CalculateRates() {
	elapsed := s.LastUpdateTime.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.LineRate = float64(s.LinesWritten) / elapsed
		s.ByteRate = float64(s.BytesSent) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := s.LastUpdateTime.Sub(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d (%d bytes)\n", s.FramesSent, s.BytesSent)
	result += fmt.Sprintf("Frames Received: %8d (%d bytes)\n", s.FramesReceived, s.BytesReceived)
	result += fmt.Sprintf("Lines Written:   %8d\n", s.LinesWritten)

	if s.Retransmits > 0 {
		result += fmt.Sprintf("Retransmits:     %8d\n", s.Retransmits)
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if anomalies := s.Anomalies(); anomalies > 0 {
		result += fmt.Sprintf("Ignored Frames:  %8d\n", anomalies)
		if s.UnknownCommands > 0 {
			result += fmt.Sprintf("  Unknown Command:  %5d\n", s.UnknownCommands)
		}
		if s.MalformedFrames > 0 {
			result += fmt.Sprintf("  Malformed:        %5d\n", s.MalformedFrames)
		}
		if s.CRCErrors > 0 {
			result += fmt.Sprintf("  CRC Errors:       %5d\n", s.CRCErrors)
		}
		if s.UnexpectedResponses > 0 {
			result += fmt.Sprintf("  Unexpected:       %5d\n", s.UnexpectedResponses)
		}
	}
	if s.Overflows > 0 {
		result += fmt.Sprintf("Buffer Overflows:%8d\n", s.Overflows)
	}

	result += fmt.Sprintf("Line Rate:       %8.1f lines/sec\n", s.LineRate)
	result += fmt.Sprintf("Byte Rate:       %8.1f bytes/sec\n", s.ByteRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset(now time.Time) {
	*s = Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}
