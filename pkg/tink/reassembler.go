// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package tink

// Reassembler accumulates raw chunks from a byte stream until complete frames
// are available. The transport may split a frame across any number of reads
// or deliver several frames in one read.
//
// A frame is complete the moment an unescaped EOT is appended. Escape state
// is only tracked after an SOH has been seen, matching DecodeFrame, so line
// noise before a header cannot swallow a terminator.
type Reassembler struct {
	buffer     []byte
	maxSize    int
	inFrame    bool
	escapeNext bool
}

// NewReassembler creates a reassembler whose buffer never grows beyond
// maxSize bytes. A non-positive maxSize selects DefaultMaxFrameSize.
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reassembler{
		buffer:  make([]byte, 0, 256),
		maxSize: maxSize,
	}
}

// Reset discards any partial frame
func (r *Reassembler) Reset() {
	r.buffer = r.buffer[:0]
	r.inFrame = false
	r.escapeNext = false
}

// Buffered returns the number of bytes waiting for a terminator
func (r *Reassembler) Buffered() int {
	return len(r.buffer)
}

// Feed appends a chunk and returns every frame it completed, in order. Each
// returned frame is a fresh slice that still contains its framing bytes and
// can be passed to DecodeFrame.
//
// If the buffer exceeds the size limit without a terminator it is dropped
// and scanning resumes with the next byte of the chunk. ErrBufferOverflow is
// then returned along with every frame the chunk completed.
func (r *Reassembler) Feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte
	var err error

	for _, b := range chunk {
		r.buffer = append(r.buffer, b)

		terminator := false
		switch {
		case !r.inFrame:
			if b == StartOfHeader {
				r.inFrame = true
			}
			terminator = b == EndOfTransmission
		case r.escapeNext:
			r.escapeNext = false
		case b == Escape:
			r.escapeNext = true
		default:
			terminator = b == EndOfTransmission
		}

		if terminator {
			complete := make([]byte, len(r.buffer))
			copy(complete, r.buffer)
			frames = append(frames, complete)
			r.Reset()
			continue
		}

		if len(r.buffer) > r.maxSize {
			r.Reset()
			err = ErrBufferOverflow
		}
	}

	return frames, err
}
