// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package capture records the raw bytes crossing a device link as a stream
// of CBOR records so a session can be decoded again later.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"
)

// Direction of a recorded chunk
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

// String returns "rx" or "tx"
func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// Record is one chunk read from or written to the link
type Record struct {
	Time      int64     `cbor:"t"`
	Direction Direction `cbor:"dir"`
	Raw       []byte    `cbor:"raw"`
}

// Timestamp returns the record time
func (r Record) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// Recorder wraps a link and writes every chunk that passes through it.
// Recording failures never interrupt the link; the first one is kept and
// returned by Err.
type Recorder struct {
	conn  io.ReadWriteCloser
	clock clockwork.Clock

	mu  sync.Mutex
	enc *cbor.Encoder
	err error
}

// NewRecorder records traffic on conn to w
func NewRecorder(conn io.ReadWriteCloser, w io.Writer, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		conn:  conn,
		clock: clock,
		enc:   cbor.NewEncoder(w),
	}
}

// Read implements io.Reader
func (r *Recorder) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 {
		r.record(Rx, p[:n])
	}
	return n, err
}

// Write implements io.Writer
func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.conn.Write(p)
	if n > 0 {
		r.record(Tx, p[:n])
	}
	return n, err
}

// Close closes the underlying link
func (r *Recorder) Close() error {
	return r.conn.Close()
}

// Err returns the first recording error
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) record(dir Direction, data []byte) {
	raw := make([]byte, len(data))
	copy(raw, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	rec := Record{Time: r.clock.Now().UnixNano(), Direction: dir, Raw: raw}
	if err := r.enc.Encode(rec); err != nil {
		r.err = fmt.Errorf("failed to record %s chunk: %w", dir, err)
	}
}

// Reader replays records from a capture
type Reader struct {
	dec *cbor.Decoder
}

// NewReader reads a capture from r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the capture
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode capture record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every remaining record
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
