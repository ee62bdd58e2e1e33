// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultAckTimeout bounds the wait for a GetVersion or Write answer
	DefaultAckTimeout = 5 * time.Second

	// DefaultEraseTimeout bounds the wait for the Erase answer, which only
	// comes once the whole flash has been cleared
	DefaultEraseTimeout = 60 * time.Second

	// DefaultReadBufferSize is the size of a single transport read
	DefaultReadBufferSize = 256
)

// Option configures a Runner
type Option func(*Runner)

// WithClock sets the clock used for acknowledgement timers
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithAckTimeout sets how long to wait for a GetVersion or Write answer
func WithAckTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.ackTimeout = d
		}
	}
}

// WithEraseTimeout sets how long to wait for the Erase answer
func WithEraseTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.eraseTimeout = d
		}
	}
}

// WithRetries sets how many times an unanswered frame is sent again
func WithRetries(n int) Option {
	return func(r *Runner) {
		r.sessionCfg.Retries = n
	}
}

// WithStrictCRC drops inbound frames whose checksum does not verify
func WithStrictCRC(strict bool) Option {
	return func(r *Runner) {
		r.sessionCfg.StrictCRC = strict
	}
}

// WithObserver registers a callback for state, device and progress changes.
// It runs on the runner goroutine and must not block.
func WithObserver(fn func(Snapshot)) Option {
	return func(r *Runner) {
		r.observer = fn
	}
}

// WithLogger sets the logger for link traffic and anomalies
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithReadBufferSize sets the size of a single transport read
func WithReadBufferSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.readBufferSize = n
		}
	}
}

// WithMaxFrameSize bounds the reassembly buffer
func WithMaxFrameSize(n int) Option {
	return func(r *Runner) {
		r.maxFrameSize = n
	}
}
