// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/tinkflash/pkg/tink"
)

// ErrNotRunning is returned by requests made to a runner that has stopped
var ErrNotRunning = errors.New("runner is not running")

// Opener opens the transport to a device
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

type requestKind int

const (
	requestLoad requestKind = iota
	requestStart
	requestAbort
)

type request struct {
	kind  requestKind
	lines []string
	cause error
	reply chan error
}

// Runner connects a Session to a transport. A single goroutine owns the
// session and reassembler; a second one blocks on transport reads and hands
// each chunk over.
type Runner struct {
	conn           io.ReadWriteCloser
	clock          clockwork.Clock
	ackTimeout     time.Duration
	eraseTimeout   time.Duration
	readBufferSize int
	maxFrameSize   int
	sessionCfg     SessionConfig
	observer       func(Snapshot)
	logger         zerolog.Logger

	session     *Session
	reassembler *tink.Reassembler

	requests   chan request
	stop       chan struct{}
	readerDone chan struct{}
	runOnce    sync.Once

	timer  clockwork.Timer
	timerC <-chan time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewRunner creates a runner that flashes through conn. Run closes conn
// before it returns.
func NewRunner(conn io.ReadWriteCloser, opts ...Option) *Runner {
	r := &Runner{
		conn:           conn,
		clock:          clockwork.NewRealClock(),
		ackTimeout:     DefaultAckTimeout,
		eraseTimeout:   DefaultEraseTimeout,
		readBufferSize: DefaultReadBufferSize,
		logger:         log.Logger,
		requests:       make(chan request),
		stop:           make(chan struct{}),
		readerDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.sessionCfg.Now = r.clock.Now
	r.session = NewSession(r.sessionCfg)
	r.reassembler = tink.NewReassembler(r.maxFrameSize)
	r.snapshot = r.session.Snapshot()
	return r
}

// Connect opens the transport and returns a runner for it. When the attempt
// was cancelled by the user or the device vanished, the open error is
// returned unchanged and the observer sees Disconnected. Any other failure
// is reported as ErrConnectFailed.
func Connect(ctx context.Context, open Opener, opts ...Option) (*Runner, error) {
	r := NewRunner(nil, opts...)

	conn, err := open(ctx)
	if err != nil {
		r.session.ConnectFailed(err)
		r.publish()
		if r.session.State() == Disconnected {
			return nil, err
		}
		return nil, r.session.Err()
	}

	r.conn = conn
	return r, nil
}

// Snapshot returns the most recently published session state
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Run performs the handshake and then serves transport data, timers and
// requests until the session finishes or ctx is cancelled. It returns nil
// once the device has been told to jump to the new application.
func (r *Runner) Run(ctx context.Context) error {
	err := ErrNotRunning
	r.runOnce.Do(func() {
		err = r.run(ctx)
	})
	return err
}

func (r *Runner) run(ctx context.Context) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go r.readLoop(chunks, readErr)

	defer func() {
		r.stopTimer()
		close(r.stop)
		if err := r.conn.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("closing transport")
		}
		<-r.readerDone
	}()

	r.logger.Info().Msg("requesting bootloader version")
	r.apply(r.session.Connected())

	for !r.session.State().Terminal() {
		select {
		case <-ctx.Done():
			r.apply(r.session.Abort(ctx.Err()))

		case chunk := <-chunks:
			r.receive(chunk)

		case err := <-readErr:
			r.logger.Debug().Err(err).Msg("transport read ended")
			r.apply(r.session.StreamClosed())

		case <-r.timerC:
			cmd, _ := r.session.Outstanding()
			r.logger.Warn().Str("cmd", cmd.String()).Msg("acknowledgement timed out")
			r.apply(r.session.Timeout())

		case req := <-r.requests:
			req.reply <- r.serve(req)
		}
	}

	snap := r.session.Snapshot()
	if snap.State == Done {
		r.logger.Info().Str("device", snap.Device).Int("lines", snap.TotalLines).Msg("firmware written")
		return nil
	}
	if errors.Is(snap.Err, ErrAborted) {
		return snap.Err
	}
	return fmt.Errorf("%w: %w", ErrAborted, snap.Err)
}

func (r *Runner) readLoop(chunks chan<- []byte, errs chan<- error) {
	defer close(r.readerDone)

	buf := make([]byte, r.readBufferSize)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-r.stop:
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

func (r *Runner) receive(chunk []byte) {
	r.session.Stats().RecordReceived(len(chunk), r.clock.Now())

	frames, err := r.reassembler.Feed(chunk)
	if err != nil {
		r.session.Stats().Overflows++
		r.logger.Warn().Err(err).Msg("discarding unterminated data")
	}

	for _, raw := range frames {
		if r.session.State().Terminal() {
			return
		}

		msg := tink.DecodeFrame(raw)
		r.logger.Debug().Str("cmd", msg.Command.String()).Hex("raw", raw).Msg("rx")

		step, err := r.session.Handle(msg)
		if err != nil {
			if r.session.State() == Aborted {
				r.logger.Error().Err(err).Msg("cannot continue flashing")
			} else {
				r.logger.Warn().Err(err).Msg("ignoring frame")
			}
		}
		r.apply(step)
	}

	r.publish()
}

func (r *Runner) serve(req request) error {
	var err error

	switch req.kind {
	case requestLoad:
		err = r.session.LoadFirmwareLines(req.lines)
	case requestStart:
		var step Step
		step, err = r.session.StartFlashing()
		if err == nil {
			r.logger.Info().Int("lines", r.session.Snapshot().TotalLines).Msg("erasing device")
		}
		r.apply(step)
	case requestAbort:
		r.apply(r.session.Abort(req.cause))
	}

	r.publish()
	return err
}

// apply writes the frames of a step and re-arms the acknowledgement timer
func (r *Runner) apply(step Step) {
	for _, frame := range step.Tx {
		r.logger.Debug().Hex("raw", frame).Msg("tx")

		n, err := r.conn.Write(frame)
		r.session.Stats().RecordSent(n, r.clock.Now())
		if err != nil {
			r.session.Abort(fmt.Errorf("write failed: %w", err))
			break
		}
	}

	cmd, outstanding := r.session.Outstanding()
	switch {
	case !outstanding:
		r.stopTimer()
	case len(step.Tx) > 0:
		timeout := r.ackTimeout
		if cmd == tink.CmdErase {
			timeout = r.eraseTimeout
		}
		r.startTimer(timeout)
	}

	r.publish()
}

func (r *Runner) startTimer(d time.Duration) {
	r.stopTimer()
	r.timer = r.clock.NewTimer(d)
	r.timerC = r.timer.Chan()
}

func (r *Runner) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerC = nil
}

func (r *Runner) publish() {
	snap := r.session.Snapshot()

	r.mu.Lock()
	prev := r.snapshot
	r.snapshot = snap
	r.mu.Unlock()

	if r.observer == nil {
		return
	}
	if prev.State != snap.State || prev.Device != snap.Device ||
		prev.CurrentLine != snap.CurrentLine || prev.TotalLines != snap.TotalLines ||
		prev.Err != snap.Err {
		r.observer(snap)
	}
}

// LoadFirmwareLines hands a firmware image to the running session
func (r *Runner) LoadFirmwareLines(ctx context.Context, lines []string) error {
	return r.do(ctx, request{kind: requestLoad, lines: lines})
}

// StartFlashing erases the device and begins writing the loaded image
func (r *Runner) StartFlashing(ctx context.Context) error {
	return r.do(ctx, request{kind: requestStart})
}

// Abort stops the running session with the given cause
func (r *Runner) Abort(ctx context.Context, cause error) error {
	return r.do(ctx, request{kind: requestAbort, cause: cause})
}

func (r *Runner) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)

	select {
	case r.requests <- req:
	case <-r.stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
