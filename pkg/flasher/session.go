// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/tinkflash/pkg/firmware"
	"github.com/Thermoquad/tinkflash/pkg/tink"
)

// Step is the result of feeding one event to a Session: the state after the
// event and the frames to write to the transport, in order.
type Step struct {
	State State
	Tx    [][]byte
}

// Snapshot is a copy of the observable session state
type Snapshot struct {
	State       State
	Device      string
	CurrentLine int
	TotalLines  int
	Err         error
	Stats       Statistics
}

// Progress returns the fraction of lines acknowledged, in [0, 1]
func (s Snapshot) Progress() float64 {
	if s.TotalLines == 0 {
		return 0
	}
	return float64(s.CurrentLine) / float64(s.TotalLines)
}

// SessionConfig tunes a Session
type SessionConfig struct {
	// Retries is how many times an unacknowledged frame is sent again
	// before the session aborts
	Retries int

	// StrictCRC drops inbound frames whose checksum does not verify
	StrictCRC bool

	// Now supplies timestamps for statistics. Defaults to time.Now.
	Now func() time.Time
}

// Session is the flashing state machine. It performs no I/O: every event
// method returns the frames the caller must transmit.
//
// At most one command is outstanding at any time. A new command is only
// framed after the previous one has been acknowledged, except for
// JumpToApplication which expects no answer.
type Session struct {
	cfg SessionConfig

	state  State
	device string
	lines  []string
	cursor int
	err    error

	outstanding    tink.Command
	hasOutstanding bool
	lastFrame      []byte
	attempts       int

	stats *Statistics
}

// NewSession creates a session in the Disconnected state
func NewSession(cfg SessionConfig) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Session{
		cfg:   cfg,
		state: Disconnected,
		stats: NewStatistics(cfg.Now()),
	}
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Device returns the name reported by the bootloader, if any
func (s *Session) Device() string {
	return s.device
}

// Err returns the reason the session failed, if it did
func (s *Session) Err() error {
	return s.err
}

// Outstanding returns the command awaiting acknowledgement
func (s *Session) Outstanding() (tink.Command, bool) {
	return s.outstanding, s.hasOutstanding
}

// Stats returns the live statistics counters
func (s *Session) Stats() *Statistics {
	return s.stats
}

// Snapshot returns a copy of the observable state
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:       s.state,
		Device:      s.device,
		CurrentLine: s.cursor,
		TotalLines:  len(s.lines),
		Err:         s.err,
		Stats:       *s.stats,
	}
}

// Connected records that the transport opened and starts the handshake
func (s *Session) Connected() Step {
	if s.state != Disconnected {
		return s.step()
	}
	s.state = AwaitingDeviceInfo
	return s.send(tink.CmdGetVersion, nil)
}

// ConnectFailed records a failed transport open. A cancelled attempt leaves
// the session Disconnected; anything else is a ConnectFailed state.
func (s *Session) ConnectFailed(err error) Step {
	if s.state != Disconnected {
		return s.step()
	}
	if IsCancelledConnect(err) {
		return s.step()
	}
	s.state = ConnectFailed
	s.err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
	return s.step()
}

// LoadFirmwareLines replaces the firmware image. Blank lines are dropped.
// Lines cannot be replaced while the device is being erased or written, or
// once the session has finished.
func (s *Session) LoadFirmwareLines(lines []string) error {
	if s.state.Busy() || s.state.Terminal() {
		return fmt.Errorf("%w: cannot load firmware while %s", ErrNotReady, s.state)
	}

	loaded := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		loaded = append(loaded, line)
	}

	s.lines = loaded
	s.cursor = 0
	return nil
}

// StartFlashing erases the device. It is a no-op unless the session is
// ReadyToFlash with at least one line loaded.
func (s *Session) StartFlashing() (Step, error) {
	if s.state != ReadyToFlash {
		return s.step(), fmt.Errorf("%w: %s", ErrNotReady, s.state)
	}
	if len(s.lines) == 0 {
		return s.step(), ErrNoFirmware
	}

	s.cursor = 0
	s.state = Erasing
	return s.send(tink.CmdErase, nil), nil
}

// Handle advances the session with one decoded inbound message.
//
// Malformed frames, unknown commands and acknowledgements for a command that
// is not outstanding leave the state unchanged and are reported through the
// returned error. The only fatal error is a firmware line that cannot be
// decoded, which aborts the session.
func (s *Session) Handle(msg tink.Message) (Step, error) {
	s.stats.FramesReceived++

	if msg.Malformed() {
		s.stats.MalformedFrames++
		return s.step(), ErrMalformedFrame
	}
	if s.cfg.StrictCRC && !msg.CRCValid() {
		s.stats.CRCErrors++
		return s.step(), fmt.Errorf("%w: %s got 0x%04X, expected 0x%04X",
			ErrChecksumMismatch, msg.Command, msg.CRC, msg.ExpectedCRC())
	}
	if !msg.Command.Known() {
		s.stats.UnknownCommands++
		return s.step(), fmt.Errorf("%w: 0x%02X", ErrUnrecognizedCommand, byte(msg.Command))
	}
	if !s.hasOutstanding || msg.Command != s.outstanding {
		s.stats.UnexpectedResponses++
		return s.step(), fmt.Errorf("%w: %s while %s", ErrUnexpectedResponse, msg.Command, s.state)
	}

	s.hasOutstanding = false
	s.lastFrame = nil

	switch msg.Command {
	case tink.CmdGetVersion:
		s.device = tink.DecodeDeviceName(msg.Payload)
		s.state = ReadyToFlash
		return s.step(), nil

	case tink.CmdErase:
		s.state = Flashing
		s.cursor = 0
		return s.sendLine()

	case tink.CmdWrite:
		s.cursor++
		s.stats.LinesWritten++
		if s.cursor < len(s.lines) {
			return s.sendLine()
		}
		s.state = Done
		return s.send(tink.CmdJumpToApplication, nil), nil
	}

	return s.step(), nil
}

// Timeout reports that the outstanding command went unanswered. The frame is
// sent again while retries remain, after which the session aborts.
func (s *Session) Timeout() Step {
	if !s.hasOutstanding || s.state.Terminal() {
		return s.step()
	}

	if s.attempts < s.cfg.Retries {
		s.attempts++
		s.stats.Retransmits++
		s.stats.FramesSent++
		return Step{State: s.state, Tx: [][]byte{s.lastFrame}}
	}

	s.stats.Timeouts++
	return s.abort(fmt.Errorf("%w: %s", ErrAckTimeout, s.outstanding))
}

// StreamClosed reports that the transport read side ended. A finished
// session stays Done since the device reboots into its application.
func (s *Session) StreamClosed() Step {
	if s.state.Terminal() {
		return s.step()
	}
	return s.abort(ErrStreamClosed)
}

// Abort stops the session. It has no effect once the session has finished.
func (s *Session) Abort(cause error) Step {
	if s.state.Terminal() {
		return s.step()
	}
	if cause == nil {
		cause = ErrAborted
	}
	return s.abort(cause)
}

func (s *Session) abort(cause error) Step {
	s.state = Aborted
	s.err = cause
	s.hasOutstanding = false
	s.lastFrame = nil
	return s.step()
}

func (s *Session) sendLine() (Step, error) {
	payload, err := firmware.LineToPayload(s.lines[s.cursor])
	if err != nil {
		var pe *firmware.ParseError
		if errors.As(err, &pe) {
			pe.Line = s.cursor + 1
		}
		return s.abort(err), err
	}
	return s.send(tink.CmdWrite, payload), nil
}

func (s *Session) send(cmd tink.Command, payload []byte) Step {
	frame := tink.EncodeFrame(cmd, payload)

	if cmd != tink.CmdJumpToApplication {
		s.outstanding = cmd
		s.hasOutstanding = true
		s.lastFrame = frame
		s.attempts = 0
	}

	s.stats.FramesSent++
	s.stats.LastUpdateTime = s.cfg.Now()
	return Step{State: s.state, Tx: [][]byte{frame}}
}

func (s *Session) step() Step {
	return Step{State: s.state}
}
