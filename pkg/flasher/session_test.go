// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tinkflash/pkg/firmware"
	"github.com/Thermoquad/tinkflash/pkg/tink"
)

// ack builds the message a bootloader sends to acknowledge cmd
func ack(cmd tink.Command, payload ...byte) tink.Message {
	return tink.DecodeFrame(tink.EncodeFrame(cmd, payload))
}

// decodeTx decodes every frame of a step
func decodeTx(t *testing.T, step Step) []tink.Message {
	t.Helper()
	msgs := make([]tink.Message, 0, len(step.Tx))
	for _, frame := range step.Tx {
		msg := tink.DecodeFrame(frame)
		require.True(t, msg.CRCValid(), "outbound frame % X has a bad CRC", frame)
		msgs = append(msgs, msg)
	}
	return msgs
}

// readySession returns a session that has completed the handshake
func readySession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	s := NewSession(cfg)
	s.Connected()
	step, err := s.Handle(ack(tink.CmdGetVersion, []byte("RT5X Bootloader\x00")...))
	require.NoError(t, err)
	require.Equal(t, ReadyToFlash, step.State)
	return s
}

func TestSession_Connected_SendsGetVersion(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})
	assert.Equal(t, Disconnected, s.State())

	step := s.Connected()
	assert.Equal(t, AwaitingDeviceInfo, step.State)
	msgs := decodeTx(t, step)
	require.Len(t, msgs, 1)
	assert.Equal(t, tink.CmdGetVersion, msgs[0].Command)
	assert.Empty(t, msgs[0].Payload)

	cmd, ok := s.Outstanding()
	assert.True(t, ok)
	assert.Equal(t, tink.CmdGetVersion, cmd)

	// A second connect is ignored
	assert.Empty(t, s.Connected().Tx)
}

func TestSession_ConnectFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		state State
	}{
		{name: "no device selected", err: ErrNoDeviceSelected, state: Disconnected},
		{name: "device gone", err: ErrDeviceGone, state: Disconnected},
		{name: "wrapped device gone", err: errors.Join(errors.New("open /dev/ttyUSB0"), ErrDeviceGone), state: Disconnected},
		{name: "permission denied", err: errors.New("permission denied"), state: ConnectFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(SessionConfig{})
			step := s.ConnectFailed(tt.err)
			assert.Equal(t, tt.state, step.State)
			assert.Empty(t, step.Tx)

			if tt.state == ConnectFailed {
				require.ErrorIs(t, s.Err(), ErrConnectFailed)
				require.ErrorIs(t, s.Err(), tt.err)
			} else {
				assert.NoError(t, s.Err())
			}
		})
	}
}

func TestSession_DeviceName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{name: "null terminated", payload: []byte("RT5X Bootloader\x00\xFF\xFF"), want: "RT5X Bootloader"},
		{name: "full length", payload: []byte("RT5X"), want: "RT5X"},
		{name: "empty", payload: nil, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(SessionConfig{})
			s.Connected()
			step, err := s.Handle(ack(tink.CmdGetVersion, tt.payload...))
			require.NoError(t, err)
			assert.Equal(t, ReadyToFlash, step.State)
			assert.Equal(t, tt.want, s.Device())
		})
	}
}

func TestSession_EmptyFirmwareMakesStartNoOp(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{}))

	step, err := s.StartFlashing()
	require.ErrorIs(t, err, ErrNoFirmware)
	assert.Equal(t, ReadyToFlash, step.State)
	assert.Empty(t, step.Tx)

	// Blank lines count as no firmware
	require.NoError(t, s.LoadFirmwareLines([]string{"", "  ", "\r"}))
	_, err = s.StartFlashing()
	require.ErrorIs(t, err, ErrNoFirmware)
}

func TestSession_StartFlashing_SendsOneErase(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{"K00001122"}))

	step, err := s.StartFlashing()
	require.NoError(t, err)
	assert.Equal(t, Erasing, step.State)

	msgs := decodeTx(t, step)
	require.Len(t, msgs, 1)
	assert.Equal(t, tink.CmdErase, msgs[0].Command)
	assert.Empty(t, msgs[0].Payload)
}

func TestSession_StartFlashing_NotReady(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))

	step, err := s.StartFlashing()
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, Disconnected, step.State)
	assert.Empty(t, step.Tx)
}

func TestSession_EndToEnd(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})

	step := s.Connected()
	require.Equal(t, tink.CmdGetVersion, decodeTx(t, step)[0].Command)

	step, err := s.Handle(ack(tink.CmdGetVersion, []byte("RT5X Bootloader\x00")...))
	require.NoError(t, err)
	require.Equal(t, ReadyToFlash, step.State)
	require.Equal(t, "RT5X Bootloader", s.Device())

	require.NoError(t, s.LoadFirmwareLines([]string{"K0102", "K0304"}))
	assert.Equal(t, 2, s.Snapshot().TotalLines)

	step, err = s.StartFlashing()
	require.NoError(t, err)
	require.Equal(t, tink.CmdErase, decodeTx(t, step)[0].Command)

	// Erase ack: first line goes out
	step, err = s.Handle(ack(tink.CmdErase))
	require.NoError(t, err)
	assert.Equal(t, Flashing, step.State)
	msgs := decodeTx(t, step)
	require.Len(t, msgs, 1)
	assert.Equal(t, tink.CmdWrite, msgs[0].Command)
	assert.Equal(t, []byte{0x01, 0x02}, msgs[0].Payload)
	assert.Equal(t, 0, s.Snapshot().CurrentLine)

	// First write ack: second line goes out
	step, err = s.Handle(ack(tink.CmdWrite))
	require.NoError(t, err)
	assert.Equal(t, Flashing, step.State)
	assert.Equal(t, 1, s.Snapshot().CurrentLine)
	msgs = decodeTx(t, step)
	require.Len(t, msgs, 1)
	assert.Equal(t, tink.CmdWrite, msgs[0].Command)
	assert.Equal(t, []byte{0x03, 0x04}, msgs[0].Payload)

	// Final write ack: jump, nothing outstanding
	step, err = s.Handle(ack(tink.CmdWrite))
	require.NoError(t, err)
	assert.Equal(t, Done, step.State)
	msgs = decodeTx(t, step)
	require.Len(t, msgs, 1)
	assert.Equal(t, tink.CmdJumpToApplication, msgs[0].Command)
	assert.Empty(t, msgs[0].Payload)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.CurrentLine)
	assert.Equal(t, 2, snap.TotalLines)
	assert.InDelta(t, 1.0, snap.Progress(), 1e-9)
	_, outstanding := s.Outstanding()
	assert.False(t, outstanding)

	assert.Equal(t, uint64(5), snap.Stats.FramesSent)
	assert.Equal(t, uint64(4), snap.Stats.FramesReceived)
	assert.Equal(t, uint64(2), snap.Stats.LinesWritten)
}

func TestSession_UnknownCommandIgnoredInEveryState(t *testing.T) {
	t.Parallel()

	unknown := ack(tink.Command(0x09), 0xAA)

	sessions := map[string]func(t *testing.T) *Session{
		"disconnected": func(t *testing.T) *Session { return NewSession(SessionConfig{}) },
		"awaiting device info": func(t *testing.T) *Session {
			s := NewSession(SessionConfig{})
			s.Connected()
			return s
		},
		"ready to flash": func(t *testing.T) *Session { return readySession(t, SessionConfig{}) },
		"erasing": func(t *testing.T) *Session {
			s := readySession(t, SessionConfig{})
			require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))
			_, err := s.StartFlashing()
			require.NoError(t, err)
			return s
		},
		"flashing": func(t *testing.T) *Session {
			s := readySession(t, SessionConfig{})
			require.NoError(t, s.LoadFirmwareLines([]string{"K0102", "K0304"}))
			_, err := s.StartFlashing()
			require.NoError(t, err)
			_, err = s.Handle(ack(tink.CmdErase))
			require.NoError(t, err)
			return s
		},
	}

	for name, build := range sessions {
		build := build
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := build(t)
			before := s.Snapshot()

			step, err := s.Handle(unknown)
			require.ErrorIs(t, err, ErrUnrecognizedCommand)
			assert.Empty(t, step.Tx)

			after := s.Snapshot()
			assert.Equal(t, before.State, after.State)
			assert.Equal(t, before.CurrentLine, after.CurrentLine)
			assert.Equal(t, before.Device, after.Device)
			assert.Equal(t, before.Stats.UnknownCommands+1, after.Stats.UnknownCommands)
		})
	}
}

func TestSession_MalformedFrameIgnored(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})
	s.Connected()

	step, err := s.Handle(tink.DecodeFrame([]byte{0x55, 0x66, tink.EndOfTransmission}))
	require.ErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, AwaitingDeviceInfo, step.State)
	assert.Empty(t, step.Tx)
	assert.Equal(t, uint64(1), s.Stats().MalformedFrames)
}

func TestSession_UnexpectedResponseIgnored(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})
	s.Connected()

	// Write ack while waiting for the version answer
	step, err := s.Handle(ack(tink.CmdWrite))
	require.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Equal(t, AwaitingDeviceInfo, step.State)
	assert.Empty(t, step.Tx)

	cmd, ok := s.Outstanding()
	assert.True(t, ok)
	assert.Equal(t, tink.CmdGetVersion, cmd)
}

func TestSession_StrictCRC(t *testing.T) {
	t.Parallel()

	bad := ack(tink.CmdGetVersion, []byte("RT5X\x00")...)
	bad.CRC ^= 0x0101
	require.False(t, bad.CRCValid())

	t.Run("lenient", func(t *testing.T) {
		t.Parallel()
		s := NewSession(SessionConfig{})
		s.Connected()
		step, err := s.Handle(bad)
		require.NoError(t, err)
		assert.Equal(t, ReadyToFlash, step.State)
	})

	t.Run("strict", func(t *testing.T) {
		t.Parallel()
		s := NewSession(SessionConfig{StrictCRC: true})
		s.Connected()
		step, err := s.Handle(bad)
		require.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, AwaitingDeviceInfo, step.State)
		assert.Equal(t, uint64(1), s.Stats().CRCErrors)
	})
}

func TestSession_Timeout(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Retries: 2})
	first := s.Connected().Tx[0]

	for i := 0; i < 2; i++ {
		step := s.Timeout()
		assert.Equal(t, AwaitingDeviceInfo, step.State)
		require.Len(t, step.Tx, 1)
		assert.Equal(t, first, step.Tx[0], "retransmission must repeat the original frame")
	}

	step := s.Timeout()
	assert.Equal(t, Aborted, step.State)
	assert.Empty(t, step.Tx)
	require.ErrorIs(t, s.Err(), ErrAckTimeout)
	assert.Equal(t, uint64(2), s.Stats().Retransmits)
	assert.Equal(t, uint64(1), s.Stats().Timeouts)
}

func TestSession_TimeoutWithoutOutstandingIsNoOp(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	step := s.Timeout()
	assert.Equal(t, ReadyToFlash, step.State)
	assert.Empty(t, step.Tx)
}

func TestSession_StreamClosed(t *testing.T) {
	t.Parallel()

	t.Run("mid flash aborts", func(t *testing.T) {
		t.Parallel()
		s := readySession(t, SessionConfig{})
		require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))
		_, err := s.StartFlashing()
		require.NoError(t, err)

		step := s.StreamClosed()
		assert.Equal(t, Aborted, step.State)
		require.ErrorIs(t, s.Err(), ErrStreamClosed)
	})

	t.Run("after done stays done", func(t *testing.T) {
		t.Parallel()
		s := readySession(t, SessionConfig{})
		require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))
		_, err := s.StartFlashing()
		require.NoError(t, err)
		_, err = s.Handle(ack(tink.CmdErase))
		require.NoError(t, err)
		step, err := s.Handle(ack(tink.CmdWrite))
		require.NoError(t, err)
		require.Equal(t, Done, step.State)

		assert.Equal(t, Done, s.StreamClosed().State)
		assert.NoError(t, s.Err())
	})
}

func TestSession_Abort(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	step := s.Abort(nil)
	assert.Equal(t, Aborted, step.State)
	require.ErrorIs(t, s.Err(), ErrAborted)

	// Terminal states ignore further events
	assert.Equal(t, Aborted, s.Abort(errors.New("again")).State)
	require.ErrorIs(t, s.Err(), ErrAborted)
	_, err := s.Handle(ack(tink.CmdGetVersion))
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestSession_BadFirmwareLineAborts(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{"K0102", "KZZ"}))
	_, err := s.StartFlashing()
	require.NoError(t, err)
	_, err = s.Handle(ack(tink.CmdErase))
	require.NoError(t, err)

	step, err := s.Handle(ack(tink.CmdWrite))
	require.Error(t, err)
	assert.Equal(t, Aborted, step.State)
	assert.Empty(t, step.Tx)

	var pe *firmware.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
	require.ErrorAs(t, s.Err(), &pe)
}

func TestSession_LoadWhileBusyRejected(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))
	_, err := s.StartFlashing()
	require.NoError(t, err)

	err = s.LoadFirmwareLines([]string{"K0304", "K0506"})
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 1, s.Snapshot().TotalLines)
}

func TestSession_LoadAfterFinishRejected(t *testing.T) {
	t.Parallel()

	s := readySession(t, SessionConfig{})
	require.NoError(t, s.LoadFirmwareLines([]string{"K0102"}))
	_, err := s.StartFlashing()
	require.NoError(t, err)
	_, err = s.Handle(ack(tink.CmdErase))
	require.NoError(t, err)
	step, err := s.Handle(ack(tink.CmdWrite))
	require.NoError(t, err)
	require.Equal(t, Done, step.State)

	err = s.LoadFirmwareLines([]string{"K0304", "K0506", "K0708"})
	require.ErrorIs(t, err, ErrNotReady)
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CurrentLine)
	assert.Equal(t, 1, snap.TotalLines)

	aborted := readySession(t, SessionConfig{})
	aborted.Abort(nil)
	require.ErrorIs(t, aborted.LoadFirmwareLines([]string{"K0102"}), ErrNotReady)
	assert.Equal(t, 0, aborted.Snapshot().TotalLines)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ready to flash", ReadyToFlash.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Done.Terminal())
	assert.True(t, Aborted.Terminal())
	assert.False(t, Flashing.Terminal())
	assert.True(t, Erasing.Busy())
}
