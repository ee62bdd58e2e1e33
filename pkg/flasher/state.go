// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package flasher drives a RetroTINK bootloader through the firmware update
// sequence: handshake, erase, one acknowledged Write per firmware line, and
// the final jump into the application.
//
// Session is the pure state machine. Runner owns a transport and feeds the
// Session from it.
package flasher

// State is the position of a session in the flashing sequence
type State int

const (
	Disconnected State = iota
	AwaitingDeviceInfo
	ReadyToFlash
	Erasing
	Flashing
	Done
	ConnectFailed
	Aborted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingDeviceInfo:
		return "awaiting device info"
	case ReadyToFlash:
		return "ready to flash"
	case Erasing:
		return "erasing"
	case Flashing:
		return "flashing"
	case Done:
		return "done"
	case ConnectFailed:
		return "connect failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave this state
func (s State) Terminal() bool {
	return s == Done || s == ConnectFailed || s == Aborted
}

// Busy reports whether the device is mid-update. Loading new firmware or
// disconnecting in these states leaves the device without an application.
func (s State) Busy() bool {
	return s == Erasing || s == Flashing
}
