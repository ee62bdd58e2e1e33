// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package flasher

import "errors"

// Connection errors. ErrNoDeviceSelected and ErrDeviceGone mark a cancelled
// attempt and send the session back to Disconnected without a failure.
var (
	ErrNoDeviceSelected = errors.New("no device selected")
	ErrDeviceGone       = errors.New("the device has been lost")
	ErrConnectFailed    = errors.New("failed to connect")
)

// Protocol anomalies. These are reported but never change the session state.
var (
	ErrUnrecognizedCommand = errors.New("unrecognized command")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnexpectedResponse  = errors.New("unexpected response")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// Session errors
var (
	ErrStreamClosed = errors.New("stream closed")
	ErrAckTimeout   = errors.New("no acknowledgement from device")
	ErrNoFirmware   = errors.New("no firmware loaded")
	ErrNotReady     = errors.New("session not ready")
	ErrAborted      = errors.New("flashing aborted")
)

// IsCancelledConnect reports whether a failed open was the user backing out
// or the device disappearing before the handshake
func IsCancelledConnect(err error) bool {
	return errors.Is(err, ErrNoDeviceSelected) || errors.Is(err, ErrDeviceGone)
}
