// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/tinkflash/pkg/flasher"
)

// PasswordEnv holds the WebSocket bridge password
const PasswordEnv = "TINKFLASH_PASSWORD"

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection wraps a WebSocket serial bridge. Each binary message
// carries raw bytes from the device.
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// Text frames are bridge chatter, not device bytes
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = copy(p, w.buf)
		return w.bufOffset, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port at 8N1. With flow control the
// RTS and DTR lines are asserted once the port is open.
func OpenSerialConnection(portName string, baudRate int, flow bool) (serial.Port, error) {
	if portName == "" {
		return nil, flasher.ErrNoDeviceSelected
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if flow {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, classifySerialError(portName, err)
	}

	return port, nil
}

// classifySerialError maps a vanished port to flasher.ErrDeviceGone so the
// session treats it as a cancelled attempt
func classifySerialError(portName string, err error) error {
	code, ok := serialErrorCode(err)
	if ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return fmt.Errorf("serial port %s: %w: %w", portName, flasher.ErrDeviceGone, err)
		default:
		}
	}
	return fmt.Errorf("failed to open serial port %s: %w", portName, err)
}

func serialErrorCode(err error) (serial.PortErrorCode, bool) {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code(), true
	}
	var portErrValue serial.PortError
	if errors.As(err, &portErrValue) {
		return portErrValue.Code(), true
	}
	return 0, false
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(
	ctx context.Context,
	wsURL, username, password string,
	skipSSLVerify bool,
) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify, //nolint:gosec // opt-in via --no-ssl-verify
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // Stdin is uintptr on windows
	if err != nil {
		// Not a terminal, read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

var passwordPrompt struct {
	once  sync.Once
	value string
	err   error
}

// bridgePassword asks for the WebSocket password once per process
func bridgePassword() (string, error) {
	passwordPrompt.once.Do(func() {
		passwordPrompt.value, passwordPrompt.err = GetPassword()
	})
	return passwordPrompt.value, passwordPrompt.err
}

// DeviceOpener returns an opener for the device named by the flags and
// config, and a line describing it. The serial port is read from settings
// when the opener runs.
func DeviceOpener() (flasher.Opener, string) {
	if wsURL != "" {
		open := func(ctx context.Context) (io.ReadWriteCloser, error) {
			password := ""
			if wsUsername != "" {
				var err error
				password, err = bridgePassword()
				if err != nil {
					return nil, err
				}
			}
			conn, err := OpenWebSocketConnection(ctx, wsURL, wsUsername, password, wsNoSSLVerify)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
		return open, fmt.Sprintf("WebSocket: %s", wsURL)
	}

	open := func(context.Context) (io.ReadWriteCloser, error) {
		conn, err := OpenSerialConnection(settings.Port, settings.Baud, settings.FlowControl)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return open, serialInfo()
}

func serialInfo() string {
	if settings.Port == "" {
		return "Serial: (no port selected)"
	}
	return fmt.Sprintf("Serial: %s @ %d baud", settings.Port, settings.Baud)
}
