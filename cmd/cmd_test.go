// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/tinkflash/pkg/firmware"
	"github.com/Thermoquad/tinkflash/pkg/flasher"
)

const testIndex = `{
  "RT5X": [
    {"name": "RetroTINK-5X Pro", "version": "3.8.1", "url": "https://example.com/rt5x-381.zip"},
    {"name": "RetroTINK-5X Pro", "version": "3.7.0", "url": "https://example.com/rt5x-370.zip"}
  ],
  "rt2x": [
    {"name": "RetroTINK-2X", "version": "1.2", "url": "https://example.com/rt2x.txt"}
  ]
}`

func TestPrintIndex(t *testing.T) {
	idx, err := firmware.ParseIndex(bytes.NewBufferString(testIndex))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printIndex(&out, idx, "rt5x"))
	assert.Contains(t, out.String(), "rt5x:")
	assert.Contains(t, out.String(), "3.8.1")
	assert.NotContains(t, out.String(), "rt2x")

	out.Reset()
	require.NoError(t, printIndex(&out, idx, "all"))
	assert.Contains(t, out.String(), "rt2x:")
	assert.Contains(t, out.String(), "rt5x:")

	err = printIndex(&out, idx, "rt4k")
	require.ErrorIs(t, err, firmware.ErrUnknownDevice)
	assert.Contains(t, err.Error(), "rt2x")
}

func TestLatestRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, testIndex)
	}))
	defer srv.Close()

	release, err := latestRelease(context.Background(), srv.URL, "RT5X")
	require.NoError(t, err)
	assert.Equal(t, "3.8.1", release.Version)

	_, err = latestRelease(context.Background(), srv.URL, "rt4k")
	require.ErrorIs(t, err, firmware.ErrUnknownDevice)
}

func TestCheckImage(t *testing.T) {
	defer func(validate, force bool) { flashValidate, flashForce = validate, force }(flashValidate, flashForce)

	good := &firmware.Image{Lines: []string{":0300300002337A1E", ":00000001FF"}}
	bad := &firmware.Image{Lines: []string{":0300300002337A1F", ":0G"}}

	flashValidate, flashForce = true, false
	var out bytes.Buffer
	require.NoError(t, checkImage(&out, good))
	assert.Empty(t, out.String())

	err := checkImage(&out, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problems")
	assert.Contains(t, out.String(), "checksum")

	flashForce = true
	require.NoError(t, checkImage(io.Discard, bad))

	flashValidate, flashForce = false, false
	require.NoError(t, checkImage(io.Discard, bad))
}

func TestPrintPorts(t *testing.T) {
	var out bytes.Buffer
	printPorts(&out, nil)
	assert.Equal(t, "No serial ports found.\n", out.String())

	out.Reset()
	printDetailedPorts(&out, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "000a", SerialNumber: "E660"},
	})
	assert.Equal(t, "/dev/ttyS0\n/dev/ttyACM0  USB 2e8a:000a  serial=E660\n", out.String())
}

func TestClassifySerialError(t *testing.T) {
	plain := classifySerialError("/dev/ttyACM0", errors.New("boom"))
	assert.False(t, flasher.IsCancelledConnect(plain))
	assert.Contains(t, plain.Error(), "/dev/ttyACM0")
}

func TestOpenSerialConnection_NoPort(t *testing.T) {
	_, err := OpenSerialConnection("", 115200, true)
	require.ErrorIs(t, err, flasher.ErrNoDeviceSelected)
	assert.True(t, flasher.IsCancelledConnect(err))
}

func TestFlashProgress(t *testing.T) {
	var out bytes.Buffer
	p := newFlashProgress(&out)

	p.observe(flasher.Snapshot{State: flasher.ReadyToFlash, Device: "RT5X"})
	select {
	case <-p.ready:
	default:
		t.Fatal("ready not signalled")
	}

	// A second ready snapshot must not close the channel twice
	p.observe(flasher.Snapshot{State: flasher.ReadyToFlash, Device: "RT5X"})

	p.observe(flasher.Snapshot{State: flasher.Erasing, TotalLines: 4})
	p.observe(flasher.Snapshot{State: flasher.Flashing, CurrentLine: 0, TotalLines: 4})
	p.observe(flasher.Snapshot{State: flasher.Flashing, CurrentLine: 3, TotalLines: 4})
	assert.Equal(t, 3, p.last)
	p.observe(flasher.Snapshot{State: flasher.Done, CurrentLine: 4, TotalLines: 4})

	assert.Contains(t, out.String(), "Erasing device...")
}

func TestFlashFailed_NotInBootloader(t *testing.T) {
	var out bytes.Buffer
	cause := fmt.Errorf("%w: %w", flasher.ErrAborted, flasher.ErrAckTimeout)

	err := flashFailed(&out, flasher.Snapshot{State: flasher.Aborted}, cause)
	require.ErrorIs(t, err, flasher.ErrAckTimeout)
	assert.Contains(t, out.String(), "bootloader mode")
}

func TestFlashFailed_PartialImage(t *testing.T) {
	var out bytes.Buffer
	snap := flasher.Snapshot{State: flasher.Aborted, Device: "RT5X", CurrentLine: 12, TotalLines: 40}

	_ = flashFailed(&out, snap, flasher.ErrStreamClosed)
	assert.Contains(t, out.String(), "Aborted after 12 of 40 lines")
	assert.NotContains(t, out.String(), "bootloader mode")
}

func testFlashModel(t *testing.T) flashModel {
	t.Helper()
	image := &firmware.Image{Source: "rt5x.txt", Lines: []string{"K0102", "K0304"}}
	m := initialFlashModel(context.Background(), nil, "Serial: test", image, []string{"/dev/ttyACM0"})
	t.Cleanup(m.cancel)
	return m
}

func TestFlashModel_Events(t *testing.T) {
	m := testFlashModel(t)
	m.phase = phaseConnected

	m.applySnapshot(flasher.Snapshot{State: flasher.ReadyToFlash, Device: "RT5X"})
	m.applySnapshot(flasher.Snapshot{State: flasher.ReadyToFlash, Device: "RT5X"})
	m.applySnapshot(flasher.Snapshot{State: flasher.Flashing, TotalLines: 2})

	require.Len(t, m.events, 2)
	assert.Equal(t, "Found RT5X", m.events[0].message)
	assert.Equal(t, "Writing 2 lines", m.events[1].message)
	assert.Contains(t, m.View(), "TINKFLASH")
}

func TestFlashModel_EventLogBounded(t *testing.T) {
	m := testFlashModel(t)
	for i := 0; i < m.maxEvents+10; i++ {
		m.addEvent(fmt.Sprintf("event %d", i), false)
	}
	require.Len(t, m.events, m.maxEvents)
	assert.Equal(t, "event 10", m.events[0].message)
}

func TestFlashModel_ConnectFailed(t *testing.T) {
	m := testFlashModel(t)

	next, _ := m.Update(connectFailedMsg{err: flasher.ErrNoDeviceSelected})
	fm, ok := next.(flashModel)
	require.True(t, ok)

	assert.Equal(t, phaseFinished, fm.phase)
	require.ErrorIs(t, fm.result, flasher.ErrNoDeviceSelected)
	assert.Contains(t, fm.events[len(fm.events)-1].message, "No device")

	_, cmd := fm.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
}

func TestFlashModel_StartRequiresReady(t *testing.T) {
	m := testFlashModel(t)
	m.phase = phaseConnected

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'y'}})
	assert.Nil(t, cmd)
	assert.False(t, next.(flashModel).started)
}
