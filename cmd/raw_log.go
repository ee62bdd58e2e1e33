// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinkflash/pkg/capture"
	"github.com/Thermoquad/tinkflash/pkg/tink"
)

var rawLogReplay string

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display bootloader frames in human-readable format",
	Long: `Continuously decode and display bootloader frames as they arrive.

With --replay, frames are decoded from a capture written by
'tinkflash flash --record' instead of a live connection. Both directions of
the capture are shown.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogReplay, "replay", "", "Decode a capture file instead of a live connection")
}

func runRawLog(cmd *cobra.Command, _ []string) error {
	if rawLogReplay != "" {
		f, err := os.Open(rawLogReplay)
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()
		return replayCapture(cmd.OutOrStdout(), f)
	}

	open, connInfo := DeviceOpener()
	conn, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("tinkflash - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	printer := newFramePrinter(cmd.OutOrStdout())
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Info().Msg("connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		printer.feed(capture.Rx, buf[:n], time.Now())
	}
}

// replayCapture prints every frame found in a capture
func replayCapture(w io.Writer, r io.Reader) error {
	reader := capture.NewReader(r)
	printer := newFramePrinter(w)
	printer.showDirection = true

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		printer.feed(rec.Direction, rec.Raw, rec.Timestamp())
	}

	fmt.Fprintf(w, "\n%d frames, %d malformed, %d bad checksums\n",
		printer.frames, printer.malformed, printer.crcErrors)
	return nil
}

// framePrinter reassembles each direction separately and prints frames
type framePrinter struct {
	w             io.Writer
	showDirection bool
	reassemblers  map[capture.Direction]*tink.Reassembler

	frames    int
	malformed int
	crcErrors int
}

func newFramePrinter(w io.Writer) *framePrinter {
	return &framePrinter{
		w: w,
		reassemblers: map[capture.Direction]*tink.Reassembler{
			capture.Rx: tink.NewReassembler(tink.DefaultMaxFrameSize),
			capture.Tx: tink.NewReassembler(tink.DefaultMaxFrameSize),
		},
	}
}

func (p *framePrinter) feed(dir capture.Direction, data []byte, at time.Time) {
	frames, err := p.reassemblers[dir].Feed(data)
	if err != nil {
		fmt.Fprintf(p.w, "[ERROR] %s: %v\n", dir, err)
	}

	for _, raw := range frames {
		msg := tink.DecodeFrame(raw)
		msg.Timestamp = at

		p.frames++
		if msg.Malformed() {
			p.malformed++
		} else if msg.HasCRC && !msg.CRCValid() {
			p.crcErrors++
		}

		if p.showDirection {
			fmt.Fprintf(p.w, "%s ", dir)
		}
		fmt.Fprint(p.w, tink.FormatMessage(msg))
	}
}
