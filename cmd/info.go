// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinkflash/pkg/tink"
)

var infoTimeout int

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Ask the bootloader for its device name",
	Long: `Send GET_VERSION and wait for the bootloader to answer.

Nothing is erased or written. Use this to check that the device is in
bootloader mode and reachable before flashing.

Exit codes:
  0 - Device answered before timeout
  1 - Timeout reached without an answer
  2 - Connection error`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().IntVar(&infoTimeout, "timeout", 5, "Timeout in seconds to wait for an answer")
}

func runInfo(cmd *cobra.Command, _ []string) error {
	open, connInfo := DeviceOpener()
	conn, err := open(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("tinkflash - Device Info\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", infoTimeout)

	request := tink.EncodeFrame(tink.CmdGetVersion, nil)
	log.Debug().Hex("frame", request).Msg("tx")
	if _, err := conn.Write(request); err != nil {
		_ = conn.Close()
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}

	msgChan := make(chan tink.Message, 1)
	errChan := make(chan error, 1)

	go func() {
		reassembler := tink.NewReassembler(tink.DefaultMaxFrameSize)
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			frames, err := reassembler.Feed(buf[:n])
			if err != nil {
				log.Warn().Err(err).Msg("discarded buffered bytes")
			}
			for _, raw := range frames {
				msg := tink.DecodeFrame(raw)
				log.Debug().Hex("frame", raw).Msg("rx")
				if msg.Malformed() || msg.Command != tink.CmdGetVersion {
					fmt.Printf("(ignored %s)\n", tink.FormatCommand(msg.Command))
					continue
				}
				msgChan <- msg
				return
			}
		}
	}()

	select {
	case msg := <-msgChan:
		_ = conn.Close()
		fmt.Printf("SUCCESS: Bootloader answered\n")
		fmt.Printf("  Device: %s\n", tink.DecodeDeviceName(msg.Payload))
		if msg.HasCRC {
			fmt.Printf("  CRC: 0x%04X (valid: %t)\n", msg.CRC, msg.CRCValid())
		}
		os.Exit(0)

	case err := <-errChan:
		_ = conn.Close()
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(infoTimeout) * time.Second):
		_ = conn.Close()
		fmt.Fprintf(os.Stderr, "TIMEOUT: No answer within %d seconds. Is the device in bootloader mode?\n", infoTimeout)
		os.Exit(1)
	}

	return nil
}
