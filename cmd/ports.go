// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var portsDetails bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports a RetroTINK can be connected on.

With --details, USB vendor and product IDs are shown where the platform
reports them. RetroTINK bootloaders enumerate as a USB CDC serial device.`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsDetails, "details", false, "Show USB details")
}

func runPorts(cmd *cobra.Command, _ []string) error {
	if !portsDetails {
		ports, err := serial.GetPortsList()
		if err != nil {
			return fmt.Errorf("failed to get serial ports list: %w", err)
		}
		printPorts(cmd.OutOrStdout(), ports)
		return nil
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("failed to get detailed serial ports list: %w", err)
	}
	printDetailedPorts(cmd.OutOrStdout(), ports)
	return nil
}

func printPorts(w io.Writer, ports []string) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found.")
		return
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
}

func printDetailedPorts(w io.Writer, ports []*enumerator.PortDetails) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found.")
		return
	}
	for _, p := range ports {
		if !p.IsUSB {
			fmt.Fprintf(w, "%s\n", p.Name)
			continue
		}
		fmt.Fprintf(w, "%s  USB %s:%s", p.Name, p.VID, p.PID)
		if p.Product != "" {
			fmt.Fprintf(w, "  %s", p.Product)
		}
		if p.SerialNumber != "" {
			fmt.Fprintf(w, "  serial=%s", p.SerialNumber)
		}
		fmt.Fprintln(w)
	}
}
