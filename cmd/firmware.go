// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinkflash/pkg/firmware"
)

var (
	firmwareIndexURL string
	firmwareDevice   string
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Inspect firmware releases and images",
}

var firmwareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the releases in a firmware index",
	Long: `Fetch a firmware index and list the releases for a device.

The index is a JSON object mapping device names to release lists. Without
--index the firmware_index setting from the config file is used.

Examples:
  tinkflash firmware list --index https://example.com/firmware.json
  tinkflash firmware list --device rt4k`,
	RunE: runFirmwareList,
}

var firmwareCheckCmd = &cobra.Command{
	Use:   "check PATH|URL",
	Short: "Validate a firmware image without connecting",
	Args:  cobra.ExactArgs(1),
	RunE:  runFirmwareCheck,
}

func init() {
	rootCmd.AddCommand(firmwareCmd)
	firmwareCmd.AddCommand(firmwareListCmd, firmwareCheckCmd)
	firmwareListCmd.Flags().StringVar(&firmwareIndexURL, "index", "", "Firmware index URL")
	firmwareListCmd.Flags().StringVar(&firmwareDevice, "device", firmware.DefaultDevice, "Device name, or 'all'")
}

func runFirmwareList(cmd *cobra.Command, _ []string) error {
	indexURL := firmwareIndexURL
	if indexURL == "" {
		indexURL = settings.FirmwareIndex
	}
	if indexURL == "" {
		return errors.New("no firmware index: use --index or set firmware_index in the config file")
	}

	idx, err := firmware.FetchIndex(cmd.Context(), indexURL)
	if err != nil {
		return err
	}
	return printIndex(cmd.OutOrStdout(), idx, firmwareDevice)
}

func printIndex(w io.Writer, idx firmware.Index, device string) error {
	devices := []string{device}
	if device == "all" {
		devices = idx.Devices()
	}

	for _, d := range devices {
		releases, err := idx.Lookup(d)
		if err != nil {
			return fmt.Errorf("%w (known: %v)", err, idx.Devices())
		}
		fmt.Fprintf(w, "%s:\n", d)
		for _, r := range releases {
			fmt.Fprintf(w, "  %-24s %-10s %s\n", r.Name, r.Version, r.URL)
		}
	}
	return nil
}

func runFirmwareCheck(cmd *cobra.Command, args []string) error {
	image, err := firmware.NewLoader().Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	problems := firmware.Validate(image.Lines)
	fmt.Fprintf(w, "%s: %d lines, %d problems\n", image.Source, len(image.Lines), len(problems))
	for _, p := range problems {
		fmt.Fprintf(w, "  %s: %s\n", p.Type, p.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("firmware image failed validation with %d problems", len(problems))
	}
	return nil
}
