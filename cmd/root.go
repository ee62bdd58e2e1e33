// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinkflash/pkg/config"
)

var (
	// Serial connection flags
	portName    string
	baudRate    int
	flowControl bool

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Ambient flags
	configPath string
	logFile    string
	debug      bool

	// settings is the config file merged with any flags set on the command line
	settings = config.BaseDefaults
)

var rootCmd = &cobra.Command{
	Use:   "tinkflash",
	Short: "RetroTINK firmware flasher",
	Long: `tinkflash - Update the firmware of a RetroTINK scaler over its bootloader.

The device must be started in bootloader mode and connected over USB serial,
or through a WebSocket serial bridge. Flashing erases the application flash
and any saved profiles before the new image is written.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from $XDG_CONFIG_HOME/tinkflash/config.toml (or the file
named by TINKFLASH_CONFIG) and overridden by flags.

For WebSocket authentication, the password is read from the TINKFLASH_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")
	rootCmd.PersistentFlags().BoolVar(&flowControl, "flow-control", true, "Assert RTS/DTR on open (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/tinkflash/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadSettings reads the config file and lets explicitly set flags win
func loadSettings(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd.ErrOrStderr(), false, logFile, debug)

	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	vals, err := config.Load(afero.NewOsFs(), path, config.BaseDefaults)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") || vals.Port == "" {
		vals.Port = portName
	}
	if flags.Changed("baud") {
		vals.Baud = baudRate
	}
	if flags.Changed("flow-control") {
		vals.FlowControl = flowControl
	}
	if flags.Changed("log-file") || vals.LogFile == "" {
		vals.LogFile = logFile
	}
	if flags.Changed("debug") {
		vals.Debug = debug
	}
	settings = vals

	setupLogging(cmd.ErrOrStderr(), false, settings.LogFile, settings.Debug)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
