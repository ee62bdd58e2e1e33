// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad
//
// tinkflash - RetroTINK Firmware Flasher
//
// A CLI tool for writing firmware images to RetroTINK scalers through their
// serial bootloader.

package main

import (
	"os"

	"github.com/Thermoquad/tinkflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
