// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package config reads the optional tinkflash configuration file. Command
// line flags override anything set here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	CfgEnv  = "TINKFLASH_CONFIG"
	CfgFile = "config.toml"
	AppName = "tinkflash"

	DefaultBaud = 115200
)

// Duration is a time.Duration written as a Go duration string ("5s")
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Values struct {
	Port          string   `toml:"port,omitempty"`
	Baud          int      `toml:"baud"`
	FlowControl   bool     `toml:"flow_control"`
	AckTimeout    Duration `toml:"ack_timeout"`
	EraseTimeout  Duration `toml:"erase_timeout"`
	Retries       int      `toml:"retries"`
	StrictCRC     bool     `toml:"strict_crc"`
	FirmwareIndex string   `toml:"firmware_index,omitempty"`
	LogFile       string   `toml:"log_file,omitempty"`
	Debug         bool     `toml:"debug"`
}

var BaseDefaults = Values{
	Baud:         DefaultBaud,
	FlowControl:  true,
	AckTimeout:   Duration(5 * time.Second),
	EraseTimeout: Duration(60 * time.Second),
}

// Validate checks that the values can drive a flashing session
func (v Values) Validate() error {
	var errs []error
	if v.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud must be positive, got %d", v.Baud))
	}
	if v.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack_timeout must be positive, got %s", v.AckTimeout.Std()))
	}
	if v.EraseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("erase_timeout must be positive, got %s", v.EraseTimeout.Std()))
	}
	if v.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", v.Retries))
	}
	return errors.Join(errs...)
}

// DefaultPath returns the config file location: $TINKFLASH_CONFIG if set,
// otherwise config.toml in the user config directory
func DefaultPath() (string, error) {
	if p := os.Getenv(CfgEnv); p != "" {
		log.Debug().Msgf("env config path: %s", p)
		return p, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to find user config directory: %w", err)
	}
	return filepath.Join(dir, AppName, CfgFile), nil
}

// Load reads the config file at path on top of defaults. A missing file is
// not an error and yields the defaults unchanged.
//
//nolint:gocritic // values copied so callers never share defaults
func Load(fs afero.Fs, path string, defaults Values) (Values, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("no config file, using defaults")
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then unmarshal file values on top.
	vals := defaults
	if err := toml.Unmarshal(data, &vals); err != nil {
		return defaults, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := vals.Validate(); err != nil {
		return defaults, fmt.Errorf("invalid config %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("loaded config file")
	return vals, nil
}

// Save writes values to path, creating the parent directory
//
//nolint:gocritic // config struct copied for immutability
func Save(fs afero.Fs, path string, vals Values) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(&vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal renders values as TOML
//
//nolint:gocritic // config struct copied for immutability
func Marshal(vals Values) (string, error) {
	data, err := toml.Marshal(&vals)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
