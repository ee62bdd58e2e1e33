// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	vals, err := Load(afero.NewMemMapFs(), "/cfg/config.toml", BaseDefaults)
	require.NoError(t, err)
	assert.Equal(t, BaseDefaults, vals)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	data := "port = \"/dev/ttyUSB1\"\nretries = 2\nack_timeout = \"1500ms\"\n"
	require.NoError(t, afero.WriteFile(fs, "/cfg/config.toml", []byte(data), 0o600))

	vals, err := Load(fs, "/cfg/config.toml", BaseDefaults)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", vals.Port)
	assert.Equal(t, 2, vals.Retries)
	assert.Equal(t, 1500*time.Millisecond, vals.AckTimeout.Std())

	assert.Equal(t, DefaultBaud, vals.Baud)
	assert.True(t, vals.FlowControl)
	assert.Equal(t, 60*time.Second, vals.EraseTimeout.Std())
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "not toml", data: "port = "},
		{name: "bad duration", data: "ack_timeout = \"soon\"\n"},
		{name: "negative retries", data: "retries = -1\n"},
		{name: "zero baud", data: "baud = 0\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/config.toml", []byte(tt.data), 0o600))

			vals, err := Load(fs, "/config.toml", BaseDefaults)
			require.Error(t, err)
			assert.Equal(t, BaseDefaults, vals)
		})
	}
}

func TestSave_ThenLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	want := BaseDefaults
	want.Port = "COM4"
	want.StrictCRC = true
	want.EraseTimeout = Duration(90 * time.Second)

	require.NoError(t, Save(fs, "/home/user/.config/tinkflash/config.toml", want))

	got, err := Load(fs, "/home/user/.config/tinkflash/config.toml", BaseDefaults)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMarshal_WritesDurationsAsStrings(t *testing.T) {
	t.Parallel()

	out, err := Marshal(BaseDefaults)
	require.NoError(t, err)
	assert.Regexp(t, `ack_timeout = ["']5s["']`, out)
	assert.Regexp(t, `erase_timeout = ["']1m0s["']`, out)
	assert.NotContains(t, out, "port")
}

func TestDefaultPath_Env(t *testing.T) {
	t.Setenv(CfgEnv, "/tmp/custom.toml")

	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.toml", p)
}
