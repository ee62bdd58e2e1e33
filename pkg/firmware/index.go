// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// DefaultDevice is the index key for the RetroTINK-5X
const DefaultDevice = "rt5x"

// ErrUnknownDevice is returned when the index has no entry for a device
var ErrUnknownDevice = errors.New("no firmware defined for device")

// Release is one downloadable firmware build
type Release struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Index maps a device key to its published firmware releases
type Index map[string][]Release

// Lookup returns the releases published for a device
func (idx Index) Lookup(device string) ([]Release, error) {
	releases, ok := idx[strings.ToLower(device)]
	if !ok || len(releases) == 0 {
		return nil, fmt.Errorf("%w %s", ErrUnknownDevice, device)
	}
	return releases, nil
}

// Devices returns the device keys in the index, sorted
func (idx Index) Devices() []string {
	devices := make([]string, 0, len(idx))
	for device := range idx {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

// ParseIndex decodes a firmware index document
func ParseIndex(r io.Reader) (Index, error) {
	var raw map[string][]Release
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode firmware index: %w", err)
	}

	idx := make(Index, len(raw))
	for device, releases := range raw {
		idx[strings.ToLower(device)] = releases
	}
	return idx, nil
}

// FetchIndex downloads and decodes the firmware index at url
func (l *Loader) FetchIndex(ctx context.Context, url string) (Index, error) {
	resp, err := l.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return ParseIndex(io.LimitReader(resp.Body, MaxImageSize))
}

// FetchIndex downloads the firmware index using the default loader
func FetchIndex(ctx context.Context, url string) (Index, error) {
	return NewLoader().FetchIndex(ctx, url)
}
