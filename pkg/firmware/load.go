// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package firmware

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// MaxImageSize bounds how much is read from a firmware file or download
const MaxImageSize = 32 << 20

// DefaultHTTPTimeout applies to index and image downloads
const DefaultHTTPTimeout = 60 * time.Second

// ErrEmptyImage is returned when a firmware source holds no record lines
var ErrEmptyImage = errors.New("firmware image has no lines")

// Image is a firmware image ready to hand to a flashing session
type Image struct {
	Source string
	Lines  []string
}

// Loader fetches firmware images from the filesystem or over HTTP
type Loader struct {
	Fs     afero.Fs
	Client *http.Client
}

// NewLoader creates a loader backed by the OS filesystem
func NewLoader() *Loader {
	return &Loader{
		Fs:     afero.NewOsFs(),
		Client: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// Load reads a firmware image from a local path or an http(s) URL. Zip
// archives are recognised by extension or content and yield their first
// file entry.
func (l *Loader) Load(ctx context.Context, source string) (*Image, error) {
	var (
		data []byte
		err  error
	)

	if isURL(source) {
		data, err = l.download(ctx, source)
	} else {
		data, err = l.readFile(source)
	}
	if err != nil {
		return nil, err
	}

	lines, err := decodeImage(source, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware from %s: %w", source, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: %w", source, ErrEmptyImage)
	}

	log.Debug().Str("source", source).Int("lines", len(lines)).Msg("firmware loaded")
	return &Image{Source: source, Lines: lines}, nil
}

// Load reads a firmware image using the default loader
func Load(ctx context.Context, source string) (*Image, error) {
	return NewLoader().Load(ctx, source)
}

func (l *Loader) readFile(name string) ([]byte, error) {
	f, err := l.Fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware file: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("firmware file exceeds %d bytes", MaxImageSize)
	}
	return data, nil
}

func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := l.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to download firmware: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("firmware download exceeds %d bytes", MaxImageSize)
	}
	return data, nil
}

func (l *Loader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %s", url, resp.Status)
	}
	return resp, nil
}

// ParseLines splits a firmware file into record lines. Carriage returns and
// blank lines are dropped.
func ParseLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(strings.ReplaceAll(scanner.Text(), "\r", ""))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to split firmware lines: %w", err)
	}
	return lines, nil
}

func decodeImage(source string, data []byte) ([]string, error) {
	if !isZip(source, data) {
		return ParseLines(bytes.NewReader(data))
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid zip archive: %w", err)
	}

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in archive: %w", entry.Name, err)
		}
		lines, err := ParseLines(io.LimitReader(rc, MaxImageSize))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name, err)
		}
		log.Debug().Str("entry", entry.Name).Msg("using firmware from archive")
		return lines, nil
	}

	return nil, ErrEmptyImage
}

func isZip(source string, data []byte) bool {
	if strings.EqualFold(path.Ext(stripQuery(source)), ".zip") {
		return true
	}
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func stripQuery(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		return source[:i]
	}
	return source
}
