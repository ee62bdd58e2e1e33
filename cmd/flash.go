// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/tinkflash/pkg/capture"
	"github.com/Thermoquad/tinkflash/pkg/firmware"
	"github.com/Thermoquad/tinkflash/pkg/flasher"
)

// eraseWarning is shown before the device is erased
const eraseWarning = `WARNING: Updating the firmware erases the device, including all saved profiles.
Back up any profiles you want to keep before continuing.`

var (
	flashFirmware string
	flashDevice   string
	flashYes      bool
	flashTUI      bool
	flashRecord   string
	flashValidate bool
	flashForce    bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Write a firmware image to a device in bootloader mode",
	Long: `Connect to a RetroTINK bootloader, erase the device and write a firmware image.

The image is a text file with one record per line, a zip archive holding one,
or an http(s) URL to either. Without --firmware the newest release for
--device is taken from the configured firmware index.

Examples:
  # Flash a local image over USB serial
  tinkflash flash --port /dev/ttyACM0 --firmware rt5x.txt

  # Flash the latest release with the interactive interface
  tinkflash flash --tui

  # Keep a capture of the session for later analysis
  tinkflash flash -p COM4 --firmware rt5x.zip --record session.cbor`,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashFirmware, "firmware", "f", "", "Firmware image path or URL")
	flashCmd.Flags().StringVar(&flashDevice, "device", firmware.DefaultDevice, "Device to pick from the firmware index")
	flashCmd.Flags().BoolVarP(&flashYes, "yes", "y", false, "Do not ask before erasing the device")
	flashCmd.Flags().BoolVar(&flashTUI, "tui", false, "Use the interactive interface")
	flashCmd.Flags().StringVar(&flashRecord, "record", "", "Record the session to a capture file")
	flashCmd.Flags().BoolVar(&flashValidate, "validate", true, "Check image records before erasing")
	flashCmd.Flags().BoolVar(&flashForce, "force", false, "Flash even if validation finds problems")
}

func runFlash(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	image, err := loadImage(ctx)
	if err != nil {
		return err
	}
	if err := checkImage(cmd.OutOrStdout(), image); err != nil {
		return err
	}

	open, connInfo := DeviceOpener()
	open, closeRecord, err := recordingOpener(open)
	if err != nil {
		return err
	}
	defer closeRecord()

	if flashTUI {
		return runFlashTUI(ctx, open, connInfo, image)
	}
	return runFlashText(ctx, cmd.OutOrStdout(), open, connInfo, image)
}

// loadImage reads --firmware, or the newest release from the index
func loadImage(ctx context.Context) (*firmware.Image, error) {
	source := flashFirmware
	if source == "" {
		if settings.FirmwareIndex == "" {
			return nil, errors.New("--firmware is required when no firmware_index is configured")
		}
		release, err := latestRelease(ctx, settings.FirmwareIndex, flashDevice)
		if err != nil {
			return nil, err
		}
		log.Info().Str("release", release.Name).Str("version", release.Version).Msg("using latest release")
		source = release.URL
	}

	image, err := firmware.NewLoader().Load(ctx, source)
	if err != nil {
		return nil, err
	}
	log.Info().Str("source", image.Source).Int("lines", len(image.Lines)).Msg("loaded firmware")
	return image, nil
}

func latestRelease(ctx context.Context, indexURL, device string) (firmware.Release, error) {
	idx, err := firmware.FetchIndex(ctx, indexURL)
	if err != nil {
		return firmware.Release{}, err
	}
	releases, err := idx.Lookup(device)
	if err != nil {
		return firmware.Release{}, err
	}
	return releases[0], nil
}

// checkImage reports validation problems and refuses to continue unless forced
func checkImage(w io.Writer, image *firmware.Image) error {
	if !flashValidate {
		return nil
	}

	problems := firmware.Validate(image.Lines)
	if len(problems) == 0 {
		return nil
	}

	const shown = 10
	for i, p := range problems {
		if i == shown {
			fmt.Fprintf(w, "  ... and %d more\n", len(problems)-shown)
			break
		}
		fmt.Fprintf(w, "  %s: %s\n", p.Type, p.Error())
	}

	if flashForce {
		log.Warn().Int("problems", len(problems)).Msg("flashing despite validation problems")
		return nil
	}
	return fmt.Errorf("firmware image failed validation with %d problems (use --force to flash anyway)", len(problems))
}

// recordingOpener wraps open so the session is written to --record
func recordingOpener(open flasher.Opener) (flasher.Opener, func(), error) {
	if flashRecord == "" {
		return open, func() {}, nil
	}

	f, err := os.Create(flashRecord)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	var rec *capture.Recorder
	wrapped := func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := open(ctx)
		if err != nil {
			return nil, err
		}
		rec = capture.NewRecorder(conn, f, nil)
		return rec, nil
	}

	closeRecord := func() {
		if rec != nil {
			if err := rec.Err(); err != nil {
				log.Warn().Err(err).Msg("capture incomplete")
			}
		}
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close capture file")
		}
	}
	return wrapped, closeRecord, nil
}

// flashProgress follows runner snapshots for the text interface
type flashProgress struct {
	bar   *progressbar.ProgressBar
	w     io.Writer
	ready chan struct{}
	once  sync.Once
	last  int
}

func newFlashProgress(w io.Writer) *flashProgress {
	return &flashProgress{w: w, ready: make(chan struct{})}
}

func (p *flashProgress) observe(snap flasher.Snapshot) {
	switch snap.State {
	case flasher.ReadyToFlash:
		p.once.Do(func() { close(p.ready) })
	case flasher.Erasing:
		fmt.Fprintln(p.w, "Erasing device...")
	case flasher.Flashing:
		if p.bar == nil {
			p.bar = progressbar.NewOptions(snap.TotalLines,
				progressbar.OptionSetWriter(p.w),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Writing"),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.w) }),
			)
		}
		if delta := snap.CurrentLine - p.last; delta > 0 {
			_ = p.bar.Add(delta)
			p.last = snap.CurrentLine
		}
	case flasher.Done:
		if p.bar != nil {
			_ = p.bar.Finish()
		}
	default:
	}
}

func runFlashText(ctx context.Context, w io.Writer, open flasher.Opener, connInfo string, image *firmware.Image) error {
	fmt.Fprintf(w, "tinkflash - Firmware Update\n")
	fmt.Fprintf(w, "Connection: %s\n", connInfo)
	fmt.Fprintf(w, "Firmware: %s (%d lines)\n\n", image.Source, len(image.Lines))

	progress := newFlashProgress(w)
	runner, err := flasher.Connect(ctx, open, runnerOptions(flasher.WithObserver(progress.observe))...)
	if err != nil {
		if flasher.IsCancelledConnect(err) {
			return fmt.Errorf("no device: %w (use --port or --url)", err)
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	select {
	case <-progress.ready:
	case err := <-done:
		return flashFailed(w, runner.Snapshot(), err)
	}

	snap := runner.Snapshot()
	fmt.Fprintf(w, "Device: %s\n\n", snap.Device)

	fmt.Fprintln(w, eraseWarning)
	if !flashYes && !confirm(w, "Continue?") {
		_ = runner.Abort(ctx, errors.New("cancelled by user"))
		<-done
		fmt.Fprintln(w, "Nothing was written.")
		return nil
	}

	if err := runner.LoadFirmwareLines(ctx, image.Lines); err != nil {
		cancel()
		<-done
		return fmt.Errorf("failed to load firmware: %w", err)
	}
	if err := runner.StartFlashing(ctx); err != nil {
		cancel()
		<-done
		return fmt.Errorf("failed to start flashing: %w", err)
	}

	if err := <-done; err != nil {
		return flashFailed(w, runner.Snapshot(), err)
	}

	snap = runner.Snapshot()
	fmt.Fprintf(w, "\nFirmware written to %s. The device is restarting.\n\n", snap.Device)
	fmt.Fprint(w, snap.Stats.String())
	return nil
}

// flashFailed prints what is known about a failed session
func flashFailed(w io.Writer, snap flasher.Snapshot, err error) error {
	if errors.Is(err, flasher.ErrAckTimeout) && snap.Device == "" {
		fmt.Fprintln(w, "\nThe device did not answer. Make sure it was started in bootloader mode.")
	}
	if snap.State == flasher.Aborted && snap.CurrentLine > 0 {
		fmt.Fprintf(w, "\nAborted after %d of %d lines. The device must be flashed again before it will boot.\n",
			snap.CurrentLine, snap.TotalLines)
	}
	fmt.Fprintf(w, "\n%s", snap.Stats.String())
	return err
}

// confirm asks a yes/no question on stdin. Without a terminal the answer is no.
func confirm(w io.Writer, question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(w, "Not a terminal; pass --yes to continue without confirmation.")
		return false
	}

	fmt.Fprintf(w, "%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// runnerOptions builds runner options from the merged settings
func runnerOptions(extra ...flasher.Option) []flasher.Option {
	opts := []flasher.Option{
		flasher.WithLogger(log.Logger),
		flasher.WithAckTimeout(settings.AckTimeout.Std()),
		flasher.WithEraseTimeout(settings.EraseTimeout.Std()),
		flasher.WithRetries(settings.Retries),
		flasher.WithStrictCRC(settings.StrictCRC),
	}
	return append(opts, extra...)
}
