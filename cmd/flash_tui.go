// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.bug.st/serial"

	"github.com/Thermoquad/tinkflash/pkg/firmware"
	"github.com/Thermoquad/tinkflash/pkg/flasher"
)

type tuiPhase int

const (
	phasePickPort tuiPhase = iota
	phaseConnecting
	phaseConnected
	phaseFinished
)

// portItem is a serial port offered by the picker
type portItem string

func (p portItem) Title() string       { return string(p) }
func (p portItem) Description() string { return "serial port" }
func (p portItem) FilterValue() string { return string(p) }

type eventEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type snapshotMsg flasher.Snapshot

type connectedMsg struct {
	runner *flasher.Runner
}

type connectFailedMsg struct {
	err error
}

type runDoneMsg struct {
	err error
}

type requestFailedMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

type flashModel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	open     flasher.Opener
	connInfo string
	image    *firmware.Image

	phase    tuiPhase
	ports    list.Model
	spinner  spinner.Model
	progress progress.Model

	runner    *flasher.Runner
	snapshots chan flasher.Snapshot
	snap      flasher.Snapshot
	started   bool
	result    error

	events    []eventEntry
	maxEvents int

	width    int
	height   int
	quitting bool
}

func initialFlashModel(ctx context.Context, open flasher.Opener, connInfo string, image *firmware.Image, ports []string) flashModel {
	ctx, cancel := context.WithCancel(ctx)

	items := make([]list.Item, len(ports))
	for i, p := range ports {
		items[i] = portItem(p)
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = false
	delegate.SetSpacing(0)
	portList := list.New(items, delegate, 40, 12)
	portList.Title = "Select the RetroTINK serial port"
	portList.SetShowStatusBar(false)
	portList.SetFilteringEnabled(false)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	phase := phaseConnecting
	if wsURL == "" && settings.Port == "" {
		phase = phasePickPort
	}

	return flashModel{
		ctx:       ctx,
		cancel:    cancel,
		open:      open,
		connInfo:  connInfo,
		image:     image,
		phase:     phase,
		ports:     portList,
		spinner:   sp,
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		snapshots: make(chan flasher.Snapshot, 64),
		maxEvents: 100,
		width:     80,
		height:    24,
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// observe forwards snapshots without ever blocking the runner. The final
// state is read again when Run returns.
func (m flashModel) observe(snap flasher.Snapshot) {
	select {
	case m.snapshots <- snap:
	default:
	}
}

func (m flashModel) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		select {
		case snap := <-m.snapshots:
			return snapshotMsg(snap)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m flashModel) connect() tea.Cmd {
	return func() tea.Msg {
		runner, err := flasher.Connect(m.ctx, m.open, runnerOptions(flasher.WithObserver(m.observe))...)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{runner: runner}
	}
}

func (m flashModel) run() tea.Cmd {
	runner := m.runner
	return func() tea.Msg {
		return runDoneMsg{err: runner.Run(m.ctx)}
	}
}

func (m flashModel) startFlashing() tea.Cmd {
	runner, lines := m.runner, m.image.Lines
	return func() tea.Msg {
		if err := runner.LoadFirmwareLines(m.ctx, lines); err != nil {
			return requestFailedMsg{err: fmt.Errorf("failed to load firmware: %w", err)}
		}
		if err := runner.StartFlashing(m.ctx); err != nil {
			return requestFailedMsg{err: fmt.Errorf("failed to start flashing: %w", err)}
		}
		return nil
	}
}

//////////////////////////////////////////////////////////////
// Update
//////////////////////////////////////////////////////////////

func (m flashModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.waitForSnapshot()}
	if m.phase == phaseConnecting {
		cmds = append(cmds, m.connect())
	}
	return tea.Batch(cmds...)
}

func (m flashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ports.SetSize(msg.Width-4, msg.Height-8)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.applySnapshot(flasher.Snapshot(msg))
		return m, m.waitForSnapshot()

	case connectedMsg:
		m.runner = msg.runner
		m.phase = phaseConnected
		m.addEvent("Connected, waiting for bootloader", false)
		return m, m.run()

	case connectFailedMsg:
		m.phase = phaseFinished
		m.result = msg.err
		if flasher.IsCancelledConnect(msg.err) {
			m.addEvent(fmt.Sprintf("No device: %v", msg.err), true)
		} else {
			m.addEvent(msg.err.Error(), true)
		}
		return m, nil

	case requestFailedMsg:
		m.addEvent(msg.err.Error(), true)
		return m, nil

	case runDoneMsg:
		m.phase = phaseFinished
		m.result = msg.err
		m.applySnapshot(m.runner.Snapshot())
		if msg.err == nil {
			m.addEvent("Firmware written, the device is restarting", false)
		} else {
			m.addEvent(msg.err.Error(), true)
			if errors.Is(msg.err, flasher.ErrAckTimeout) && m.snap.Device == "" {
				m.addEvent("No answer: is the device in bootloader mode?", true)
			}
		}
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

func (m flashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" || (key == "q" && m.phase != phasePickPort) {
		m.quitting = true
		if m.runner != nil && m.phase == phaseConnected {
			// Run returns once the session has aborted
			m.cancel()
			return m, nil
		}
		m.cancel()
		return m, tea.Quit
	}

	switch m.phase {
	case phasePickPort:
		if key == "enter" {
			item, ok := m.ports.SelectedItem().(portItem)
			if !ok {
				return m, nil
			}
			settings.Port = string(item)
			m.connInfo = serialInfo()
			m.phase = phaseConnecting
			return m, m.connect()
		}
		if key == "q" || key == "esc" {
			m.cancel()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.ports, cmd = m.ports.Update(msg)
		return m, cmd

	case phaseConnected:
		if (key == "y" || key == "enter") && m.snap.State == flasher.ReadyToFlash && !m.started {
			m.started = true
			m.addEvent("Erasing device", false)
			return m, m.startFlashing()
		}

	case phaseFinished:
		if key == "enter" || key == "esc" {
			return m, tea.Quit
		}

	default:
	}

	return m, nil
}

func (m *flashModel) applySnapshot(snap flasher.Snapshot) {
	prev := m.snap
	m.snap = snap

	if snap.State == prev.State {
		return
	}
	switch snap.State {
	case flasher.ReadyToFlash:
		m.addEvent(fmt.Sprintf("Found %s", snap.Device), false)
	case flasher.Flashing:
		m.addEvent(fmt.Sprintf("Writing %d lines", snap.TotalLines), false)
	case flasher.ConnectFailed, flasher.Aborted:
		if snap.Err != nil {
			m.addEvent(fmt.Sprintf("%s: %v", snap.State, snap.Err), true)
		}
	default:
	}
}

func (m *flashModel) addEvent(message string, isError bool) {
	m.events = append(m.events, eventEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m flashModel) View() string {
	if m.phase == phasePickPort {
		return m.ports.View() + "\n" + headerStyle.Render("enter: select  q: quit")
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("TINKFLASH - FIRMWARE UPDATE"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Firmware: %s (%d lines) | Press 'q' to quit",
		m.connInfo, m.image.Source, len(m.image.Lines))))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.statusView()))
	s.WriteString("\n\n")

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.eventsView()))

	return s.String()
}

func (m flashModel) statusView() string {
	var s strings.Builder

	device := m.snap.Device
	if device == "" {
		device = "-"
	}
	fmt.Fprintf(&s, "%s %s   %s %s\n",
		labelStyle.Render("State:"), valueStyle.Render(m.snap.State.String()),
		labelStyle.Render("Device:"), valueStyle.Render(device))

	switch {
	case m.phase == phaseConnecting || (m.phase == phaseConnected && m.snap.State == flasher.Disconnected):
		fmt.Fprintf(&s, "%s Waiting for the bootloader...", m.spinner.View())

	case m.snap.State == flasher.ReadyToFlash && !m.started:
		s.WriteString(warningStyle.Render(eraseWarning))
		s.WriteString("\n\n")
		s.WriteString(labelStyle.Render("Press 'y' to erase and flash, 'q' to quit."))

	case m.snap.State == flasher.Erasing || (m.started && m.snap.State == flasher.ReadyToFlash):
		fmt.Fprintf(&s, "%s Erasing device, this can take a while...", m.spinner.View())

	case m.snap.TotalLines > 0:
		s.WriteString(m.progress.ViewAs(m.snap.Progress()))
		fmt.Fprintf(&s, "\n%s %d / %d",
			labelStyle.Render("Lines:"), m.snap.CurrentLine, m.snap.TotalLines)
		if m.snap.State == flasher.Done {
			s.WriteString("\n")
			s.WriteString(valueStyle.Render("✓ Done. Press enter to exit."))
		}

	default:
	}

	if m.phase == phaseFinished && m.result != nil {
		s.WriteString("\n")
		s.WriteString(errorStyle.Render("✗ " + m.result.Error()))
	}

	stats := m.snap.Stats
	if anomalies := stats.Anomalies(); anomalies > 0 {
		fmt.Fprintf(&s, "\n%s %s",
			labelStyle.Render("Anomalies:"), errorStyle.Render(fmt.Sprintf("%d", anomalies)))
	}

	return s.String()
}

func (m flashModel) eventsView() string {
	logHeight := m.height - 16
	if logHeight < 5 {
		logHeight = 5
	}

	if len(m.events) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	var s strings.Builder
	start := len(m.events) - logHeight
	if start < 0 {
		start = 0
	}
	for _, entry := range m.events[start:] {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			fmt.Fprintf(&s, "%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&s, "%s %s\n", timestamp, warningStyle.Render("ℹ "+entry.message))
		}
	}
	return s.String()
}

func runFlashTUI(ctx context.Context, open flasher.Opener, connInfo string, image *firmware.Image) error {
	// The terminal belongs to the interface from here on
	if wsURL != "" && wsUsername != "" {
		if _, err := bridgePassword(); err != nil {
			return err
		}
	}
	setupLogging(os.Stderr, true, settings.LogFile, settings.Debug)

	var ports []string
	if wsURL == "" && settings.Port == "" {
		var err error
		ports, err = serial.GetPortsList()
		if err != nil {
			return fmt.Errorf("failed to list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return fmt.Errorf("no serial ports found: %w", flasher.ErrNoDeviceSelected)
		}
	}

	m := initialFlashModel(ctx, open, connInfo, image, ports)
	defer m.cancel()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}

	fm, ok := final.(flashModel)
	if !ok {
		return err
	}
	if fm.result == nil && fm.snap.State != flasher.Done {
		return flasher.ErrAborted
	}
	if fm.result != nil {
		fmt.Fprintf(os.Stderr, "Flashing failed: %v\n", fm.result)
	} else {
		fmt.Printf("Firmware written to %s.\n", fm.snap.Device)
	}
	fmt.Print(fm.snap.Stats.String())
	return fm.result
}
