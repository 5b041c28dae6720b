// Package tui is the terminal observer for the watch session. It renders
// the pushes it receives and turns key presses into session commands.
package tui

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/watchlink/internal/ble"
	"github.com/chaz8081/watchlink/internal/endpoint"
	"github.com/chaz8081/watchlink/internal/protocol"
)

// Sender issues commands to the session owner.
type Sender interface {
	Send(protocol.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(protocol.Message) error

func (f SenderFunc) Send(m protocol.Message) error { return f(m) }

// PushMsg carries one outbound session message into the program.
type PushMsg struct{ Message protocol.Message }

// LinkLostMsg reports that the channel to the daemon is gone.
type LinkLostMsg struct{ Err error }

// LinkUpMsg reports a fresh channel to the daemon. The daemon's replay
// follows it.
type LinkUpMsg struct{}

// replyMsg is the result of a command sent on the user's behalf.
type replyMsg struct {
	kind protocol.Kind
	err  error
}

// Forward returns a push callback that feeds a running program.
func Forward(p interface{ Send(tea.Msg) }) func(protocol.Message) {
	return func(m protocol.Message) { p.Send(PushMsg{Message: m}) }
}

// Link returns a link-state callback that feeds a running program.
func Link(p interface{ Send(tea.Msg) }) func(up bool, err error) {
	return func(up bool, err error) {
		if up {
			p.Send(LinkUpMsg{})
			return
		}
		p.Send(LinkLostMsg{Err: err})
	}
}

// FindCommand rings the watch through the Immediate Alert service.
func FindCommand() protocol.Command {
	return protocol.Command{
		Service:        ble.ImmediateAlertServiceUUID,
		Characteristic: ble.AlertLevelCharUUID,
		Payload:        []byte{ble.AlertHigh},
	}
}

type device struct {
	address string
	name    string
	rssi    int
}

// Model is the root Bubble Tea model.
type Model struct {
	sender Sender
	keys   KeyMap
	width  int

	// Session state as last pushed.
	address  string
	name     string
	status   protocol.Status
	battery  int // -1 until reported
	scanning bool
	remedy   protocol.Remedy

	devices []device
	cursor  int

	lastErr error
	linkUp  bool
}

// New creates the root model.
func New(sender Sender) Model {
	return Model{
		sender:  sender,
		keys:    DefaultKeyMap(),
		battery: -1,
		linkUp:  true,
	}
}

func (m Model) Init() tea.Cmd { return nil }

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case PushMsg:
		m.apply(msg.Message)
		return m, nil

	case LinkLostMsg:
		m.linkUp = false
		m.lastErr = msg.Err
		return m, nil

	case LinkUpMsg:
		m.resetSession()
		m.linkUp = true
		m.lastErr = nil
		return m, nil

	case replyMsg:
		m.lastErr = nil
		if msg.err != nil {
			m.lastErr = fmt.Errorf("%s: %w", msg.kind, msg.err)
			if errors.Is(msg.err, endpoint.ErrUnavailable) {
				m.linkUp = false
			}
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindDeviceSelected:
		if msg.Address != m.address {
			m.battery = -1
		}
		m.address = msg.Address
		m.name = msg.Name
		m.remedy = protocol.RemedyNone
	case protocol.KindStatusChanged:
		m.status = msg.Status
		if msg.Status == protocol.StatusConnected {
			m.remedy = protocol.RemedyNone
		}
	case protocol.KindLocalNameChanged:
		m.name = msg.Name
	case protocol.KindBatteryChanged:
		m.battery = msg.Percent
	case protocol.KindScanStateChanged:
		m.scanning = msg.Scanning
	case protocol.KindDeviceDiscovered:
		m.upsertDevice(device{address: msg.Address, name: msg.Name, rssi: msg.RSSI})
	case protocol.KindDeviceUndiscovered:
		m.removeDevice(msg.Address)
	case protocol.KindRadioFault:
		m.remedy = msg.Remedy
	}
}

// resetSession forgets pushed state so the replay on reattach starts clean.
func (m *Model) resetSession() {
	m.address = ""
	m.name = ""
	m.status = protocol.StatusDisconnected
	m.battery = -1
	m.scanning = false
	m.remedy = protocol.RemedyNone
	m.devices = nil
	m.cursor = 0
}

func (m *Model) upsertDevice(d device) {
	for i := range m.devices {
		if m.devices[i].address == d.address {
			m.devices[i] = d
			m.sortDevices()
			return
		}
	}
	m.devices = append(m.devices, d)
	m.sortDevices()
}

func (m *Model) removeDevice(address string) {
	for i := range m.devices {
		if m.devices[i].address == address {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.devices) {
		m.cursor = max(len(m.devices)-1, 0)
	}
}

// sortDevices orders by signal strength, strongest first.
func (m *Model) sortDevices() {
	sort.SliceStable(m.devices, func(i, j int) bool {
		return m.devices[i].rssi > m.devices[j].rssi
	})
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if key.Matches(msg, m.keys.Scan) {
		return m, m.send(protocol.StartScan())
	}

	if m.address == "" {
		switch {
		case key.Matches(msg, m.keys.Down):
			if len(m.devices) > 0 {
				m.cursor = (m.cursor + 1) % len(m.devices)
			}
		case key.Matches(msg, m.keys.Up):
			if len(m.devices) > 0 {
				m.cursor = (m.cursor - 1 + len(m.devices)) % len(m.devices)
			}
		case key.Matches(msg, m.keys.Select):
			if len(m.devices) > 0 {
				return m, m.selectAndConnect(m.devices[m.cursor].address)
			}
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Toggle):
		if m.status == protocol.StatusDisconnected {
			return m, m.send(protocol.Connect())
		}
		return m, m.send(protocol.Disconnect())
	case key.Matches(msg, m.keys.Battery):
		return m, m.send(protocol.RequestBatteryLife())
	case key.Matches(msg, m.keys.Find):
		return m, m.send(protocol.SendCommand(FindCommand()))
	case key.Matches(msg, m.keys.Unpair):
		return m, m.send(protocol.Deselect())
	}
	return m, nil
}

// send issues msg off the update loop.
func (m Model) send(msg protocol.Message) tea.Cmd {
	s := m.sender
	return func() tea.Msg {
		if s == nil {
			return replyMsg{kind: msg.Kind, err: endpoint.ErrUnavailable}
		}
		return replyMsg{kind: msg.Kind, err: s.Send(msg)}
	}
}

func (m Model) selectAndConnect(address string) tea.Cmd {
	s := m.sender
	return func() tea.Msg {
		if s == nil {
			return replyMsg{kind: protocol.KindSelectDevice, err: endpoint.ErrUnavailable}
		}
		if err := s.Send(protocol.SelectDevice(address)); err != nil {
			return replyMsg{kind: protocol.KindSelectDevice, err: err}
		}
		return replyMsg{kind: protocol.KindConnect, err: s.Send(protocol.Connect())}
	}
}

// View renders the current screen.
func (m Model) View() string {
	var b strings.Builder
	if m.address == "" {
		b.WriteString(m.viewNoDevice())
	} else {
		b.WriteString(m.viewDevice())
	}
	b.WriteString("\n")

	if m.remedy != protocol.RemedyNone {
		b.WriteString(warnStyle.Render(remedyText(m.remedy)))
		b.WriteString("\n")
	}
	if !m.linkUp {
		b.WriteString(errorStyle.Render("Session unavailable, reconnecting..."))
		b.WriteString("\n")
	}
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(m.help()))
	return b.String()
}

func (m Model) viewNoDevice() string {
	var lines []string
	lines = append(lines, titleStyle.Render("No device selected"))
	if m.scanning {
		lines = append(lines, warnStyle.Render("Scanning..."))
	}
	if len(m.devices) == 0 {
		lines = append(lines, dimStyle.Render("No devices found. Press s to scan."))
	}
	for i, d := range m.devices {
		name := d.name
		if name == "" {
			name = "(unnamed)"
		}
		line := fmt.Sprintf("%-20s %s %4d dBm", name, d.address, d.rssi)
		if i == m.cursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return panelStyle.Width(max(m.width-2, 40)).Render(strings.Join(lines, "\n"))
}

func (m Model) viewDevice() string {
	name := m.name
	if name == "" {
		name = m.address
	}
	status := lipgloss.NewStyle().Foreground(statusColor(m.status)).Render(m.status.String())

	lines := []string{
		titleStyle.Render(name),
		dimStyle.Render(m.address),
		"Status:  " + status,
	}
	if m.status != protocol.StatusDisconnected && m.battery >= 0 {
		bat := lipgloss.NewStyle().Foreground(batteryColor(m.battery)).Render(fmt.Sprintf("%d%%", m.battery))
		lines = append(lines, "Battery: "+bat)
	}
	if m.scanning {
		lines = append(lines, warnStyle.Render("Scanning for the watch..."))
	}
	return panelStyle.Width(max(m.width-2, 40)).Render(strings.Join(lines, "\n"))
}

func (m Model) help() string {
	var bindings []key.Binding
	if m.address == "" {
		bindings = []key.Binding{m.keys.Up, m.keys.Down, m.keys.Select, m.keys.Scan, m.keys.Quit}
	} else {
		bindings = []key.Binding{m.keys.Toggle, m.keys.Battery, m.keys.Find, m.keys.Unpair, m.keys.Scan, m.keys.Quit}
	}
	parts := make([]string, 0, len(bindings))
	for _, kb := range bindings {
		h := kb.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, "  ")
}

func remedyText(r protocol.Remedy) string {
	switch r {
	case protocol.RemedyResetRadio:
		return "Bluetooth needs a reset. Toggle Bluetooth off and on."
	case protocol.RemedyRestartHost:
		return "Bluetooth is not working. Restart this computer."
	case protocol.RemedyWaitAndSee:
		return "Bluetooth reported a problem. Waiting for it to recover."
	default:
		return ""
	}
}
