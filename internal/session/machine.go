// Package session owns the synchronization session with the paired watch.
// A single goroutine runs the state machine; radio callbacks and observer
// commands are marshaled onto it through one event queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/watchlink/internal/ble"
	"github.com/chaz8081/watchlink/internal/endpoint"
	"github.com/chaz8081/watchlink/internal/identity"
	"github.com/chaz8081/watchlink/internal/protocol"
)

var (
	// ErrNoDevice is returned by Connect when no device is selected.
	ErrNoDevice = errors.New("session: no device selected")
	// ErrNotConnected is returned for commands that need a live link.
	ErrNotConnected = errors.New("session: not connected")
	// ErrInvalidAddress is returned when selecting an empty address.
	ErrInvalidAddress = errors.New("session: invalid address")
	// ErrUnsupported is returned for messages the session does not accept.
	ErrUnsupported = errors.New("session: unsupported message")
)

// Discovery is the part of the discovery layer the machine drives. Every
// method returns without waiting on the radio.
type Discovery interface {
	StartScan(timeout time.Duration)
	Connect(address string, attempt uint64)
	Disconnect(address string, attempt uint64)
	HasKnownDevice(address string) bool
	DeviceName(address string) string
	RequestBatteryLife(address string)
	SendCommand(address string, cmd protocol.Command) error
}

// Publisher receives every outbound message in generation order.
type Publisher interface {
	Publish(protocol.Message)
}

// Options configures the machine.
type Options struct {
	ScanTimeout    time.Duration // startup and on-demand scan window (default 10s)
	ConnectOnStart bool          // connect to a known default device at startup
	QueueSize      int           // event queue capacity (default 64)
	// OnFault is called on its own goroutine for every radio fault.
	OnFault func(protocol.Remedy)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:    10 * time.Second,
		ConnectOnStart: true,
		QueueSize:      64,
	}
}

// Snapshot is a copy of the machine's state for other goroutines.
type Snapshot struct {
	Identity      identity.Identity
	Status        protocol.Status
	Attempt       uint64
	Disconnecting bool
	Scanning      bool
}

// Machine is the session state machine.
type Machine struct {
	store identity.Store
	disc  Discovery
	pub   Publisher
	opts  Options

	events  chan func()
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	id            identity.Identity
	status        protocol.Status
	attempt       uint64
	disconnecting bool
	scanning      bool

	snapMu sync.Mutex
	snap   Snapshot
}

// NewMachine creates a machine. Nothing happens until Run is called.
func NewMachine(store identity.Store, disc Discovery, pub Publisher, opts Options) *Machine {
	def := DefaultOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Machine{
		store:  store,
		disc:   disc,
		pub:    pub,
		opts:   opts,
		events: make(chan func(), opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Run loads the default device, performs the startup policy and then
// processes events until ctx is done. It may be called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(m.done)

	m.start()
	m.settle()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Session] stopped", "status", m.status)
			return nil
		case fn := <-m.events:
			fn()
			m.settle()
		}
	}
}

// Done is closed when Run returns.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

// post queues fn for the Run goroutine. It reports false once Run has
// returned.
func (m *Machine) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Handle applies an observer command and returns its synchronous result.
// It waits only for the transition itself, never for the radio.
func (m *Machine) Handle(msg protocol.Message) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- m.handle(msg) }) {
		return endpoint.ErrUnavailable
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return endpoint.ErrUnavailable
	}
}

// The ble.Handler methods below queue each event for the run loop without
// waiting for it to be applied. Events arriving after Run returns are
// dropped.

// OnDiscovered reconnects the default device when it reappears.
func (m *Machine) OnDiscovered(dev ble.Device) { m.post(func() { m.discovered(dev) }) }

// OnUndiscovered reports a device that left range.
func (m *Machine) OnUndiscovered(mac string) { m.post(func() { m.undiscovered(mac) }) }

// OnScanStarted and OnScanStopped track the scan window.
func (m *Machine) OnScanStarted() { m.post(func() { m.scanState(true) }) }
func (m *Machine) OnScanStopped() { m.post(func() { m.scanState(false) }) }

// OnLinkOutcome applies a connect or disconnect result. Outcomes tagged
// with an old attempt are ignored.
func (m *Machine) OnLinkOutcome(mac string, attempt uint64, o ble.Outcome) {
	m.post(func() { m.outcome(mac, attempt, o) })
}

// OnRadioFault drops the session and tells the observer how to recover.
func (m *Machine) OnRadioFault(remedy protocol.Remedy) { m.post(func() { m.radioFault(remedy) }) }

// OnBattery pushes the level of the connected device.
func (m *Machine) OnBattery(mac string, pct int) { m.post(func() { m.battery(mac, pct) }) }

// OnLocalName stores the name the device reports for itself.
func (m *Machine) OnLocalName(mac, name string) { m.post(func() { m.localName(mac, name) }) }

var (
	_ ble.Handler      = (*Machine)(nil)
	_ endpoint.Handler = (*Machine)(nil)
)

func (m *Machine) publish(msg protocol.Message) {
	if m.pub != nil {
		m.pub.Publish(msg)
	}
}

func (m *Machine) setStatus(s protocol.Status) {
	if m.status == s {
		return
	}
	slog.Info("[Session] status", "from", m.status, "to", s, "address", m.id.Address, "attempt", m.attempt)
	m.status = s
	m.publish(protocol.StatusChanged(s))
}

// settle checks the invariants and refreshes the snapshot after a transition.
func (m *Machine) settle() {
	if m.status == protocol.StatusConnected && m.id.Address == "" {
		slog.Error("[Session] invariant violated: connected without a device", "attempt", m.attempt)
	}
	m.snapMu.Lock()
	m.snap = Snapshot{
		Identity:      m.id,
		Status:        m.status,
		Attempt:       m.attempt,
		Disconnecting: m.disconnecting,
		Scanning:      m.scanning,
	}
	m.snapMu.Unlock()
}

func (m *Machine) start() {
	id, err := m.store.Get()
	if err != nil {
		slog.Error("[Session] reading default device failed", "error", err)
		id = identity.Identity{}
	}
	m.id = id
	m.publish(protocol.DeviceSelected(id.Address, id.Name))
	if id.Name != "" {
		m.publish(protocol.LocalNameChanged(id.Name))
	}

	switch {
	case id.Empty():
		slog.Info("[Session] no default device, scanning")
		m.disc.StartScan(m.opts.ScanTimeout)
	case !m.disc.HasKnownDevice(id.Address):
		slog.Info("[Session] default device unknown to radio, scanning", "address", id.Address)
		m.disc.StartScan(m.opts.ScanTimeout)
	case m.opts.ConnectOnStart:
		m.connect()
	}
}

func (m *Machine) handle(msg protocol.Message) error {
	slog.Debug("[Session] command", "message", msg)
	switch msg.Kind {
	case protocol.KindSelectDevice:
		return m.selectDevice(msg.Address)
	case protocol.KindDeselect:
		return m.deselect()
	case protocol.KindConnect:
		return m.connect()
	case protocol.KindDisconnect:
		m.disconnect()
		return nil
	case protocol.KindRequestBatteryLife:
		if m.status != protocol.StatusConnected {
			return ErrNotConnected
		}
		m.disc.RequestBatteryLife(m.id.Address)
		return nil
	case protocol.KindSendCommand:
		if m.status != protocol.StatusConnected {
			return ErrNotConnected
		}
		if msg.Command.Characteristic == "" {
			return fmt.Errorf("%w: command without characteristic", ErrUnsupported)
		}
		if err := m.disc.SendCommand(m.id.Address, msg.Command); err != nil {
			return fmt.Errorf("session: send command: %w", err)
		}
		return nil
	case protocol.KindStartScan:
		m.disc.StartScan(m.opts.ScanTimeout)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.Kind)
	}
}

func (m *Machine) selectDevice(address string) error {
	if address == "" {
		return ErrInvalidAddress
	}
	if address == m.id.Address {
		return nil
	}

	next := identity.Identity{Address: address, Name: m.disc.DeviceName(address)}
	if err := m.store.Set(next); err != nil {
		return err
	}

	// Switching devices severs the old link.
	if m.status != protocol.StatusDisconnected {
		m.attempt++
		if !m.disconnecting {
			m.disc.Disconnect(m.id.Address, m.attempt)
		}
		m.disconnecting = false
		m.setStatus(protocol.StatusDisconnected)
	}

	prevName := m.id.Name
	m.id = next
	slog.Info("[Session] device selected", "address", next.Address, "name", next.Name)
	m.publish(protocol.DeviceSelected(next.Address, next.Name))
	if next.Name != prevName {
		m.publish(protocol.LocalNameChanged(next.Name))
	}
	return nil
}

func (m *Machine) deselect() error {
	if err := m.store.Clear(); err != nil {
		return err
	}
	if m.id.Empty() {
		return nil
	}

	if m.status != protocol.StatusDisconnected {
		m.attempt++
		if !m.disconnecting {
			m.disc.Disconnect(m.id.Address, m.attempt)
		}
		m.disconnecting = false
		m.setStatus(protocol.StatusDisconnected)
	}

	prevName := m.id.Name
	slog.Info("[Session] device deselected", "address", m.id.Address)
	m.id = identity.Identity{}
	m.publish(protocol.DeviceSelected("", ""))
	if prevName != "" {
		m.publish(protocol.LocalNameChanged(""))
	}
	return nil
}

func (m *Machine) connect() error {
	if m.id.Empty() {
		return ErrNoDevice
	}
	if m.status != protocol.StatusDisconnected || m.disconnecting {
		return nil
	}
	m.attempt++
	m.disc.Connect(m.id.Address, m.attempt)
	m.setStatus(protocol.StatusConnecting)
	return nil
}

func (m *Machine) disconnect() {
	if m.status == protocol.StatusDisconnected || m.disconnecting {
		return
	}
	m.attempt++
	m.disconnecting = true
	m.disc.Disconnect(m.id.Address, m.attempt)
}

func (m *Machine) outcome(mac string, attempt uint64, o ble.Outcome) {
	if mac != m.id.Address || attempt != m.attempt {
		slog.Debug("[Session] stale link outcome", "address", mac, "attempt", attempt, "outcome", o.Kind)
		return
	}

	switch o.Kind {
	case ble.OutcomeConnected:
		if m.status != protocol.StatusConnecting || m.disconnecting {
			return
		}
		m.setStatus(protocol.StatusConnected)
		m.disc.RequestBatteryLife(mac)
	case ble.OutcomeFailed, ble.OutcomeLost:
		if o.Err != nil {
			slog.Warn("[Session] link down", "address", mac, "outcome", o.Kind, "error", o.Err)
		}
		m.disconnecting = false
		m.setStatus(protocol.StatusDisconnected)
	case ble.OutcomeDisconnected:
		m.disconnecting = false
		m.setStatus(protocol.StatusDisconnected)
	}
}

func (m *Machine) discovered(dev ble.Device) {
	m.publish(protocol.DeviceDiscovered(dev.MAC, dev.Name, dev.RSSI))
	if dev.MAC != m.id.Address || m.id.Empty() {
		return
	}
	if m.status == protocol.StatusDisconnected && !m.disconnecting {
		slog.Info("[Session] default device rediscovered, reconnecting", "address", dev.MAC)
		m.connect()
	}
}

func (m *Machine) undiscovered(mac string) {
	m.publish(protocol.DeviceUndiscovered(mac))
}

func (m *Machine) scanState(scanning bool) {
	if m.scanning == scanning {
		return
	}
	m.scanning = scanning
	m.publish(protocol.ScanStateChanged(scanning))
}

// radioFault drops the session as if the link were lost; the remedy goes
// to the observer and the host.
func (m *Machine) radioFault(remedy protocol.Remedy) {
	if m.status != protocol.StatusDisconnected {
		m.attempt++
		m.disconnecting = false
		m.setStatus(protocol.StatusDisconnected)
	}
	m.publish(protocol.RadioFault(remedy))
	if m.opts.OnFault != nil {
		go m.opts.OnFault(remedy)
	}
}

func (m *Machine) battery(mac string, pct int) {
	if mac != m.id.Address || m.status != protocol.StatusConnected {
		return
	}
	m.publish(protocol.BatteryChanged(min(max(pct, 0), 100)))
}

func (m *Machine) localName(mac, name string) {
	if mac != m.id.Address || m.id.Empty() || name == m.id.Name {
		return
	}
	m.id.Name = name
	if err := m.store.Set(m.id); err != nil {
		slog.Error("[Session] persisting device name failed", "address", mac, "error", err)
	}
	m.publish(protocol.LocalNameChanged(name))
}
