package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/watchlink/internal/protocol"
)

// ErrNoLink is returned for link operations on a device that is not linked.
var ErrNoLink = errors.New("ble: no link to device")

// DiscoveryOptions configures the discovery layer.
type DiscoveryOptions struct {
	ServiceUUID     string        // scan filter, empty reports every peripheral
	ConnectTimeout  time.Duration // per connect attempt (default 30s)
	InterChunkDelay time.Duration // delay between BLE write chunks (default 20ms)
	ChunkSize       int           // max bytes per BLE write (default 20)
}

// DefaultDiscoveryOptions returns sensible defaults.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		ConnectTimeout:  30 * time.Second,
		InterChunkDelay: 20 * time.Millisecond,
		ChunkSize:       protocol.DefaultChunkSize,
	}
}

type pendingConnect struct {
	attempt uint64
	cancel  context.CancelFunc
}

// Discovery turns a radio Adapter into asynchronous discovery events and
// tagged link outcomes. Every Handler callback runs on a goroutine started
// here, never inside the call that caused it.
type Discovery struct {
	adapter Adapter
	opts    DiscoveryOptions

	enableMu sync.Mutex
	enabled  bool

	mu         sync.Mutex
	handler    Handler
	known      map[string]Device
	bonded     map[string]bool
	pending    map[string]*pendingConnect
	links      map[string]*link
	scanCancel context.CancelFunc // nil when not scanning
	scanGen    uint64
	closing    bool          // window is reporting its end
	scanNext   time.Duration // window requested while closing
	closed     bool

	wg sync.WaitGroup
}

// NewDiscovery creates a discovery layer over adapter. Events are dropped
// until SetHandler is called.
func NewDiscovery(adapter Adapter, opts DiscoveryOptions) *Discovery {
	def := DefaultDiscoveryOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.InterChunkDelay <= 0 {
		opts.InterChunkDelay = def.InterChunkDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	return &Discovery{
		adapter: adapter,
		opts:    opts,
		handler: NopHandler{},
		known:   make(map[string]Device),
		bonded:  make(map[string]bool),
		pending: make(map[string]*pendingConnect),
		links:   make(map[string]*link),
	}
}

// SetHandler sets the receiver of discovery events.
func (d *Discovery) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Discovery) emit(fn func(Handler)) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	fn(h)
}

func (d *Discovery) async(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Enable powers on the radio and loads the bond list. A failure is also
// reported as a radio fault.
func (d *Discovery) Enable() error {
	if err := d.ensureEnabled(); err != nil {
		d.fault(err)
		return err
	}
	return nil
}

func (d *Discovery) ensureEnabled() error {
	d.enableMu.Lock()
	defer d.enableMu.Unlock()
	if d.enabled {
		return nil
	}
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	d.enabled = true

	if bl, ok := d.adapter.(BondedLister); ok {
		devices, err := bl.Bonded()
		if err != nil {
			slog.Warn("[BLE] listing bonded devices failed", "error", err)
			return nil
		}
		d.mu.Lock()
		for _, dev := range devices {
			d.known[dev.MAC] = dev
			d.bonded[dev.MAC] = true
		}
		d.mu.Unlock()
		slog.Debug("[BLE] bonded devices loaded", "count", len(devices))
	}
	return nil
}

// HasKnownDevice reports whether mac was enumerated by a scan or is bonded.
func (d *Discovery) HasKnownDevice(mac string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.known[mac]
	return ok
}

// DeviceName returns the name from the last discovery record for mac.
func (d *Discovery) DeviceName(mac string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[mac].Name
}

// Scanning reports whether a scan window is open.
func (d *Discovery) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanCancel != nil
}

// StartScan opens a scan window of the given length. It is a no-op while a
// window is already open. A request that arrives while a window is
// reporting its end opens the next window after ScanStopped.
func (d *Discovery) StartScan(timeout time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.scanCancel != nil {
		if d.closing {
			d.scanNext = timeout
		}
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	d.scanCancel = cancel
	d.scanGen++
	gen := d.scanGen
	d.mu.Unlock()

	d.async(func() { d.runScan(ctx, gen) })
}

// StopScan ends the current scan window early.
func (d *Discovery) StopScan() {
	d.mu.Lock()
	cancel := d.scanCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Discovery) runScan(ctx context.Context, gen uint64) {
	d.emit(func(h Handler) { h.OnScanStarted() })
	slog.Info("[BLE] scan started", "service", d.opts.ServiceUUID)

	seen := make(map[string]bool)
	err := d.ensureEnabled()
	if err == nil {
		err = d.adapter.Scan(ctx, d.opts.ServiceUUID, func(dev Device) {
			d.mu.Lock()
			prev, had := d.known[dev.MAC]
			if dev.Name == "" && had {
				dev.Name = prev.Name
			}
			d.known[dev.MAC] = dev
			first := !seen[dev.MAC]
			seen[dev.MAC] = true
			d.mu.Unlock()

			if first {
				slog.Debug("[BLE] discovered", "mac", dev.MAC, "name", dev.Name, "rssi", dev.RSSI)
				d.emit(func(h Handler) { h.OnDiscovered(dev) })
			}
		})
	}

	d.mu.Lock()
	if d.scanGen == gen && d.scanCancel != nil {
		d.scanCancel()
		d.closing = true
	}
	var gone []string
	if err == nil {
		for mac := range d.known {
			if seen[mac] || d.bonded[mac] || d.links[mac] != nil {
				continue
			}
			delete(d.known, mac)
			gone = append(gone, mac)
		}
	}
	d.mu.Unlock()

	if err != nil {
		if _, ok := faultRemedy(err); ok || !d.isEnabled() {
			d.fault(err)
		} else {
			slog.Warn("[BLE] scan failed", "error", err)
		}
	}
	for _, mac := range gone {
		d.emit(func(h Handler) { h.OnUndiscovered(mac) })
	}
	slog.Info("[BLE] scan stopped", "seen", len(seen), "gone", len(gone))
	d.emit(func(h Handler) { h.OnScanStopped() })

	d.mu.Lock()
	var next time.Duration
	if d.scanGen == gen {
		d.scanCancel = nil
		d.closing = false
		next, d.scanNext = d.scanNext, 0
	}
	d.mu.Unlock()
	if next > 0 {
		d.StartScan(next)
	}
}

func (d *Discovery) isEnabled() bool {
	d.enableMu.Lock()
	defer d.enableMu.Unlock()
	return d.enabled
}

// Connect starts an asynchronous connect to mac tagged with attempt. It
// supersedes any pending connect or live link to the same address.
func (d *Discovery) Connect(mac string, attempt uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ConnectTimeout)
	p := &pendingConnect{attempt: attempt, cancel: cancel}

	d.mu.Lock()
	if old, ok := d.pending[mac]; ok {
		old.cancel()
	}
	d.pending[mac] = p
	stale := d.links[mac]
	delete(d.links, mac)
	d.mu.Unlock()

	d.async(func() {
		defer cancel()
		if stale != nil {
			stale.conn.Disconnect()
		}
		d.runConnect(ctx, mac, p)
	})
}

func (d *Discovery) runConnect(ctx context.Context, mac string, p *pendingConnect) {
	if err := d.ensureEnabled(); err != nil {
		d.fault(err)
		return
	}

	conn, err := d.adapter.Connect(ctx, mac)
	if err != nil {
		if _, ok := faultRemedy(err); ok {
			d.fault(err)
			return
		}
	}

	d.mu.Lock()
	current := d.pending[mac] == p
	if current {
		delete(d.pending, mac)
	}
	var l *link
	if current && err == nil {
		l = newLink(mac, p.attempt, conn, d.opts)
		d.links[mac] = l
	}
	d.mu.Unlock()

	switch {
	case !current:
		if conn != nil {
			conn.Disconnect()
		}
		slog.Debug("[BLE] connect superseded", "mac", mac, "attempt", p.attempt)
		d.emitOutcome(mac, p.attempt, Outcome{Kind: OutcomeFailed, Err: ErrSuperseded})
		return
	case err != nil:
		slog.Warn("[BLE] connect failed", "mac", mac, "attempt", p.attempt, "error", err)
		d.emitOutcome(mac, p.attempt, Outcome{Kind: OutcomeFailed, Err: err})
		return
	}

	conn.OnDisconnect(func() { d.linkDropped(l) })
	slog.Info("[BLE] connected", "mac", mac, "attempt", p.attempt)
	d.emitOutcome(mac, p.attempt, Outcome{Kind: OutcomeConnected})

	name, err := l.readName()
	if err != nil || name == "" {
		slog.Debug("[BLE] device name unavailable, using advertised name", "mac", mac, "error", err)
		name = d.DeviceName(mac)
	}
	if name != "" {
		d.emit(func(h Handler) { h.OnLocalName(mac, name) })
	}

	if err := l.subscribeBattery(func(pct int) {
		d.emit(func(h Handler) { h.OnBattery(mac, pct) })
	}); err != nil {
		slog.Warn("[BLE] battery notifications unavailable", "mac", mac, "error", err)
	}
}

// linkDropped handles an unrequested disconnect of l.
func (d *Discovery) linkDropped(l *link) {
	d.mu.Lock()
	current := d.links[l.mac] == l
	if current {
		delete(d.links, l.mac)
	}
	d.mu.Unlock()
	if !current {
		return
	}

	slog.Warn("[BLE] link lost", "mac", l.mac, "attempt", l.attempt, "sent", l.sent.Load())
	d.async(func() {
		d.emitOutcome(l.mac, l.attempt, Outcome{Kind: OutcomeLost})
	})
}

// Disconnect tears down any pending connect or link to mac and reports
// exactly one OutcomeDisconnected tagged with attempt.
func (d *Discovery) Disconnect(mac string, attempt uint64) {
	d.mu.Lock()
	if p, ok := d.pending[mac]; ok {
		p.cancel()
		delete(d.pending, mac)
	}
	l := d.links[mac]
	delete(d.links, mac)
	d.mu.Unlock()

	d.async(func() {
		if l != nil {
			if err := l.conn.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect failed", "mac", mac, "error", err)
			}
		}
		slog.Info("[BLE] disconnected", "mac", mac, "attempt", attempt)
		d.emitOutcome(mac, attempt, Outcome{Kind: OutcomeDisconnected})
	})
}

func (d *Discovery) emitOutcome(mac string, attempt uint64, o Outcome) {
	d.emit(func(h Handler) { h.OnLinkOutcome(mac, attempt, o) })
}

// RequestBatteryLife reads the battery level of the linked device and
// reports it through OnBattery.
func (d *Discovery) RequestBatteryLife(mac string) {
	d.mu.Lock()
	l := d.links[mac]
	d.mu.Unlock()
	if l == nil {
		slog.Debug("[BLE] battery request without link", "mac", mac)
		return
	}

	d.async(func() {
		pct, err := l.readBattery()
		if err != nil {
			slog.Warn("[BLE] battery read failed", "mac", mac, "error", err)
			return
		}
		d.emit(func(h Handler) { h.OnBattery(mac, pct) })
	})
}

// SendCommand writes an opaque command to the linked device. The write
// happens in the background. Only the missing link is reported here.
func (d *Discovery) SendCommand(mac string, cmd protocol.Command) error {
	d.mu.Lock()
	l := d.links[mac]
	d.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNoLink, mac)
	}

	d.async(func() {
		if err := l.send(cmd); err != nil {
			slog.Error("[BLE] command failed", "mac", mac, "characteristic", cmd.Characteristic, "error", err)
		}
	})
	return nil
}

// fault reports a radio fault, then reports every pending and live link as
// lost. The radio is re-enabled on the next operation.
func (d *Discovery) fault(err error) {
	remedy, ok := faultRemedy(err)
	if !ok {
		remedy = protocol.RemedyResetRadio
	}
	slog.Error("[BLE] radio fault", "remedy", remedy, "error", err)

	d.enableMu.Lock()
	d.enabled = false
	d.enableMu.Unlock()

	lost := d.dropAll()
	d.emit(func(h Handler) { h.OnRadioFault(remedy) })
	for mac, attempt := range lost {
		d.emitOutcome(mac, attempt, Outcome{Kind: OutcomeLost, Err: err})
	}
}

// dropAll cancels pending connects and closes links, returning the attempt
// tag of each by address.
func (d *Discovery) dropAll() map[string]uint64 {
	d.mu.Lock()
	dropped := make(map[string]uint64, len(d.pending)+len(d.links))
	var conns []Connection
	for mac, p := range d.pending {
		p.cancel()
		dropped[mac] = p.attempt
	}
	for mac, l := range d.links {
		dropped[mac] = l.attempt
		conns = append(conns, l.conn)
	}
	clear(d.pending)
	clear(d.links)
	d.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	return dropped
}

// Reset stops scanning, reports every link as lost and forces the radio
// to be re-enabled on the next operation.
func (d *Discovery) Reset() {
	d.StopScan()
	d.enableMu.Lock()
	d.enabled = false
	d.enableMu.Unlock()

	lost := d.dropAll()
	slog.Info("[BLE] radio reset", "links", len(lost))
	d.async(func() {
		for mac, attempt := range lost {
			d.emitOutcome(mac, attempt, Outcome{Kind: OutcomeLost})
		}
	})
}

// Close stops scanning, closes every link without reporting it and waits
// for background work to finish.
func (d *Discovery) Close() error {
	d.SetHandler(nil)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.StopScan()
	d.dropAll()
	d.wg.Wait()
	return nil
}
