package session

import (
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/watchlink/internal/identity"
	"github.com/chaz8081/watchlink/internal/protocol"
)

type call struct {
	op      string
	address string
	attempt uint64
}

// fakeDiscovery records every call the machine makes.
type fakeDiscovery struct {
	mu      sync.Mutex
	calls   []call
	known   map[string]string // address -> advertised name
	sendErr error
	sent    []protocol.Command
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{known: make(map[string]string)}
}

func (d *fakeDiscovery) record(op, address string, attempt uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call{op: op, address: address, attempt: attempt})
}

func (d *fakeDiscovery) StartScan(time.Duration)            { d.record("scan", "", 0) }
func (d *fakeDiscovery) Connect(address string, a uint64)    { d.record("connect", address, a) }
func (d *fakeDiscovery) Disconnect(address string, a uint64) { d.record("disconnect", address, a) }
func (d *fakeDiscovery) RequestBatteryLife(address string)   { d.record("battery", address, 0) }

func (d *fakeDiscovery) HasKnownDevice(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.known[address]
	return ok
}

func (d *fakeDiscovery) DeviceName(address string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[address]
}

func (d *fakeDiscovery) SendCommand(address string, cmd protocol.Command) error {
	d.record("command", address, 0)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, cmd)
	return nil
}

// count returns how many calls of op were made.
func (d *fakeDiscovery) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

// last returns the most recent call of op.
func (d *fakeDiscovery) last(op string) (call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].op == op {
			return d.calls[i], true
		}
	}
	return call{}, false
}

// memStore is an in-memory identity.Store with injectable failures.
type memStore struct {
	mu       sync.Mutex
	id       identity.Identity
	setErr   error
	clearErr error
}

func (s *memStore) Get() (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *memStore) Set(id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.id = id
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.id = identity.Identity{}
	return nil
}

func (s *memStore) get() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// recordingPublisher keeps every published message.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (p *recordingPublisher) Publish(m protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *recordingPublisher) ofKind(k protocol.Kind) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, m := range p.msgs {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) statuses() []protocol.Status {
	var out []protocol.Status
	for _, m := range p.ofKind(protocol.KindStatusChanged) {
		out = append(out, m.Status)
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

// newTestMachine returns a machine driven synchronously through its
// transition methods; Run is not started.
func newTestMachine(t *testing.T, store *memStore, disc *fakeDiscovery) (*Machine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	m := NewMachine(store, disc, pub, Options{ConnectOnStart: false})
	m.start()
	m.settle()
	pub.reset()
	return m, pub
}

// apply runs one command the way Run does.
func (m *Machine) apply(msg protocol.Message) error {
	err := m.handle(msg)
	m.settle()
	return err
}

func equalStatuses(a, b []protocol.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
