package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/watchlink/internal/protocol"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

func newTestDiscovery(t *testing.T, adapter Adapter) (*Discovery, *recordingHandler) {
	t.Helper()
	d := NewDiscovery(adapter, zeroDelayOpts())
	h := newRecordingHandler()
	d.SetHandler(h)
	t.Cleanup(func() { d.Close() })
	return d, h
}

// waitNotScanning waits for the window that just reported scan-stopped
// to be released.
func waitNotScanning(t *testing.T, d *Discovery) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for d.Scanning() {
		if time.Now().After(deadline) {
			t.Fatal("Scanning() = true after window ended")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScanReportsDevices(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "catfish", MAC: testMAC, RSSI: -45},
		{Name: "sturgeon", MAC: "11:22:33:44:55:66", RSSI: -70},
	})
	d, h := newTestDiscovery(t, adapter)

	d.StartScan(20 * time.Millisecond)

	if e := h.next(t); e.kind != "scan-started" {
		t.Fatalf("first event = %q, want scan-started", e.kind)
	}
	for range 2 {
		if e := h.next(t); e.kind != "discovered" {
			t.Fatalf("event = %q, want discovered", e.kind)
		}
	}
	if e := h.next(t); e.kind != "scan-stopped" {
		t.Fatalf("event = %q, want scan-stopped", e.kind)
	}

	if !d.HasKnownDevice(testMAC) {
		t.Error("HasKnownDevice() = false after scan")
	}
	if got := d.DeviceName(testMAC); got != "catfish" {
		t.Errorf("DeviceName() = %q, want %q", got, "catfish")
	}
	waitNotScanning(t, d)
}

func TestScanReportsUndiscovered(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "catfish", MAC: testMAC},
		{Name: "sturgeon", MAC: "11:22:33:44:55:66"},
	})
	d, h := newTestDiscovery(t, adapter)

	d.StartScan(10 * time.Millisecond)
	h.nextKind(t, "scan-stopped")

	adapter.setDevices([]Device{{Name: "catfish", MAC: testMAC}})
	d.StartScan(10 * time.Millisecond)

	e := h.nextKind(t, "undiscovered")
	if e.mac != "11:22:33:44:55:66" {
		t.Errorf("undiscovered mac = %q, want 11:22:33:44:55:66", e.mac)
	}
	h.nextKind(t, "scan-stopped")
	if d.HasKnownDevice("11:22:33:44:55:66") {
		t.Error("undiscovered device is still known")
	}
	if !d.HasKnownDevice(testMAC) {
		t.Error("rediscovered device is no longer known")
	}
}

func TestScanKeepsLinkedDevices(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "catfish", MAC: testMAC}})
	d, h := newTestDiscovery(t, adapter)

	d.StartScan(10 * time.Millisecond)
	h.nextKind(t, "scan-stopped")

	d.Connect(testMAC, 1)
	h.nextKind(t, "outcome")

	adapter.setDevices(nil)
	d.StartScan(10 * time.Millisecond)
	h.quiet(t, "undiscovered", 50*time.Millisecond)
	if !d.HasKnownDevice(testMAC) {
		t.Error("linked device was pruned by scan")
	}
}

func TestStartScanWhileScanningIsNoop(t *testing.T) {
	d, h := newTestDiscovery(t, newMockAdapter(nil))

	d.StartScan(time.Minute)
	d.StartScan(time.Minute)
	h.nextKind(t, "scan-started")
	if !d.Scanning() {
		t.Fatal("Scanning() = false during window")
	}

	d.StopScan()
	h.nextKind(t, "scan-stopped")
	h.quiet(t, "scan-started", 30*time.Millisecond)
}

// rescanHandler asks for a new window the first time a device goes away.
type rescanHandler struct {
	*recordingHandler
	d    *Discovery
	once sync.Once
}

func (h *rescanHandler) OnUndiscovered(mac string) {
	h.recordingHandler.OnUndiscovered(mac)
	h.once.Do(func() { h.d.StartScan(10 * time.Millisecond) })
}

func TestStartScanDuringTeardownKeepsOrder(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "catfish", MAC: testMAC},
		{Name: "sturgeon", MAC: "11:22:33:44:55:66"},
	})
	d, rec := newTestDiscovery(t, adapter)
	h := &rescanHandler{recordingHandler: rec, d: d}
	d.SetHandler(h)

	d.StartScan(10 * time.Millisecond)
	rec.nextKind(t, "scan-stopped")

	adapter.setDevices([]Device{{Name: "catfish", MAC: testMAC}})
	d.StartScan(10 * time.Millisecond)

	var got []string
	for len(got) < 5 {
		e := rec.next(t)
		switch e.kind {
		case "scan-started", "scan-stopped", "undiscovered":
			got = append(got, e.kind)
		}
	}
	want := []string{"scan-started", "undiscovered", "scan-stopped", "scan-started", "scan-stopped"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	waitNotScanning(t, d)
}

func TestBondedDevicesAreKnown(t *testing.T) {
	adapter := &bondedAdapter{
		mockAdapter: newMockAdapter(nil),
		bonded:      []Device{{Name: "catfish", MAC: testMAC}},
	}
	d, h := newTestDiscovery(t, adapter)

	if err := d.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !d.HasKnownDevice(testMAC) {
		t.Fatal("bonded device not known after Enable")
	}

	d.StartScan(10 * time.Millisecond)
	h.quiet(t, "undiscovered", 50*time.Millisecond)
	if !d.HasKnownDevice(testMAC) {
		t.Error("bonded device was pruned by scan")
	}
}

func TestConnectReportsConnectedThenTelemetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 7)

	e := h.next(t)
	if e.kind != "outcome" || e.outcome.Kind != OutcomeConnected || e.attempt != 7 {
		t.Fatalf("event = %+v, want connected outcome for attempt 7", e)
	}
	if e := h.next(t); e.kind != "name" || e.name != "catfish" {
		t.Errorf("event = %+v, want name catfish", e)
	}

	d.RequestBatteryLife(testMAC)
	if e := h.nextKind(t, "battery"); e.percent != 80 {
		t.Errorf("battery = %d, want 80", e.percent)
	}

	adapter.latestConnection().battery.SimulateNotification([]byte{79})
	if e := h.nextKind(t, "battery"); e.percent != 79 {
		t.Errorf("notified battery = %d, want 79", e.percent)
	}
}

func TestConnectNameFallsBackToAdvertisedName(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "advertised", MAC: testMAC}})
	adapter.nameErr = errMock
	d, h := newTestDiscovery(t, adapter)
	d.StartScan(10 * time.Millisecond)
	h.nextKind(t, "scan-stopped")

	d.Connect(testMAC, 1)

	if e := h.nextKind(t, "name"); e.name != "advertised" {
		t.Errorf("name = %q, want %q", e.name, "advertised")
	}
}

func TestConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errMock
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 3)

	e := h.next(t)
	if e.outcome.Kind != OutcomeFailed || e.attempt != 3 {
		t.Fatalf("event = %+v, want failed outcome for attempt 3", e)
	}
	if !errors.Is(e.outcome.Err, errMock) {
		t.Errorf("outcome error = %v, want errMock", e.outcome.Err)
	}
}

func TestDisconnectSupersedesPendingConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	gate := make(chan struct{})
	adapter.gate = gate
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)
	d.Disconnect(testMAC, 2)

	e := h.next(t)
	if e.outcome.Kind != OutcomeDisconnected || e.attempt != 2 {
		t.Fatalf("event = %+v, want disconnected outcome for attempt 2", e)
	}

	close(gate)
	e = h.next(t)
	if e.outcome.Kind != OutcomeFailed || e.attempt != 1 || !errors.Is(e.outcome.Err, ErrSuperseded) {
		t.Fatalf("event = %+v, want superseded failure for attempt 1", e)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("late connection was not torn down")
	}
}

func TestConnectSupersedesPendingConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	gate := make(chan struct{})
	adapter.gate = gate
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)
	d.Connect(testMAC, 2)
	close(gate)

	var connected, superseded uint64
	for range 2 {
		e := h.nextKind(t, "outcome")
		switch e.outcome.Kind {
		case OutcomeConnected:
			connected = e.attempt
		case OutcomeFailed:
			if errors.Is(e.outcome.Err, ErrSuperseded) {
				superseded = e.attempt
			}
		}
	}
	if connected != 2 || superseded != 1 {
		t.Errorf("connected attempt = %d, superseded attempt = %d, want 2 and 1", connected, superseded)
	}
}

func TestDisconnectWithoutLinkStillConfirms(t *testing.T) {
	d, h := newTestDiscovery(t, newMockAdapter(nil))

	d.Disconnect(testMAC, 4)

	e := h.next(t)
	if e.outcome.Kind != OutcomeDisconnected || e.attempt != 4 {
		t.Fatalf("event = %+v, want disconnected outcome for attempt 4", e)
	}
	h.quiet(t, "outcome", 30*time.Millisecond)
}

func TestLinkDropReportsLost(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 5)
	h.nextKind(t, "outcome")

	adapter.latestConnection().SimulateDisconnect()
	e := h.nextKind(t, "outcome")
	if e.outcome.Kind != OutcomeLost || e.attempt != 5 {
		t.Errorf("event = %+v, want lost outcome for attempt 5", e)
	}
}

func TestRequestedDisconnectIsNotLost(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)
	h.nextKind(t, "outcome")
	conn := adapter.latestConnection()

	d.Disconnect(testMAC, 2)
	e := h.nextKind(t, "outcome")
	if e.outcome.Kind != OutcomeDisconnected {
		t.Fatalf("event = %+v, want disconnected", e)
	}
	if !conn.isDisconnected() {
		t.Error("link was not disconnected")
	}

	conn.SimulateDisconnect()
	h.quiet(t, "outcome", 30*time.Millisecond)
}

func TestEnableFailureIsRadioFault(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errMock
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)

	e := h.next(t)
	if e.kind != "fault" || e.remedy != protocol.RemedyResetRadio {
		t.Fatalf("event = %+v, want reset-radio fault", e)
	}
	e = h.next(t)
	if e.outcome.Kind != OutcomeLost || e.attempt != 1 {
		t.Errorf("event = %+v, want lost outcome for attempt 1", e)
	}
}

func TestFaultErrorCarriesRemedy(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)
	h.nextKind(t, "outcome")

	adapter.mu.Lock()
	adapter.connectErr = &FaultError{Remedy: protocol.RemedyWaitAndSee, Err: errMock}
	adapter.mu.Unlock()
	d.Connect("11:22:33:44:55:66", 2)

	e := h.nextKind(t, "fault")
	if e.remedy != protocol.RemedyWaitAndSee {
		t.Errorf("remedy = %v, want wait-and-see", e.remedy)
	}

	lost := map[string]uint64{}
	for range 2 {
		e := h.nextKind(t, "outcome")
		if e.outcome.Kind != OutcomeLost {
			t.Fatalf("event = %+v, want lost", e)
		}
		lost[e.mac] = e.attempt
	}
	if lost[testMAC] != 1 || lost["11:22:33:44:55:66"] != 2 {
		t.Errorf("lost = %v, want both links reported", lost)
	}
}

func TestResetForcesReEnable(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	d.Connect(testMAC, 1)
	h.nextKind(t, "outcome")

	d.Reset()
	if e := h.nextKind(t, "outcome"); e.outcome.Kind != OutcomeLost {
		t.Errorf("event = %+v, want lost after reset", e)
	}

	d.Connect(testMAC, 2)
	h.nextKind(t, "outcome")
	adapter.mu.Lock()
	enables := adapter.enables
	adapter.mu.Unlock()
	if enables != 2 {
		t.Errorf("Enable() calls = %d, want 2", enables)
	}
}

func TestSendCommand(t *testing.T) {
	adapter := newMockAdapter(nil)
	d, h := newTestDiscovery(t, adapter)

	cmd := protocol.Command{Characteristic: testCommandChar, Payload: []byte("ring")}
	if err := d.SendCommand(testMAC, cmd); !errors.Is(err, ErrNoLink) {
		t.Errorf("SendCommand() without link error = %v, want ErrNoLink", err)
	}

	d.Connect(testMAC, 1)
	h.nextKind(t, "outcome")
	if err := d.SendCommand(testMAC, cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	conn := adapter.latestConnection()
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.command.written()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command was never written")
		}
		time.Sleep(time.Millisecond)
	}
	if got := string(conn.command.written()[0]); got != "ring" {
		t.Errorf("written = %q, want %q", got, "ring")
	}
}
