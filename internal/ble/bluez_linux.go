//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/chaz8081/watchlink/internal/protocol"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattServiceIfc  = "org.bluez.GattService1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZAdapter drives the BlueZ daemon over the D-Bus system bus. It knows
// the host's bonded devices, so a paired watch counts as known before any
// scan.
type BlueZAdapter struct {
	hci  string
	path dbus.ObjectPath

	mu       sync.Mutex
	bus      *dbus.Conn
	watchers map[dbus.ObjectPath]func(changed map[string]dbus.Variant)
	scanSink func(path dbus.ObjectPath, props map[string]dbus.Variant)
}

// NewBlueZAdapter creates an adapter for the given controller, e.g. "hci0".
func NewBlueZAdapter(hci string) *BlueZAdapter {
	if hci == "" {
		hci = "hci0"
	}
	return &BlueZAdapter{
		hci:      hci,
		path:     dbus.ObjectPath("/org/bluez/" + hci),
		watchers: make(map[dbus.ObjectPath]func(map[string]dbus.Variant)),
	}
}

func (a *BlueZAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus == nil {
		bus, err := dbus.SystemBus()
		if err != nil {
			return &FaultError{Remedy: protocol.RemedyRestartHost, Err: fmt.Errorf("connect system bus: %w", err)}
		}
		if err := a.subscribe(bus); err != nil {
			bus.Close()
			return &FaultError{Remedy: protocol.RemedyRestartHost, Err: err}
		}
		a.bus = bus
	}

	obj := a.bus.Object(bluezService, a.path)
	if err := obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return &FaultError{Remedy: remedyFor(err), Err: fmt.Errorf("power on %s: %w", a.hci, err)}
	}
	return nil
}

// remedyFor maps a BlueZ error to the action most likely to clear it.
func remedyFor(err error) protocol.Remedy {
	switch dbusErrorName(err) {
	case "org.bluez.Error.Busy", "org.bluez.Error.InProgress", "org.bluez.Error.NotReady":
		return protocol.RemedyWaitAndSee
	case "org.freedesktop.DBus.Error.ServiceUnknown":
		return protocol.RemedyRestartHost
	}
	return protocol.RemedyResetRadio
}

func dbusErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name
	}
	return ""
}

// subscribe routes PropertiesChanged and InterfacesAdded to the scan sink
// and per-object watchers.
func (a *BlueZAdapter) subscribe(bus *dbus.Conn) error {
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return fmt.Errorf("match InterfacesAdded: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 64)
	bus.Signal(sigCh)
	go func() {
		for sig := range sigCh {
			a.dispatch(sig)
		}
	}()
	return nil
}

func (a *BlueZAdapter) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok {
			return
		}
		a.mu.Lock()
		sink := a.scanSink
		a.mu.Unlock()
		if sink != nil {
			sink(path, props)
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		a.mu.Lock()
		sink := a.scanSink
		watch := a.watchers[sig.Path]
		a.mu.Unlock()
		if iface == deviceIface && sink != nil {
			if _, ok := changed["RSSI"]; ok {
				sink(sig.Path, changed)
			}
		}
		if watch != nil {
			watch(changed)
		}
	}
}

func (a *BlueZAdapter) conn() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus == nil {
		return nil, errors.New("ble: bluez adapter not enabled")
	}
	return a.bus, nil
}

func (a *BlueZAdapter) watch(path dbus.ObjectPath, fn func(map[string]dbus.Variant)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn == nil {
		delete(a.watchers, path)
		return
	}
	a.watchers[path] = fn
}

func (a *BlueZAdapter) managedObjects(bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (a *BlueZAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device)) error {
	bus, err := a.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, a.path)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if serviceUUID != "" {
		filter["UUIDs"] = dbus.MakeVariant([]string{serviceUUID})
	}
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		slog.Debug("[BLE] SetDiscoveryFilter failed", "error", err)
	}

	// RSSI updates carry no address or name; look those up per path.
	report := func(path dbus.ObjectPath, props map[string]dbus.Variant) {
		if !strings.HasPrefix(string(path), string(a.path)+"/") {
			return
		}
		dev := deviceFromProps(path, props)
		if dev.Name == "" {
			if v, err := bus.Object(bluezService, path).GetProperty(deviceIface + ".Alias"); err == nil {
				dev.Name, _ = v.Value().(string)
			}
		}
		found(dev)
	}

	a.mu.Lock()
	a.scanSink = report
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scanSink = nil
		a.mu.Unlock()
	}()

	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return &FaultError{Remedy: remedyFor(err), Err: fmt.Errorf("start discovery: %w", err)}
	}
	defer obj.Call(adapterIface+".StopDiscovery", 0)

	// Devices BlueZ already holds with a fresh RSSI are in range now.
	objs, err := a.managedObjects(bus)
	if err != nil {
		return err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if _, inRange := props["RSSI"]; !inRange {
			continue
		}
		if serviceUUID != "" && !hasUUID(props, serviceUUID) {
			continue
		}
		report(path, props)
	}

	<-ctx.Done()
	return nil
}

func (a *BlueZAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	bus, err := a.conn()
	if err != nil {
		return nil, err
	}
	devPath := a.devicePath(mac)
	dev := bus.Object(bluezService, devPath)

	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, err)
	}

	// GATT objects appear once services are resolved.
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		v, err := dev.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				break
			}
		}
		select {
		case <-ctx.Done():
			dev.Call(deviceIface+".Disconnect", 0)
			return nil, fmt.Errorf("ble: resolve services on %s: %w", mac, ctx.Err())
		case <-tick.C:
		}
	}

	c := &bluezConnection{adapter: a, bus: bus, path: devPath}
	a.watch(devPath, func(changed map[string]dbus.Variant) {
		if v, ok := changed["Connected"]; ok {
			if up, _ := v.Value().(bool); !up {
				a.watch(devPath, nil)
				c.fireDisconnect()
			}
		}
	})
	return c, nil
}

// Bonded lists devices paired with this controller.
func (a *BlueZAdapter) Bonded() ([]Device, error) {
	bus, err := a.conn()
	if err != nil {
		return nil, err
	}
	objs, err := a.managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		out = append(out, deviceFromProps(path, props))
	}
	return out, nil
}

func (a *BlueZAdapter) devicePath(mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(a.path) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

var (
	_ Adapter      = (*BlueZAdapter)(nil)
	_ BondedLister = (*BlueZAdapter)(nil)
)

type bluezConnection struct {
	adapter *BlueZAdapter
	bus     *dbus.Conn
	path    dbus.ObjectPath

	mu           sync.Mutex
	disconnectCb func()
}

func (c *bluezConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	objs, err := c.adapter.managedObjects(c.bus)
	if err != nil {
		return nil, err
	}

	var svcPath dbus.ObjectPath
	for path, ifaces := range objs {
		props, ok := ifaces[gattServiceIfc]
		if !ok || !strings.HasPrefix(string(path), string(c.path)+"/") {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, serviceUUID) {
			svcPath = path
			break
		}
	}
	if svcPath == "" {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), string(svcPath)+"/") {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, charUUID) {
			return &bluezCharacteristic{adapter: c.adapter, obj: c.bus.Object(bluezService, path), path: path}, nil
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

func (c *bluezConnection) Disconnect() error {
	return c.bus.Object(bluezService, c.path).Call(deviceIface+".Disconnect", 0).Err
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *bluezConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluezCharacteristic struct {
	adapter *BlueZAdapter
	obj     dbus.BusObject
	path    dbus.ObjectPath
}

func (c *bluezCharacteristic) Write(data []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	return c.obj.Call(gattCharIface+".WriteValue", 0, data, opts).Err
}

func (c *bluezCharacteristic) Read() ([]byte, error) {
	var value []byte
	err := c.obj.Call(gattCharIface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
	return value, err
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	c.adapter.watch(c.path, func(changed map[string]dbus.Variant) {
		if v, ok := changed["Value"]; ok {
			if data, ok := v.Value().([]byte); ok {
				cb(data)
			}
		}
	})
	return c.obj.Call(gattCharIface+".StartNotify", 0).Err
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	var dev Device
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		rssi, _ := v.Value().(int16)
		dev.RSSI = int(rssi)
	}
	return dev
}

func hasUUID(props map[string]dbus.Variant, target string) bool {
	uuids, _ := props["UUIDs"].Value().([]string)
	for _, s := range uuids {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
