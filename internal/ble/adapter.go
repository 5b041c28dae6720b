// Package ble is the discovery layer for the paired wearable. It wraps the
// radio subsystem, turns scan results into discovery events, and runs
// connect/disconnect attempts whose outcomes arrive later as callbacks.
package ble

import "context"

// Standard GATT UUIDs used once a link is up.
const (
	GenericAccessServiceUUID = "00001800-0000-1000-8000-00805f9b34fb"
	DeviceNameCharUUID       = "00002a00-0000-1000-8000-00805f9b34fb"
	BatteryServiceUUID       = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelCharUUID     = "00002a19-0000-1000-8000-00805f9b34fb"

	// Immediate Alert (find-me profile).
	ImmediateAlertServiceUUID = "00001802-0000-1000-8000-00805f9b34fb"
	AlertLevelCharUUID        = "00002a06-0000-1000-8000-00805f9b34fb"
)

// AlertHigh is the Alert Level value that makes the device ring.
const AlertHigh byte = 0x02

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID (all peripherals if
	// empty) to found, once per advertisement, until ctx is done.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// BondedLister is implemented by adapters that can enumerate devices the
// host is already bonded with. Bonded devices count as known without a scan.
type BondedLister interface {
	Bonded() ([]Device, error)
}
