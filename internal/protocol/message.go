// Package protocol defines the session messages exchanged between the
// session owner and an attached observer, and their protobuf wire encoding.
package protocol

import "fmt"

// Status is the connection status of the session.
type Status uint32

const (
	StatusDisconnected Status = 0
	StatusConnecting   Status = 1
	StatusConnected    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Remedy is the user-directed action a radio fault calls for.
type Remedy uint32

const (
	RemedyNone Remedy = iota
	// RemedyResetRadio asks for the radio subsystem to be reset.
	RemedyResetRadio
	// RemedyRestartHost means only a host restart is expected to help.
	RemedyRestartHost
	// RemedyWaitAndSee means the fault may clear on its own.
	RemedyWaitAndSee
)

func (r Remedy) String() string {
	switch r {
	case RemedyNone:
		return "none"
	case RemedyResetRadio:
		return "reset-radio"
	case RemedyRestartHost:
		return "restart-host"
	case RemedyWaitAndSee:
		return "wait-and-see"
	default:
		return fmt.Sprintf("remedy(%d)", uint32(r))
	}
}

// Kind tags a Message.
type Kind uint32

const (
	KindUnknown Kind = iota

	// Observer -> session owner.
	KindSelectDevice
	KindDeselect
	KindConnect
	KindDisconnect
	KindRequestBatteryLife
	KindStartScan
	KindSendCommand

	// Session owner -> observer.
	KindStatusChanged
	KindLocalNameChanged
	KindBatteryChanged
	KindDeviceSelected
	KindScanStateChanged
	KindDeviceDiscovered
	KindDeviceUndiscovered
	KindRadioFault

	// KindReply answers a request sent over a bridge connection.
	KindReply
)

var kindNames = map[Kind]string{
	KindSelectDevice:       "select_device",
	KindDeselect:           "deselect",
	KindConnect:            "connect",
	KindDisconnect:         "disconnect",
	KindRequestBatteryLife: "request_battery_life",
	KindStartScan:          "start_scan",
	KindSendCommand:        "send_command",
	KindStatusChanged:      "status_changed",
	KindLocalNameChanged:   "local_name_changed",
	KindBatteryChanged:     "battery_changed",
	KindDeviceSelected:     "device_selected",
	KindScanStateChanged:   "scan_state_changed",
	KindDeviceDiscovered:   "device_discovered",
	KindDeviceUndiscovered: "device_undiscovered",
	KindRadioFault:         "radio_fault",
	KindReply:              "reply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Inbound reports whether k is a command an observer may send.
func (k Kind) Inbound() bool {
	return k >= KindSelectDevice && k <= KindSendCommand
}

// Command is an opaque device-bound write, routed only while connected.
type Command struct {
	Service        string
	Characteristic string
	Payload        []byte
}

// Message is one session message. Which fields are meaningful depends on Kind.
type Message struct {
	Kind     Kind
	Address  string
	Name     string
	Status   Status
	Percent  int
	Remedy   Remedy
	Scanning bool
	RSSI     int
	Command  Command

	// Bridge request/reply correlation.
	RequestID uint64
	Code      string
	Error     string
}

func SelectDevice(address string) Message {
	return Message{Kind: KindSelectDevice, Address: address}
}

func Deselect() Message           { return Message{Kind: KindDeselect} }
func Connect() Message            { return Message{Kind: KindConnect} }
func Disconnect() Message         { return Message{Kind: KindDisconnect} }
func RequestBatteryLife() Message { return Message{Kind: KindRequestBatteryLife} }
func StartScan() Message          { return Message{Kind: KindStartScan} }

func SendCommand(cmd Command) Message {
	return Message{Kind: KindSendCommand, Command: cmd}
}

func StatusChanged(s Status) Message {
	return Message{Kind: KindStatusChanged, Status: s}
}

func LocalNameChanged(name string) Message {
	return Message{Kind: KindLocalNameChanged, Name: name}
}

func BatteryChanged(percent int) Message {
	return Message{Kind: KindBatteryChanged, Percent: percent}
}

// DeviceSelected announces the current identity. An empty address means
// the device was deselected.
func DeviceSelected(address, name string) Message {
	return Message{Kind: KindDeviceSelected, Address: address, Name: name}
}

func ScanStateChanged(scanning bool) Message {
	return Message{Kind: KindScanStateChanged, Scanning: scanning}
}

func DeviceDiscovered(address, name string, rssi int) Message {
	return Message{Kind: KindDeviceDiscovered, Address: address, Name: name, RSSI: rssi}
}

func DeviceUndiscovered(address string) Message {
	return Message{Kind: KindDeviceUndiscovered, Address: address}
}

func RadioFault(r Remedy) Message {
	return Message{Kind: KindRadioFault, Remedy: r}
}

// Reply answers request id. An empty code means success.
func Reply(requestID uint64, code, errText string) Message {
	return Message{Kind: KindReply, RequestID: requestID, Code: code, Error: errText}
}

func (m Message) String() string {
	switch m.Kind {
	case KindSelectDevice, KindDeviceUndiscovered:
		return fmt.Sprintf("%s(%s)", m.Kind, m.Address)
	case KindStatusChanged:
		return fmt.Sprintf("%s(%s)", m.Kind, m.Status)
	case KindLocalNameChanged:
		return fmt.Sprintf("%s(%q)", m.Kind, m.Name)
	case KindBatteryChanged:
		return fmt.Sprintf("%s(%d%%)", m.Kind, m.Percent)
	case KindDeviceSelected, KindDeviceDiscovered:
		return fmt.Sprintf("%s(%s %q)", m.Kind, m.Address, m.Name)
	case KindScanStateChanged:
		return fmt.Sprintf("%s(%t)", m.Kind, m.Scanning)
	case KindRadioFault:
		return fmt.Sprintf("%s(%s)", m.Kind, m.Remedy)
	case KindReply:
		return fmt.Sprintf("%s(#%d %s)", m.Kind, m.RequestID, m.Code)
	default:
		return m.Kind.String()
	}
}
