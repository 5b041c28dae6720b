package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalStatusChanged(t *testing.T) {
	got := Marshal(StatusChanged(StatusConnected))
	// Field 1 (kind):   tag=0x08, varint=8 (status_changed)
	// Field 4 (status): tag=0x20, varint=2 (connected)
	want := []byte{0x08, 0x08, 0x20, 0x02}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal(StatusChanged(connected)) = %x, want %x", got, want)
	}
}

func TestMarshalStatusDisconnectedOmitsZeroStatus(t *testing.T) {
	got := Marshal(StatusChanged(StatusDisconnected))
	want := []byte{0x08, 0x08}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal(StatusChanged(disconnected)) = %x, want %x", got, want)
	}
}

func TestMarshalSelectDevice(t *testing.T) {
	got := Marshal(SelectDevice("AA:BB"))
	// Field 1 (kind):    tag=0x08, varint=1 (select_device)
	// Field 2 (address): tag=0x12, len=5, "AA:BB"
	want := []byte{0x08, 0x01, 0x12, 0x05, 'A', 'A', ':', 'B', 'B'}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal(SelectDevice) = %x, want %x", got, want)
	}
}

func TestMarshalNegativeRSSIUsesZigZag(t *testing.T) {
	got := Marshal(Message{Kind: KindDeviceDiscovered, RSSI: -60})
	// zigzag(-60) = 119 = 0x77
	want := []byte{0x08, 0x0d, 0x40, 0x77}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal(rssi=-60) = %x, want %x", got, want)
	}
}

func TestUnmarshalFullMessage(t *testing.T) {
	in := Message{
		Kind:     KindSendCommand,
		Address:  "AA:BB:CC:DD:EE:FF",
		Name:     "catfish",
		Status:   StatusConnecting,
		Percent:  87,
		Remedy:   RemedyWaitAndSee,
		Scanning: true,
		RSSI:     -71,
		Command: Command{
			Service:        "00009071-0000-0000-0000-00a57e401d05",
			Characteristic: "00009001-0000-0000-0000-00a57e401d05",
			Payload:        []byte{0x00, 0x01, 0xff},
		},
		RequestID: 1 << 40,
		Code:      "not_connected",
		Error:     "session: not connected",
	}

	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Kind != in.Kind || out.Address != in.Address || out.Name != in.Name {
		t.Errorf("identity fields = %v %q %q, want %v %q %q", out.Kind, out.Address, out.Name, in.Kind, in.Address, in.Name)
	}
	if out.Status != in.Status || out.Percent != in.Percent || out.Remedy != in.Remedy {
		t.Errorf("state fields = %v %d %v, want %v %d %v", out.Status, out.Percent, out.Remedy, in.Status, in.Percent, in.Remedy)
	}
	if !out.Scanning || out.RSSI != -71 {
		t.Errorf("Scanning, RSSI = %v, %d, want true, -71", out.Scanning, out.RSSI)
	}
	if out.Command.Service != in.Command.Service || out.Command.Characteristic != in.Command.Characteristic {
		t.Errorf("Command = %+v, want %+v", out.Command, in.Command)
	}
	if !bytes.Equal(out.Command.Payload, in.Command.Payload) {
		t.Errorf("Command.Payload = %x, want %x", out.Command.Payload, in.Command.Payload)
	}
	if out.RequestID != in.RequestID || out.Code != in.Code || out.Error != in.Error {
		t.Errorf("reply fields = %d %q %q, want %d %q %q", out.RequestID, out.Code, out.Error, in.RequestID, in.Code, in.Error)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data := Marshal(BatteryChanged(42))
	// Field 99 (varint) and field 100 (fixed32) from a newer peer.
	data = append(data, 0x98, 0x06, 0x07)
	data = append(data, 0xa5, 0x06, 0x01, 0x02, 0x03, 0x04)

	m, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m.Kind != KindBatteryChanged || m.Percent != 42 {
		t.Errorf("got %v, want battery_changed(42%%)", m)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	data := Marshal(LocalNameChanged("catfish"))
	_, err := Unmarshal(data[:len(data)-2])
	if err == nil {
		t.Fatal("Unmarshal() should fail on truncated data")
	}
}

func TestUnmarshalMissingKind(t *testing.T) {
	_, err := Unmarshal([]byte{0x12, 0x01, 'A'})
	if !errors.Is(err, ErrMissingKind) {
		t.Errorf("Unmarshal() error = %v, want ErrMissingKind", err)
	}
}

func TestKindInbound(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindSelectDevice, true},
		{KindDeselect, true},
		{KindSendCommand, true},
		{KindStatusChanged, false},
		{KindReply, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Inbound(); got != tt.want {
			t.Errorf("%v.Inbound() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
