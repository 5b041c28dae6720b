package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message field numbers.
//
//	field 1  (uint32): kind
//	field 2  (string): address
//	field 3  (string): name
//	field 4  (uint32): status
//	field 5  (uint32): percent
//	field 6  (uint32): remedy
//	field 7  (bool):   scanning
//	field 8  (sint32): rssi
//	field 9  (string): command service
//	field 10 (string): command characteristic
//	field 11 (bytes):  command payload
//	field 12 (uint64): request_id
//	field 13 (string): code
//	field 14 (string): error
const (
	fieldKind           protowire.Number = 1
	fieldAddress        protowire.Number = 2
	fieldName           protowire.Number = 3
	fieldStatus         protowire.Number = 4
	fieldPercent        protowire.Number = 5
	fieldRemedy         protowire.Number = 6
	fieldScanning       protowire.Number = 7
	fieldRSSI           protowire.Number = 8
	fieldService        protowire.Number = 9
	fieldCharacteristic protowire.Number = 10
	fieldPayload        protowire.Number = 11
	fieldRequestID      protowire.Number = 12
	fieldCode           protowire.Number = 13
	fieldError          protowire.Number = 14
)

// ErrMissingKind is returned by Unmarshal for a message without a kind.
var ErrMissingKind = errors.New("protocol: message has no kind")

// Marshal encodes m. Zero-valued fields are omitted.
func Marshal(m Message) []byte {
	var buf []byte
	buf = appendUint(buf, fieldKind, uint64(m.Kind))
	buf = appendString(buf, fieldAddress, m.Address)
	buf = appendString(buf, fieldName, m.Name)
	buf = appendUint(buf, fieldStatus, uint64(m.Status))
	if m.Percent > 0 {
		buf = appendUint(buf, fieldPercent, uint64(m.Percent))
	}
	buf = appendUint(buf, fieldRemedy, uint64(m.Remedy))
	if m.Scanning {
		buf = appendUint(buf, fieldScanning, 1)
	}
	if m.RSSI != 0 {
		buf = protowire.AppendTag(buf, fieldRSSI, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(m.RSSI)))
	}
	buf = appendString(buf, fieldService, m.Command.Service)
	buf = appendString(buf, fieldCharacteristic, m.Command.Characteristic)
	if len(m.Command.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Command.Payload)
	}
	buf = appendUint(buf, fieldRequestID, m.RequestID)
	buf = appendString(buf, fieldCode, m.Code)
	buf = appendString(buf, fieldError, m.Error)
	return buf
}

// Unmarshal decodes a Message. Unknown fields are skipped.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("protocol: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("protocol: reading varint for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldKind:
				m.Kind = Kind(v)
			case fieldStatus:
				m.Status = Status(v)
			case fieldPercent:
				m.Percent = int(v)
			case fieldRemedy:
				m.Remedy = Remedy(v)
			case fieldScanning:
				m.Scanning = v != 0
			case fieldRSSI:
				m.RSSI = int(protowire.DecodeZigZag(v))
			case fieldRequestID:
				m.RequestID = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, fmt.Errorf("protocol: reading field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldAddress:
				m.Address = string(v)
			case fieldName:
				m.Name = string(v)
			case fieldService:
				m.Command.Service = string(v)
			case fieldCharacteristic:
				m.Command.Characteristic = string(v)
			case fieldPayload:
				m.Command.Payload = append([]byte(nil), v...)
			case fieldCode:
				m.Code = string(v)
			case fieldError:
				m.Error = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("protocol: skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if m.Kind == KindUnknown {
		return Message{}, ErrMissingKind
	}
	return m, nil
}

func appendUint(buf []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}
