package ble

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/watchlink/internal/protocol"
)

// link is one established connection to the wearable.
type link struct {
	mac     string
	attempt uint64
	conn    Connection

	chunkSize       int
	interChunkDelay time.Duration

	mu    sync.Mutex
	chars map[string]Characteristic // keyed by service/characteristic UUID

	sent atomic.Uint32 // commands written, for logging
}

func newLink(mac string, attempt uint64, conn Connection, opts DiscoveryOptions) *link {
	return &link{
		mac:             mac,
		attempt:         attempt,
		conn:            conn,
		chunkSize:       opts.ChunkSize,
		interChunkDelay: opts.InterChunkDelay,
		chars:           make(map[string]Characteristic),
	}
}

// characteristic discovers a characteristic once and caches it.
func (l *link) characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	key := strings.ToLower(serviceUUID + "/" + charUUID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chars[key]; ok {
		return c, nil
	}
	c, err := l.conn.DiscoverCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover %s: %w", charUUID, err)
	}
	l.chars[key] = c
	return c, nil
}

// send writes an opaque command to its characteristic.
func (l *link) send(cmd protocol.Command) error {
	if cmd.Characteristic == "" {
		return errors.New("ble: command has no characteristic")
	}
	c, err := l.characteristic(cmd.Service, cmd.Characteristic)
	if err != nil {
		return err
	}
	if err := l.sendChunked(c, cmd.Payload); err != nil {
		return err
	}
	l.sent.Add(1)
	return nil
}

// sendChunked splits payload into MTU-safe chunks and writes each.
func (l *link) sendChunked(c Characteristic, payload []byte) error {
	chunks := protocol.ChunkBytes(payload, l.chunkSize)
	for i, chunk := range chunks {
		if err := c.Write(chunk); err != nil {
			return fmt.Errorf("ble: write chunk %d/%d: %w", i+1, len(chunks), err)
		}
		// Small delay between chunks to avoid overwhelming the watch
		if i < len(chunks)-1 && l.interChunkDelay > 0 {
			time.Sleep(l.interChunkDelay)
		}
	}
	return nil
}

func (l *link) readBattery() (int, error) {
	c, err := l.characteristic(BatteryServiceUUID, BatteryLevelCharUUID)
	if err != nil {
		return 0, err
	}
	data, err := c.Read()
	if err != nil {
		return 0, fmt.Errorf("ble: read battery level: %w", err)
	}
	return parseBatteryLevel(data)
}

// subscribeBattery forwards battery level notifications to fn.
func (l *link) subscribeBattery(fn func(percent int)) error {
	c, err := l.characteristic(BatteryServiceUUID, BatteryLevelCharUUID)
	if err != nil {
		return err
	}
	return c.Subscribe(func(data []byte) {
		if pct, err := parseBatteryLevel(data); err == nil {
			fn(pct)
		}
	})
}

func (l *link) readName() (string, error) {
	c, err := l.characteristic(GenericAccessServiceUUID, DeviceNameCharUUID)
	if err != nil {
		return "", err
	}
	data, err := c.Read()
	if err != nil {
		return "", fmt.Errorf("ble: read device name: %w", err)
	}
	return strings.TrimRight(string(data), "\x00"), nil
}

// parseBatteryLevel decodes a Battery Level value: one uint8 percentage.
func parseBatteryLevel(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("ble: empty battery level")
	}
	pct := int(data[0])
	if pct > 100 {
		return 0, fmt.Errorf("ble: battery level %d out of range", pct)
	}
	return pct, nil
}
