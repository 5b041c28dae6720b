package ble

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRescanBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 60)
		if got != want {
			t.Errorf("backoffDelay(%d, 60) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would overflow 1<<100 without the cap
	got := backoffDelay(100, 30)
	want := 30 * time.Second
	if got != want {
		t.Errorf("backoffDelay(100, 30) = %v, want %v (capped at max)", got, want)
	}
}

func TestKeepScanningStartsScanWhenWanted(t *testing.T) {
	adapter := newMockAdapter(nil)
	d := NewDiscovery(adapter, zeroDelayOpts())
	h := newRecordingHandler()
	d.SetHandler(h)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.KeepScanning(ctx, func() bool { return true }, 20*time.Millisecond, 1)
		close(done)
	}()

	h.nextKind(t, "scan-started")
	h.nextKind(t, "scan-stopped")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepScanning did not return after cancel")
	}
}

func TestKeepScanningIdleWhenNotWanted(t *testing.T) {
	adapter := newMockAdapter(nil)
	d := NewDiscovery(adapter, zeroDelayOpts())
	h := newRecordingHandler()
	d.SetHandler(h)
	defer d.Close()

	var asked atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.KeepScanning(ctx, func() bool { asked.Add(1); return false }, 20*time.Millisecond, 1)

	if asked.Load() == 0 {
		t.Error("want() was never consulted")
	}
	h.quiet(t, "scan-started", 20*time.Millisecond)
}
