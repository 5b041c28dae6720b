package ble

import (
	"context"
	"log/slog"
	"time"
)

// backoffDelay returns the rescan delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// KeepScanning opens a scan window of length timeout whenever want reports
// true, backing off exponentially between windows up to maxSeconds. The
// backoff restarts once want reports false. It returns when ctx is done.
func (d *Discovery) KeepScanning(ctx context.Context, want func() bool, timeout time.Duration, maxSeconds int) {
	attempt := 0
	for {
		wait := time.Second
		if want() {
			d.StartScan(timeout)
			wait = timeout + backoffDelay(attempt, maxSeconds)
			slog.Debug("[BLE] rescan backoff", "attempt", attempt+1, "delay", wait)
			attempt++
		} else {
			attempt = 0
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
