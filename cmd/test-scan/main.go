// Command test-scan is a manual test for the discovery layer.
// It scans for nearby peripherals and prints discovery events; with --mac
// it also connects and prints battery and name telemetry.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-scan [--backend tinygo|bluez] [--mac AA:BB:CC:DD:EE:FF] [--timeout 10s]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/watchlink/internal/ble"
	"github.com/chaz8081/watchlink/internal/protocol"
)

// printer prints every discovery event.
type printer struct {
	mac string
	d   *ble.Discovery
}

func (p *printer) OnDiscovered(dev ble.Device) {
	fmt.Printf("+ %s %-20q %4d dBm\n", dev.MAC, dev.Name, dev.RSSI)
	if dev.MAC == p.mac {
		fmt.Println("  target found, connecting...")
		p.d.Connect(dev.MAC, 1)
	}
}

func (p *printer) OnUndiscovered(mac string) { fmt.Printf("- %s\n", mac) }
func (p *printer) OnScanStarted()            { fmt.Println(">>> scan started") }
func (p *printer) OnScanStopped()            { fmt.Println("<<< scan stopped") }

func (p *printer) OnLinkOutcome(mac string, attempt uint64, o ble.Outcome) {
	fmt.Printf("link %s #%d: %s", mac, attempt, o.Kind)
	if o.Err != nil {
		fmt.Printf(" (%v)", o.Err)
	}
	fmt.Println()
	if o.Kind == ble.OutcomeConnected {
		p.d.RequestBatteryLife(mac)
	}
}

func (p *printer) OnRadioFault(r protocol.Remedy) { fmt.Printf("!!! radio fault, remedy: %s\n", r) }
func (p *printer) OnBattery(mac string, pct int)   { fmt.Printf("battery %s: %d%%\n", mac, pct) }
func (p *printer) OnLocalName(mac, name string)    { fmt.Printf("name %s: %q\n", mac, name) }

func main() {
	backend := flag.String("backend", "tinygo", "radio backend: tinygo or bluez")
	hci := flag.String("hci", "hci0", "bluez adapter")
	mac := flag.String("mac", "", "connect to this device when found")
	timeout := flag.Duration("timeout", 10*time.Second, "scan window")
	flag.Parse()

	var adapter ble.Adapter = ble.NewTinyGoAdapter()
	if *backend == "bluez" {
		adapter = ble.NewBlueZAdapter(*hci)
	}

	d := ble.NewDiscovery(adapter, ble.DefaultDiscoveryOptions())
	d.SetHandler(&printer{mac: *mac, d: d})
	if err := d.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scanning for %s with %q backend...\n", *timeout, *backend)
	fmt.Println("Press Ctrl+C to exit.")
	d.StartScan(*timeout)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
	if *mac != "" {
		d.Disconnect(*mac, 1)
	}
	d.Close()
	fmt.Println("Done.")
}
