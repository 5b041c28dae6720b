// Command watchlink-tui is a terminal observer for a running watchlink
// daemon.
//
// Usage:
//
//	go run ./cmd/watchlink-tui [--url ws://127.0.0.1:7640/session]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/watchlink/internal/bridge"
	"github.com/chaz8081/watchlink/internal/config"
	"github.com/chaz8081/watchlink/internal/tui"
)

func main() {
	url := flag.String("url", "", "bridge URL (default: from config, else ws://127.0.0.1:7640/session)")
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if *url == "" {
		*url = bridgeURL(*configPath)
	}

	// Fail fast when nothing is listening; after that the redialer keeps
	// the observer attached across daemon restarts and dropped connections.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	first, err := bridge.Dial(ctx, *url, nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\nIs the watchlink daemon running?\n", err)
		os.Exit(1)
	}
	first.Close()

	r := bridge.NewRedialer(*url)
	p := tea.NewProgram(tui.New(r), tea.WithAltScreen())
	r.OnMessage = tui.Forward(p)
	r.OnLink = tui.Link(p)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()

	_, err = p.Run()
	stop()
	<-done
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bridgeURL(configPath string) string {
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if cfg, err := config.Load(configPath); err == nil {
		return cfg.BridgeURL()
	}
	return config.Default().BridgeURL()
}
