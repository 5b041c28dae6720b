package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chaz8081/watchlink/internal/applog"
	"github.com/chaz8081/watchlink/internal/ble"
	"github.com/chaz8081/watchlink/internal/bridge"
	"github.com/chaz8081/watchlink/internal/config"
	"github.com/chaz8081/watchlink/internal/endpoint"
	"github.com/chaz8081/watchlink/internal/identity"
	"github.com/chaz8081/watchlink/internal/protocol"
	"github.com/chaz8081/watchlink/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/watchlink/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	_, logCloser, err := applog.Init(applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel})
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logCloser.Close()

	printBanner(cfg)

	store, storeCloser, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open device store: %v", err)
	}
	defer storeCloser.Close()

	disc := ble.NewDiscovery(newAdapter(cfg.Radio), ble.DiscoveryOptions{
		ServiceUUID:     cfg.Radio.ServiceUUID,
		ConnectTimeout:  cfg.Radio.ConnectTimeout,
		InterChunkDelay: cfg.Radio.InterChunkDelay,
	})
	defer disc.Close()

	ep := endpoint.New()
	machine := session.NewMachine(store, disc, ep, session.Options{
		ScanTimeout:    cfg.Radio.ScanTimeout,
		ConnectOnStart: cfg.Session.ConnectOnStart,
		QueueSize:      cfg.Session.QueueSize,
		OnFault: func(r protocol.Remedy) {
			slog.Warn("Radio fault", "remedy", r)
			if r == protocol.RemedyResetRadio && cfg.Radio.AutoReset {
				slog.Info("Resetting radio")
				disc.Reset()
			}
		},
	})
	disc.SetHandler(machine)
	ep.Bind(machine)

	// A failure here is reported to the machine as a radio fault.
	if err := disc.Enable(); err != nil {
		slog.Error("Bluetooth unavailable", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := machine.Run(ctx); err != nil {
			slog.Error("session stopped", "error", err)
		}
	}()

	// Keep looking for a default device the radio has not enumerated yet.
	go disc.KeepScanning(ctx, func() bool {
		snap := machine.Snapshot()
		return !snap.Identity.Empty() &&
			snap.Status == protocol.StatusDisconnected &&
			!snap.Scanning &&
			!disc.HasKnownDevice(snap.Identity.Address)
	}, cfg.Radio.ScanTimeout, cfg.Radio.RescanMax)

	srv := bridge.NewServer(ep, cfg.Bridge.SendQueue)
	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.Path, srv)
	httpServer := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("bridge server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("Ready", "bridge", cfg.BridgeURL())

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Close()
	httpServer.Shutdown(shutdownCtx)

	cancel()
	select {
	case <-machine.Done():
	case <-shutdownCtx.Done():
	}
	ep.Unbind()
	slog.Info("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// openStore opens the configured identity store. The closer releases any
// database handle.
func openStore(cfg config.StoreConfig) (identity.Store, io.Closer, error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating store dir: %w", err)
		}
		s, err := identity.OpenSQLite(filepath.Join(cfg.Path, "watchlink.db"), cfg.Scope)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return identity.NewFileStore(cfg.Path, cfg.Scope), closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newAdapter(cfg config.RadioConfig) ble.Adapter {
	if cfg.Backend == "bluez" {
		return ble.NewBlueZAdapter(cfg.HCI)
	}
	return ble.NewTinyGoAdapter()
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== watchlink ===")
	fmt.Printf("  Store:   %s (%s)\n", cfg.Store.Path, cfg.Store.Backend)
	fmt.Printf("  Radio:   %s\n", cfg.Radio.Backend)
	fmt.Printf("  Bridge:  %s\n", cfg.BridgeURL())
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
