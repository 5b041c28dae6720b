package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Store    StoreConfig   `yaml:"store"`
	Radio    RadioConfig   `yaml:"radio"`
	Session  SessionConfig `yaml:"session"`
	Bridge   BridgeConfig  `yaml:"bridge"`
	LogLevel string        `yaml:"log_level"`
	LogDir   string        `yaml:"log_dir"` // empty logs to stderr
}

// StoreConfig selects where the default device is persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`    // directory holding the store
	Scope   string `yaml:"scope"`
}

// RadioConfig holds Bluetooth settings.
type RadioConfig struct {
	Backend         string        `yaml:"backend"` // "tinygo" or "bluez"
	HCI             string        `yaml:"hci"`
	ServiceUUID     string        `yaml:"service_uuid"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RescanMax       int           `yaml:"rescan_max"` // seconds
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
	AutoReset       bool          `yaml:"auto_reset"`
}

// SessionConfig holds state machine settings.
type SessionConfig struct {
	ConnectOnStart bool `yaml:"connect_on_start"`
	QueueSize      int  `yaml:"queue_size"`
}

// BridgeConfig holds the observer WebSocket settings.
type BridgeConfig struct {
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	SendQueue int    `yaml:"send_queue"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "watchlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Store: StoreConfig{
			Backend: "file",
			Path:    filepath.Join(home, ".local", "share", "watchlink"),
			Scope:   "watchlink",
		},
		Radio: RadioConfig{
			Backend:         "tinygo",
			HCI:             "hci0",
			ScanTimeout:     10 * time.Second,
			ConnectTimeout:  30 * time.Second,
			RescanMax:       60,
			InterChunkDelay: 20 * time.Millisecond,
		},
		Session: SessionConfig{
			ConnectOnStart: true,
			QueueSize:      64,
		},
		Bridge: BridgeConfig{
			Listen:    "127.0.0.1:7640",
			Path:      "/session",
			SendQueue: 64,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path and log_dir is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.LogDir = expandTilde(cfg.LogDir)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	var doc yaml.Node
	if err := doc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	humanizeDurations(&doc)
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# watchlink configuration\n# See the README for every key.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// durationKeys are the keys whose values are time.Duration.
var durationKeys = map[string]bool{
	"scan_timeout":      true,
	"connect_timeout":   true,
	"inter_chunk_delay": true,
}

// humanizeDurations rewrites duration values, which encode as nanosecond
// integers, in the "10s" form Load accepts.
func humanizeDurations(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if durationKeys[k.Value] && v.Kind == yaml.ScalarNode {
				if ns, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
					v.Tag = "!!str"
					v.Value = time.Duration(ns).String()
				}
			}
		}
	}
	for _, c := range n.Content {
		humanizeDurations(c)
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"sqlite\", got %q", c.Store.Backend)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Store.Scope == "" {
		return fmt.Errorf("store.scope must not be empty")
	}

	switch c.Radio.Backend {
	case "tinygo":
	case "bluez":
		if c.Radio.HCI == "" {
			return fmt.Errorf("radio.hci must not be empty for the bluez backend")
		}
	default:
		return fmt.Errorf("radio.backend must be \"tinygo\" or \"bluez\", got %q", c.Radio.Backend)
	}
	if c.Radio.ScanTimeout <= 0 {
		return fmt.Errorf("radio.scan_timeout must be > 0")
	}
	if c.Radio.ConnectTimeout <= 0 {
		return fmt.Errorf("radio.connect_timeout must be > 0")
	}
	if c.Radio.RescanMax <= 0 {
		return fmt.Errorf("radio.rescan_max must be > 0")
	}
	if c.Radio.InterChunkDelay < 0 {
		return fmt.Errorf("radio.inter_chunk_delay must be >= 0")
	}

	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be > 0")
	}

	if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
		return fmt.Errorf("bridge.listen must be host:port, got %q", c.Bridge.Listen)
	}
	if !strings.HasPrefix(c.Bridge.Path, "/") {
		return fmt.Errorf("bridge.path must start with /, got %q", c.Bridge.Path)
	}
	if c.Bridge.SendQueue <= 0 {
		return fmt.Errorf("bridge.send_queue must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BridgeURL returns the WebSocket URL observers dial.
func (c *Config) BridgeURL() string {
	return "ws://" + c.Bridge.Listen + c.Bridge.Path
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
