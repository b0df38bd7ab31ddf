// Package config handles statesyncd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/statesync/internal/codec"
)

// searchPathsFunc is overridden in tests to avoid picking up real config
// files on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/statesyncd/config.yaml, /config/config.yaml,
// /etc/statesyncd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "statesyncd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/statesyncd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all statesyncd configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Session  SessionConfig `yaml:"session"`
	Audit    AuditConfig   `yaml:"audit"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	WSPath  string `yaml:"ws_path"` // path the websocket transport is mounted on (default "/ws")
}

// SessionConfig defines per-session dispatcher limits.
type SessionConfig struct {
	// InboundQueueDepth bounds how many received transport frames may
	// be buffered awaiting dispatch before a slow handler backpressures
	// the transport read.
	InboundQueueDepth int `yaml:"inbound_queue_depth"`
	// WorkerPoolSize bounds how many task bodies may run concurrently
	// across all units of a session. Action, SET, GET and PATCH
	// handlers run inline on the dispatcher and do not use it.
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// MaxRunningTasksPerUnit caps concurrent task executions per sync
	// unit; zero means unbounded.
	MaxRunningTasksPerUnit int `yaml:"max_running_tasks_per_unit"`
	// ReservedKeys lists registration keys a sync unit may not use,
	// set aside for engine-internal namespacing. Register rejects any
	// builder whose key appears here.
	ReservedKeys []string `yaml:"reserved_keys"`
}

// AuditConfig defines the operational dispatch-audit log.
// This is NOT session-state persistence: it records what happened for
// operators, and is never read back to reconstruct owner state.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite3" (cgo, mattn) or "sqlite" (pure-Go, modernc)
	Path    string `yaml:"path"`
}

// MQTTConfig defines the optional MQTT transport adapter, demonstrating
// the Transport port's pluggability over a non-WebSocket carrier.
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	InboundTopic string `yaml:"inbound_topic"`
	OutboundTopic string `yaml:"outbound_topic"`
}

// Configured reports whether the MQTT transport has enough settings to
// dial a broker.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.BrokerURL != "" && c.InboundTopic != "" && c.OutboundTopic != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${DATA_DIR}). Convenience for
	// container deployments; values can also be placed directly in the
	// config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.WSPath == "" {
		c.Listen.WSPath = "/ws"
	}
	if c.Session.InboundQueueDepth == 0 {
		c.Session.InboundQueueDepth = 64
	}
	if c.Session.WorkerPoolSize == 0 {
		c.Session.WorkerPoolSize = 8
	}
	if c.Audit.Enabled && c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = "./data/audit.db"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "statesyncd"
	}
	if c.Session.ReservedKeys == nil {
		c.Session.ReservedKeys = []string{"SESSION", "ENGINE"}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Session.InboundQueueDepth < 1 {
		return fmt.Errorf("session.inbound_queue_depth must be >= 1")
	}
	if c.Session.WorkerPoolSize < 1 {
		return fmt.Errorf("session.worker_pool_size must be >= 1")
	}
	if c.Session.MaxRunningTasksPerUnit < 0 {
		return fmt.Errorf("session.max_running_tasks_per_unit must be >= 0")
	}
	for _, key := range c.Session.ReservedKeys {
		if !codec.ValidKey(key) {
			return fmt.Errorf("session.reserved_keys: %q is not a well-formed registration key", key)
		}
	}
	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case "sqlite3", "sqlite":
		default:
			return fmt.Errorf("audit.driver %q must be \"sqlite3\" or \"sqlite\"", c.Audit.Driver)
		}
	}
	if c.MQTT.Enabled && !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.enabled requires broker_url, inbound_topic, and outbound_topic")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
