package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/fiberwinder/internal/device"
	"github.com/shaunagostinho/fiberwinder/internal/logger"
	"github.com/shaunagostinho/fiberwinder/internal/poll"
)

// Config holds all winder configuration.
//
// The device backend, serial settings, attempts, history scales, autostart
// polls, log path and listen address are read once at startup; API updates
// to them are saved but take effect after a restart.
type Config struct {
	mu sync.RWMutex

	// Serial link to the winder controller
	Device DeviceConfig `yaml:"device" json:"device"`

	// Background polling
	Polling PollingConfig `yaml:"polling" json:"polling"`

	// Rolling history
	History HistoryConfig `yaml:"history" json:"history"`

	// Status journal
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type            string `yaml:"type" json:"type"`                    // "serial" or "demo"
	Port            string `yaml:"port" json:"port"`                    // e.g. /dev/ttyUSB0 or COM3
	Driver          string `yaml:"driver" json:"driver"`                // "bugst" or "tarm"
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`           // controller runs at 115200
	ReadTimeoutMs   int    `yaml:"read_timeout_ms" json:"readTimeoutMs"` // per read attempt
	Attempts        int    `yaml:"attempts" json:"attempts"`            // reads per transaction
	AutoConnect     bool   `yaml:"auto_connect" json:"autoConnect"`     // connect to Port at startup
	UnlockOnConnect bool   `yaml:"unlock_on_connect" json:"unlockOnConnect"`
}

type PollingConfig struct {
	DelayMs    int              `yaml:"delay_ms" json:"delayMs"` // fixed and chained polls
	RampMinMs  int              `yaml:"ramp_min_ms" json:"rampMinMs"`
	RampMaxMs  int              `yaml:"ramp_max_ms" json:"rampMaxMs"`
	RampStepMs int              `yaml:"ramp_step_ms" json:"rampStepMs"`
	Autostart  []AutostartEntry `yaml:"autostart" json:"autostart"` // polls enabled after connect
}

// AutostartEntry enables polling of one quantity at startup.
type AutostartEntry struct {
	Quantity string `yaml:"quantity" json:"quantity"`
	Mode     string `yaml:"mode" json:"mode"` // "fixed", "ramp" or "chain"
	Pair     string `yaml:"pair" json:"pair"`
	DelayMs  int    `yaml:"delay_ms" json:"delayMs"`
}

type HistoryConfig struct {
	Scales   map[string]float64 `yaml:"scales" json:"scales"`       // quantity -> unit factor
	LoadMode string             `yaml:"load_mode" json:"loadMode"` // "raw", "avg5", "avg10"
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Recent  int    `yaml:"recent" json:"recent"` // status lines kept for the API
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:            "serial",
			Port:            "",
			Driver:          device.DriverBugst,
			BaudRate:        device.DefaultBaudRate,
			ReadTimeoutMs:   1000,
			Attempts:        device.DefaultAttempts,
			AutoConnect:     false,
			UnlockOnConnect: true,
		},
		Polling: PollingConfig{
			DelayMs:    200,
			RampMinMs:  100,
			RampMaxMs:  1000,
			RampStepMs: 50,
		},
		History: HistoryConfig{
			LoadMode: "raw",
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "logs",
			Recent:  200,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: WINDER_TYPE, WINDER_PORT, WINDER_DRIVER, WINDER_BAUD,
// WINDER_TIMEOUT_MS, WINDER_ATTEMPTS, WINDER_AUTOCONNECT, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WINDER_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("WINDER_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("WINDER_DRIVER"); v != "" {
		c.Device.Driver = v
	}
	if v := os.Getenv("WINDER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("WINDER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.ReadTimeoutMs = n
		}
	}
	if v := os.Getenv("WINDER_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Attempts = n
		}
	}
	if v := os.Getenv("WINDER_AUTOCONNECT"); v != "" {
		c.Device.AutoConnect = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

func truthy(v string) bool { return v == "1" || v == "true" || v == "yes" }

// ChannelConfig returns the serial settings for device.NewChannel.
func (c *Config) ChannelConfig() device.ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return device.ChannelConfig{
		Driver:      c.Device.Driver,
		BaudRate:    c.Device.BaudRate,
		ReadTimeout: time.Duration(c.Device.ReadTimeoutMs) * time.Millisecond,
	}
}

// JournalConfig returns the status journal settings.
func (c *Config) JournalConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Enabled: c.Logging.Enabled,
		Path:    c.Logging.Path,
		Recent:  c.Logging.Recent,
	}
}

// Policy builds a poll policy for mode, filling delays from the polling
// defaults. delayMs <= 0 uses the configured delay.
func (c *Config) Policy(mode, pair string, delayMs int) poll.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if delayMs <= 0 {
		delayMs = c.Polling.DelayMs
	}
	return poll.Policy{
		Mode:  poll.Mode(mode),
		Delay: time.Duration(delayMs) * time.Millisecond,
		Pair:  pair,
		Ramp: poll.RampConfig{
			Min:  time.Duration(c.Polling.RampMinMs) * time.Millisecond,
			Max:  time.Duration(c.Polling.RampMaxMs) * time.Millisecond,
			Step: time.Duration(c.Polling.RampStepMs) * time.Millisecond,
		},
	}
}

// startupSections snapshots the settings that are only read at startup,
// keyed by the config path reported to clients.
func (c *Config) startupSections() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev := c.Device
	dev.Port = "" // used by every connect request
	dev.AutoConnect = false

	out := make(map[string]string, 6)
	for key, v := range map[string]any{
		"device":            dev,
		"history.scales":    c.History.Scales,
		"polling.autostart": c.Polling.Autostart,
		"logging.path":      c.Logging.Path,
		"logging.recent":    c.Logging.Recent,
		"server":            c.Server,
	} {
		b, _ := json.Marshal(v)
		out[key] = string(b)
	}
	return out
}

// changedSections lists, sorted, the keys whose snapshot differs.
func changedSections(before, after map[string]string) []string {
	changed := []string{}
	for k, v := range after {
		if before[k] != v {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/fiberwinder/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
